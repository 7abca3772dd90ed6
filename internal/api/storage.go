package api

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"strizh/internal/dsl"
	"strizh/internal/reference"

	"github.com/oklog/ulid/v2"
)

type Record struct {
	ID        string                 `json:"id"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Deleted   bool                   `json:"-"`
	Data      map[string]interface{} `json:"data"`
}

type Storage struct {
	mu      sync.RWMutex
	Schemas map[string]*dsl.Entity             // FQN ("module.Name") -> модель
	Data    map[string]map[string]*Record      // FQN -> id -> запись
	Enums   map[string]reference.EnumDirectory // именованные enum-справочники
	Blob    BlobStore                          // файловое хранилище (для file-полей)
	entropy io.Reader
}

// NewStorage готовит in-memory хранилище поверх загруженных моделей.
func NewStorage(entities map[string]*dsl.Entity, enumCatalog map[string]reference.EnumDirectory) *Storage {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &Storage{
		Schemas: make(map[string]*dsl.Entity, len(entities)),
		Data:    make(map[string]map[string]*Record),
		Enums:   enumCatalog,
		entropy: ulid.Monotonic(src, 0),
	}
	for fqn, e := range entities {
		s.Schemas[fqn] = e
	}
	return s
}

func (s *Storage) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// admin/reload подменяет карты схем и справочников целиком под write-lock,
// поэтому читать заголовки карт без лока нельзя. Сами карты после загрузки
// не мутируются: снимок, взятый под RLock, дальше безопасен без лока.

func (s *Storage) Schema(fqn string) (*dsl.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.Schemas[fqn]
	return e, ok
}

func (s *Storage) SchemaSet() map[string]*dsl.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Schemas
}

func (s *Storage) EnumDir(name string) (reference.EnumDirectory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.Enums[name]
	return d, ok
}

func (s *Storage) EnumSet() map[string]reference.EnumDirectory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Enums
}

func (s *Storage) Exists(entity, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.Data[entity]
	if m == nil {
		return false
	}
	rec := m[id]
	return rec != nil && !rec.Deleted
}

// FindIncomingRefs возвращает первую входящую ссылку на (targetEntityFQN, targetID).
// Если ссылок нет — ok=false.
func (s *Storage) FindIncomingRefs(targetEntityFQN, targetID string) (refEntityFQN, refField string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for refFQN, schema := range s.Schemas {
		records := s.Data[refFQN]
		if records == nil {
			continue
		}
		for i := range schema.Fields {
			f := &schema.Fields[i]
			if !f.IsRef() && !f.IsArrayRef() {
				continue
			}
			if f.RefFQN(schema) != targetEntityFQN {
				continue
			}
			for _, rec := range records {
				if rec == nil || rec.Deleted {
					continue
				}
				if refValueContains(rec.Data[propName(f)], targetID) {
					return refFQN, propName(f), true
				}
			}
		}
	}
	return "", "", false
}

// refValueContains проверяет, содержит ли значение ссылочного поля данный id.
// Значение может быть string, []any или []string.
func refValueContains(v any, id string) bool {
	switch t := v.(type) {
	case string:
		return t == id
	case []any:
		for _, it := range t {
			if s, _ := it.(string); s == id {
				return true
			}
		}
	case []string:
		for _, s := range t {
			if s == id {
				return true
			}
		}
	}
	return false
}
