// api/names.go
package api

import (
	"strings"

	"strizh/internal/dsl"
)

// NormalizeEntityName возвращает FQN ("module.Name") по паре {module, entity}.
// Если module пустой, ищет единственную сущность с таким именем среди всех модулей.
func (s *Storage) NormalizeEntityName(module, name string) (string, bool) {
	fqn, _, ok := s.ResolveEntity(module, name)
	return fqn, ok
}

// ResolveEntity — то же, плюс модель из того же снимка схем, чтобы
// последующее чтение схемы не разъехалось с резолвом имени при reload.
func (s *Storage) ResolveEntity(module, name string) (string, *dsl.Entity, bool) {
	if name == "" {
		return "", nil, false
	}
	schemas := s.SchemaSet()

	ml := strings.ToLower(strings.TrimSpace(module))
	nl := strings.ToLower(strings.TrimSpace(name))

	// модуль задан — точное, затем регистронезависимое совпадение FQN
	if ml != "" {
		if e, ok := schemas[module+"."+name]; ok {
			return module + "." + name, e, true
		}
		for fqn, e := range schemas {
			dot := strings.IndexByte(fqn, '.')
			if dot <= 0 {
				continue
			}
			fm, fn := fqn[:dot], fqn[dot+1:]
			if strings.ToLower(fm) == ml && strings.ToLower(fn) == nl {
				return fqn, e, true
			}
		}
		return "", nil, false
	}

	// модуль не задан — имя должно быть уникально среди всех модулей
	var found string
	for fqn := range schemas {
		dot := strings.IndexByte(fqn, '.')
		if dot <= 0 {
			continue
		}
		if strings.ToLower(fqn[dot+1:]) == nl {
			if found != "" {
				return "", nil, false
			}
			found = fqn
		}
	}
	if found != "" {
		return found, schemas[found], true
	}
	return "", nil, false
}

// splitFQN("module.Entity") -> ("module","Entity")
func splitFQN(fqn string) (string, string) {
	i := strings.IndexByte(fqn, '.')
	if i <= 0 || i >= len(fqn)-1 {
		return "", fqn
	}
	return fqn[:i], fqn[i+1:]
}
