package api

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"strizh/internal/dsl"
	"strizh/internal/openapi"
)

type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Коды ошибок валидации
const (
	ErrRequired        = "required"
	ErrTypeMismatch    = "type_mismatch"
	ErrNullViolation   = "null_violation"
	ErrEnumInvalid     = "enum_invalid"
	ErrUniqueViolation = "unique_violation"
	ErrRefNotFound     = "ref_not_found"
	ErrNotFound        = "not_found"
	ErrReadOnly        = "readonly_field"
	ErrVersionConflict = "version_conflict"
)

// propName — имя, под которым поле хранится и отдаётся наружу.
// Совпадает с именем свойства в OpenAPI-схеме сущности.
func propName(f *dsl.Field) string { return openapi.PropertyName(f) }

// inputAliases возвращает карту «принимаемое имя → каноническое свойство»:
// исходное имя ref-поля, camelCase-форма и явный alias=. Коллизии с
// объявленными свойствами не порождают псевдонима (как и в генераторе схем).
func inputAliases(e *dsl.Entity) map[string]string {
	props := make(map[string]struct{}, len(e.Fields))
	for i := range e.Fields {
		props[propName(&e.Fields[i])] = struct{}{}
	}
	aliases := map[string]string{}
	add := func(alias, canonical string) {
		if alias == "" || alias == canonical {
			return
		}
		if _, taken := props[alias]; taken {
			return
		}
		if _, taken := aliases[alias]; taken {
			return
		}
		aliases[alias] = canonical
	}
	for i := range e.Fields {
		f := &e.Fields[i]
		prop := propName(f)
		if prop != f.Name {
			add(f.Name, prop) // "owner" → "owner_id"
		}
		add(openapi.CamelAlias(prop), prop)
		add(f.Alias(), prop)
	}
	return aliases
}

// NormalizeAliasedKeys переименовывает ключи payload'а в канонические имена
// свойств. Клиент может прислать "owner", "owner_id" или "ownerId" — в
// хранилище попадёт "owner_id".
func NormalizeAliasedKeys(e *dsl.Entity, obj map[string]any) {
	aliases := inputAliases(e)
	for alias, canonical := range aliases {
		v, ok := obj[alias]
		if !ok {
			continue
		}
		if _, clash := obj[canonical]; clash {
			// каноническое имя приоритетно, псевдоним молча отбрасываем
			delete(obj, alias)
			continue
		}
		delete(obj, alias)
		obj[canonical] = v
	}
}

// ValidateAgainstSchema валидирует и нормализует obj под модель сущности.
// Ключи obj должны быть каноническими (после NormalizeAliasedKeys).
func ValidateAgainstSchema(
	storage *Storage,
	schema *dsl.Entity,
	obj map[string]interface{},
	idForUniqueExclusion string, // id текущей записи при обновлении
	entityKey string, // FQN сущности
) []FieldError {
	var errs []FieldError

	fieldByProp := make(map[string]*dsl.Field, len(schema.Fields))
	for i := range schema.Fields {
		fieldByProp[propName(&schema.Fields[i])] = &schema.Fields[i]
	}

	// 1) required + null-политика
	for i := range schema.Fields {
		f := &schema.Fields[i]
		name := propName(f)
		v, present := obj[name]
		if !present {
			if f.IsRequired() {
				errs = append(errs, ferr(ErrRequired, name, "Field '"+name+"' is required"))
			}
			continue
		}
		if v == nil {
			// null допустим только при явном nullable; pk — никогда
			if !f.IsNullable() {
				errs = append(errs, ferr(ErrNullViolation, name, "Field '"+name+"' must not be null"))
			}
			continue
		}
		// пустая строка: допустима только для blank-полей
		if s, isStr := v.(string); isStr && s == "" && strings.EqualFold(f.Type, "string") {
			if f.IsRequired() && !f.IsBlank() {
				errs = append(errs, ferr(ErrRequired, name, "Field '"+name+"' must not be empty"))
			}
		}
	}

	// 2) строгая проверка типов и нормализация значений
	for name, val := range obj {
		f, ok := fieldByProp[name]
		if !ok {
			// неизвестные поля игнорируем
			continue
		}
		if val == nil {
			continue // null-политика проверена выше
		}
		norm, err := coerceValue(storage, schema, f, val)
		if err != nil {
			code := ErrTypeMismatch
			var ee *enumError
			if errors.As(err, &ee) {
				code = ErrEnumInvalid
			}
			var re *refError
			if errors.As(err, &re) {
				code = ErrRefNotFound
			}
			errs = append(errs, ferr(code, name, "Field '"+name+"' "+err.Error()))
			continue
		}
		obj[name] = norm
	}

	// 3) unique (pk — всегда бизнес-уникален)
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if !f.IsUnique() && !f.IsPK() {
			continue
		}
		name := propName(f)
		if v, ok := obj[name]; ok && v != nil {
			if violatesUnique(storage, entityKey, name, v, idForUniqueExclusion) {
				errs = append(errs, ferr(ErrUniqueViolation, name, "Field '"+name+"' must be unique"))
			}
		}
	}

	// 3.1) составные unique из constraints
	for _, uniqueSet := range schema.Constraints.Unique {
		if len(uniqueSet) == 0 {
			continue
		}
		key := make([]string, len(uniqueSet))
		cols := make([]string, len(uniqueSet))
		allPresent := true
		for i, fname := range uniqueSet {
			col := fname
			if f := schema.FieldByName(fname); f != nil {
				col = propName(f)
			}
			v, ok := obj[col]
			if !ok {
				allPresent = false
				break
			}
			cols[i] = col
			key[i] = fmt.Sprintf("%v", v)
		}
		if !allPresent {
			continue
		}
		if violatesCompositeUnique(storage, entityKey, cols, key, idForUniqueExclusion) {
			errs = append(errs, ferr(ErrUniqueViolation, cols[0],
				fmt.Sprintf("Fields %v must be unique together", uniqueSet)))
		}
	}

	return errs
}

func violatesUnique(storage *Storage, entity, field string, value interface{}, excludeID string) bool {
	needle := fmt.Sprintf("%v", value)

	storage.mu.RLock()
	defer storage.mu.RUnlock()

	for id, rec := range storage.Data[entity] {
		if rec == nil || rec.Deleted || id == excludeID {
			continue
		}
		if v, ok := rec.Data[field]; ok && fmt.Sprintf("%v", v) == needle {
			return true
		}
	}
	return false
}

func violatesCompositeUnique(storage *Storage, entity string, fields []string, values []string, excludeID string) bool {
	storage.mu.RLock()
	defer storage.mu.RUnlock()

	for id, rec := range storage.Data[entity] {
		if rec == nil || rec.Deleted || id == excludeID {
			continue
		}
		match := true
		for i, fname := range fields {
			if fmt.Sprintf("%v", rec.Data[fname]) != values[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`) // YYYY-MM-DD

// enumError и refError различают коды ошибок при коэрсинге.
type enumError struct{ msg string }

func (e *enumError) Error() string { return e.msg }

type refError struct{ msg string }

func (e *refError) Error() string { return e.msg }

func coerceValue(storage *Storage, owner *dsl.Entity, f *dsl.Field, v interface{}) (interface{}, error) {
	switch strings.ToLower(f.Type) {
	case "string", "file":
		return toStringStrict(v)
	case "int":
		return toIntStrict(v)
	case "float":
		return toFloatStrict(v)
	case "bool":
		return toBoolStrict(v)
	case "date":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if !dateRe.MatchString(s) {
			return nil, errors.New("must match YYYY-MM-DD")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, errors.New("invalid date")
		}
		return s, nil
	case "datetime":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, errors.New("must be RFC3339 datetime")
		}
		return s, nil
	case "enum":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if f.Catalog != "" {
			// переиспользуемый справочник: значения берём из каталога
			dir, ok := storage.EnumDir(f.Catalog)
			if !ok {
				return nil, fmt.Errorf("unknown enum catalog '%s'", f.Catalog)
			}
			if !dir.Has(s) {
				return nil, &enumError{fmt.Sprintf("value '%s' is not in catalog '%s'", s, f.Catalog)}
			}
			return s, nil
		}
		for _, ev := range f.Enum {
			if s == ev {
				return s, nil
			}
		}
		return nil, &enumError{fmt.Sprintf("value '%s' is not allowed", s)}
	case "ref":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		target := f.RefFQN(owner)
		if _, ok := storage.Schema(target); !ok {
			return nil, fmt.Errorf("unknown target entity '%s'", f.RefTarget)
		}
		if !storage.Exists(target, s) {
			return nil, &refError{fmt.Sprintf("references non-existent %s '%s'", target, s)}
		}
		return s, nil
	case "array":
		arr, ok := v.([]interface{})
		if !ok {
			// CSV-строку принимаем для удобства: "a,b,c"
			if s, isStr := v.(string); isStr {
				parts := strings.Split(s, ",")
				tmp := make([]interface{}, 0, len(parts))
				for _, p := range parts {
					tmp = append(tmp, strings.TrimSpace(p))
				}
				arr = tmp
			} else {
				return nil, errors.New("must be array")
			}
		}
		elem := *f
		elem.Type = f.ElemType
		out := make([]interface{}, 0, len(arr))
		for i, ev := range arr {
			norm, err := coerceValue(storage, owner, &elem, ev)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
			out = append(out, norm)
		}
		return out, nil
	default:
		// неизвестный тип — оставляем как есть (линтер схем его поймает)
		return v, nil
	}
}

func toStringStrict(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", errors.New("must be string")
}

func toIntStrict(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON-числа приходят как float64 — проверяем целостность
		if t != float64(int64(t)) {
			return 0, errors.New("must be integer")
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errors.New("must be integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be integer")
	}
}

func toFloatStrict(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errors.New("must be float")
		}
		return f, nil
	default:
		return 0, errors.New("must be float")
	}
}

func toBoolStrict(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return false, errors.New("must be boolean")
		}
	default:
		return false, errors.New("must be boolean")
	}
}

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// applyDefaults подставляет default= для отсутствующих полей (на Create).
func applyDefaults(schema *dsl.Entity, obj map[string]any) {
	for i := range schema.Fields {
		f := &schema.Fields[i]
		def, ok := f.Default()
		if !ok {
			continue
		}
		name := propName(f)
		if _, exists := obj[name]; exists {
			continue
		}
		// дефолт приходит строкой DSL; для enum/ref коэрсинг не нужен
		v, err := coerceDefault(f, def)
		if err == nil {
			obj[name] = v
		}
	}
}

// coerceDefault приводит строковый дефолт к типу поля без обращения к хранилищу.
func coerceDefault(f *dsl.Field, def string) (any, error) {
	switch strings.ToLower(f.Type) {
	case "int":
		return toIntStrict(def)
	case "float":
		return toFloatStrict(def)
	case "bool":
		return toBoolStrict(def)
	default:
		return def, nil
	}
}

// checkReadonlyAndSystem отклоняет попытки записать системные и readonly-поля.
// "version" разрешаем в payload как hint для optimistic lock, но вырезаем.
func checkReadonlyAndSystem(schema *dsl.Entity, obj map[string]any) (errs []FieldError) {
	sys := []string{"id", "created_at", "updated_at", "version"}
	for _, k := range sys {
		if _, ok := obj[k]; ok {
			if k == "version" {
				delete(obj, k)
				continue
			}
			errs = append(errs, ferr(ErrReadOnly, k, "Field '"+k+"' is read-only"))
		}
	}
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if !f.IsReadonly() {
			continue
		}
		name := propName(f)
		if _, ok := obj[name]; ok {
			errs = append(errs, ferr(ErrReadOnly, name, "Field '"+name+"' is read-only"))
		}
	}
	return
}
