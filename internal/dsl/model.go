package dsl

import "strings"

// Entity — описание модели данных из DSL-файла
type Entity struct {
	Module      string
	Name        string
	Fields      []Field
	Constraints Constraints
}

// Constraints — ограничения уровня сущности
type Constraints struct {
	Unique [][]string // составные уникальные ключи: [["base","quote","date"], ...]
}

// Field — поле сущности
type Field struct {
	Name      string
	Type      string            // string, int, float, bool, date, datetime, enum, ref, file, array
	ElemType  string            // для array: тип элемента
	Enum      []string          // значения inline-enum
	Catalog   string            // имя переиспользуемого enum-справочника (reference/enums)
	RefTarget string            // для ref: целевая сущность ("User" или "core.User")
	Options   map[string]string // pk, required, nullable, blank, unique, readonly, default, alias, on_delete
}

// FQN возвращает полное имя "module.Name".
func (e *Entity) FQN() string { return e.Module + "." + e.Name }

// PK возвращает поле, помеченное как первичный ключ (если объявлено в DSL).
// Суррогатный id создаётся хранилищем всегда, pk-поле — это бизнес-ключ.
func (e *Entity) PK() *Field {
	for i := range e.Fields {
		if e.Fields[i].IsPK() {
			return &e.Fields[i]
		}
	}
	return nil
}

// FieldByName ищет поле по имени (точное совпадение).
func (e *Entity) FieldByName(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

func (f *Field) flag(name string) bool {
	if f.Options == nil {
		return false
	}
	return strings.EqualFold(f.Options[name], "true")
}

func (f *Field) IsPK() bool       { return f.flag("pk") }
func (f *Field) IsUnique() bool   { return f.flag("unique") }
func (f *Field) IsReadonly() bool { return f.flag("readonly") }

// IsBlank — поле допускает пустой ввод в формах. На nullable НЕ влияет.
func (f *Field) IsBlank() bool { return f.flag("blank") }

// IsRequired: pk обязателен всегда, остальное — по опции required.
func (f *Field) IsRequired() bool {
	if f.IsPK() {
		return true
	}
	return f.flag("required")
}

// IsNullable — единая точка решения о nullability для OpenAPI и DDL.
// Только явный nullable делает поле nullable; pk не может быть nullable,
// blank сам по себе nullability не даёт.
func (f *Field) IsNullable() bool {
	if f.IsPK() {
		return false
	}
	return f.flag("nullable")
}

// Alias возвращает явно заданный внешний псевдоним поля (alias=...).
func (f *Field) Alias() string {
	if f.Options == nil {
		return ""
	}
	return f.Options["alias"]
}

// IsEnum — перечисление: inline-список значений или привязка к каталогу.
func (f *Field) IsEnum() bool {
	return strings.EqualFold(f.Type, "enum") || len(f.Enum) > 0 || f.Catalog != ""
}

// IsRef — одиночная ссылка на другую сущность.
func (f *Field) IsRef() bool { return strings.EqualFold(f.Type, "ref") }

// IsArrayRef — массив ссылок: array[ref[...]].
func (f *Field) IsArrayRef() bool {
	return strings.EqualFold(f.Type, "array") && strings.EqualFold(f.ElemType, "ref")
}

// RefFQN разворачивает цель ссылки в FQN относительно модуля сущности.
func (f *Field) RefFQN(owner *Entity) string {
	if f.RefTarget == "" {
		return ""
	}
	if strings.Contains(f.RefTarget, ".") {
		return f.RefTarget
	}
	return owner.Module + "." + f.RefTarget
}

// OnDelete возвращает политику удаления для ref-полей (restrict по умолчанию).
func (f *Field) OnDelete() string {
	if f.Options == nil {
		return "restrict"
	}
	switch strings.ToLower(strings.TrimSpace(f.Options["on_delete"])) {
	case "set_null":
		return "set_null"
	case "cascade":
		return "cascade"
	default:
		return "restrict"
	}
}

// Default возвращает значение default= как строку DSL.
func (f *Field) Default() (string, bool) {
	if f.Options == nil {
		return "", false
	}
	v, ok := f.Options["default"]
	return v, ok
}
