package openapi

import (
	"fmt"
	"sort"
	"strings"

	"strizh/internal/dsl"
	"strizh/internal/reference"
)

// Generator собирает OpenAPI-документ из DSL-сущностей, enum-справочников
// и зарегистрированных операций.
type Generator struct {
	Entities map[string]*dsl.Entity
	Enums    map[string]reference.EnumDirectory
}

func NewGenerator(entities map[string]*dsl.Entity, enums map[string]reference.EnumDirectory) *Generator {
	return &Generator{Entities: entities, Enums: enums}
}

// PropertyName возвращает имя свойства, под которым поле попадает в схему.
// Одиночная ссылка экспортируется как "<name>_id" (сырой идентификатор).
func PropertyName(f *dsl.Field) string {
	if f.IsRef() && !strings.HasSuffix(f.Name, "_id") {
		return f.Name + "_id"
	}
	return f.Name
}

// CamelAlias: "owner_id" → "ownerId". Автоматическая трансформация имён
// для таблицы псевдонимов.
func CamelAlias(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// EntitySchema строит object-схему сущности.
//
// Политики генерации полей:
//   - inline enum остаётся локальным списком значений;
//   - enum с catalog= даёт $ref на общий именованный компонент;
//   - pk всегда required и не nullable;
//   - blank сам по себе НЕ делает поле nullable;
//   - ref-поле экспортируется как "<name>_id" плюс camelCase-псевдоним,
//     если тот не конфликтует с другим свойством.
func (g *Generator) EntitySchema(e *dsl.Entity) (*Schema, error) {
	s := &Schema{
		Type:       "object",
		Title:      e.Name,
		Properties: map[string]*Schema{},
	}

	// системные поля записи
	s.Properties["id"] = &Schema{Type: "string", ReadOnly: true, Description: "surrogate record id (ULID)"}
	s.Properties["version"] = &Schema{Type: "integer", Format: "int64", ReadOnly: true}
	s.Properties["created_at"] = &Schema{Type: "string", Format: "date-time", ReadOnly: true}
	s.Properties["updated_at"] = &Schema{Type: "string", Format: "date-time", ReadOnly: true}

	for i := range e.Fields {
		f := &e.Fields[i]
		prop := PropertyName(f)
		if _, dup := s.Properties[prop]; dup {
			return nil, fmt.Errorf("%s: field %q: property %q already declared", e.FQN(), f.Name, prop)
		}
		ps, err := g.fieldSchema(e, f)
		if err != nil {
			return nil, err
		}
		s.Properties[prop] = ps
		if f.IsRequired() {
			s.Required = append(s.Required, prop)
		}
	}
	sort.Strings(s.Required)

	// таблица псевдонимов: явные alias= и автоматические camelCase для ref-полей
	for i := range e.Fields {
		f := &e.Fields[i]
		prop := PropertyName(f)
		if a := f.Alias(); a != "" {
			if err := addAlias(s, a, prop); err != nil {
				return nil, fmt.Errorf("%s: field %q: %w", e.FQN(), f.Name, err)
			}
		}
		if f.IsRef() {
			// автоматический псевдоним не должен затирать чужое свойство:
			// при коллизии он просто не создаётся
			if cc := CamelAlias(prop); cc != prop {
				if _, taken := s.Properties[cc]; taken {
					continue
				}
				if _, taken := s.Aliases[cc]; taken {
					continue
				}
				_ = addAlias(s, cc, prop)
			}
		}
	}
	return s, nil
}

func addAlias(s *Schema, alias, prop string) error {
	if _, clash := s.Properties[alias]; clash {
		return fmt.Errorf("alias %q collides with property %q", alias, alias)
	}
	if prev, dup := s.Aliases[alias]; dup && prev != prop {
		return fmt.Errorf("alias %q already points to %q", alias, prev)
	}
	if s.Aliases == nil {
		s.Aliases = map[string]string{}
	}
	s.Aliases[alias] = prop
	return nil
}

func (g *Generator) fieldSchema(e *dsl.Entity, f *dsl.Field) (*Schema, error) {
	var base *Schema
	var err error
	if strings.EqualFold(f.Type, "array") {
		var items *Schema
		items, err = g.valueSchema(e, f, f.ElemType)
		if err != nil {
			return nil, err
		}
		base = &Schema{Type: "array", Items: items}
	} else {
		base, err = g.valueSchema(e, f, f.Type)
		if err != nil {
			return nil, err
		}
	}

	if def, ok := f.Default(); ok {
		if base.Ref != "" {
			// $ref не допускает соседних ключей — оборачиваем в allOf
			base = &Schema{AllOf: []*Schema{base}}
		}
		base.Default = def
	}
	if f.IsNullable() {
		if base.Ref != "" {
			base = &Schema{AllOf: []*Schema{base}}
		}
		base.Nullable = true
	}
	if f.IsReadonly() {
		if base.Ref != "" {
			base = &Schema{AllOf: []*Schema{base}}
		}
		base.ReadOnly = true
	}
	// обязательная непустая строка, если blank не разрешён
	if f.Type == "string" && f.IsRequired() && !f.IsBlank() {
		one := 1
		base.MinLength = &one
	}
	return base, nil
}

func (g *Generator) valueSchema(e *dsl.Entity, f *dsl.Field, typ string) (*Schema, error) {
	switch strings.ToLower(typ) {
	case "string":
		return &Schema{Type: "string"}, nil
	case "int":
		return &Schema{Type: "integer", Format: "int64"}, nil
	case "float":
		return &Schema{Type: "number", Format: "double"}, nil
	case "bool":
		return &Schema{Type: "boolean"}, nil
	case "date":
		return &Schema{Type: "string", Format: "date"}, nil
	case "datetime":
		return &Schema{Type: "string", Format: "date-time"}, nil
	case "file":
		// файловое поле отдаётся наружу как URL сохранённого блоба
		return &Schema{Type: "string", Format: "uri"}, nil
	case "enum":
		if f.Catalog != "" {
			if _, ok := g.Enums[f.Catalog]; !ok {
				return nil, fmt.Errorf("%s: field %q: unknown enum catalog %q", e.FQN(), f.Name, f.Catalog)
			}
			return SchemaRef(f.Catalog), nil
		}
		if len(f.Enum) == 0 {
			return nil, fmt.Errorf("%s: field %q: enum without values and without catalog", e.FQN(), f.Name)
		}
		vals := make([]any, 0, len(f.Enum))
		for _, v := range f.Enum {
			vals = append(vals, v)
		}
		return &Schema{Type: "string", Enum: vals}, nil
	case "ref":
		target := f.RefFQN(e)
		return &Schema{Type: "string", Description: "id of " + target}, nil
	default:
		return nil, fmt.Errorf("%s: field %q: unknown type %q", e.FQN(), f.Name, typ)
	}
}

// CatalogSchema строит общий именованный enum-компонент из справочника.
func CatalogSchema(d reference.EnumDirectory) *Schema {
	vals := make([]any, 0, len(d.Items))
	for _, it := range d.Items {
		vals = append(vals, it.Code)
	}
	title := d.Title
	if title == "" {
		title = d.Name
	}
	return &Schema{Type: "string", Title: title, Enum: vals}
}

// ComponentName: "core.Task" → "core.Task" (точки в именах компонентов допустимы).
func ComponentName(e *dsl.Entity) string { return e.FQN() }

// Build собирает документ: компоненты (все сущности + только реально
// используемые справочники + схемы ошибок), CRUD-пути для каждой сущности
// и дополнительные операции, зарегистрированные поверх CRUD.
func (g *Generator) Build(info Info, prefix string, extra []PathSpec) (*Document, error) {
	doc := &Document{
		OpenAPI: "3.0.3",
		Info:    info,
		Paths:   map[string]*PathItem{},
		Components: &Components{
			Schemas: map[string]*Schema{},
		},
	}

	usedCatalogs := map[string]bool{}

	fqns := make([]string, 0, len(g.Entities))
	for fqn := range g.Entities {
		fqns = append(fqns, fqn)
	}
	sort.Strings(fqns)

	for _, fqn := range fqns {
		e := g.Entities[fqn]
		s, err := g.EntitySchema(e)
		if err != nil {
			return nil, err
		}
		doc.Components.Schemas[ComponentName(e)] = s
		for i := range e.Fields {
			if c := e.Fields[i].Catalog; c != "" {
				usedCatalogs[c] = true
			}
		}
		g.entityPaths(doc, prefix, e)
	}

	for name := range usedCatalogs {
		d, ok := g.Enums[name]
		if !ok {
			return nil, fmt.Errorf("unknown enum catalog %q", name)
		}
		doc.Components.Schemas[name] = CatalogSchema(d)
	}

	doc.Components.Schemas["FieldError"] = &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"code":    {Type: "string"},
			"field":   {Type: "string"},
			"message": {Type: "string"},
		},
		Required: []string{"code", "field", "message"},
	}
	doc.Components.Schemas["ErrorResponse"] = &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"errors": {Type: "array", Items: SchemaRef("FieldError")},
		},
	}

	for _, ps := range extra {
		if err := addOperation(doc, ps); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// PathSpec — одна операция для включения в документ (кастомные обработчики).
type PathSpec struct {
	Method string // GET, POST, ...
	Path   string // уже с префиксом, параметры в фигурных скобках
	Op     *Operation
}

func addOperation(doc *Document, ps PathSpec) error {
	item := doc.Paths[ps.Path]
	if item == nil {
		item = &PathItem{}
		doc.Paths[ps.Path] = item
	}
	var slot **Operation
	switch strings.ToUpper(ps.Method) {
	case "GET":
		slot = &item.Get
	case "POST":
		slot = &item.Post
	case "PUT":
		slot = &item.Put
	case "PATCH":
		slot = &item.Patch
	case "DELETE":
		slot = &item.Delete
	default:
		return fmt.Errorf("unsupported method %q for %s", ps.Method, ps.Path)
	}
	if *slot != nil {
		return fmt.Errorf("duplicate operation %s %s", ps.Method, ps.Path)
	}
	*slot = ps.Op
	return nil
}

func (g *Generator) entityPaths(doc *Document, prefix string, e *dsl.Entity) {
	mod := strings.ToLower(e.Module)
	ent := strings.ToLower(e.Name)
	tag := e.Module
	ref := SchemaRef(ComponentName(e))
	errRef := SchemaRef("ErrorResponse")
	opID := func(verb string) string { return verb + "_" + mod + "_" + ent }
	jsonOf := func(s *Schema) map[string]MediaType {
		return map[string]MediaType{"application/json": {Schema: s}}
	}
	idParam := Parameter{Name: "id", In: "path", Required: true, Schema: &Schema{Type: "string"}}

	collection := prefix + "/" + mod + "/" + ent
	item := collection + "/{id}"

	doc.Paths[collection] = &PathItem{
		Get: &Operation{
			OperationID: opID("list"),
			Summary:     "List " + e.Name + " records",
			Tags:        []string{tag},
			Parameters: []Parameter{
				{Name: "limit", In: "query", Schema: &Schema{Type: "integer", Default: 50}},
				{Name: "offset", In: "query", Schema: &Schema{Type: "integer", Default: 0}},
				{Name: "sort", In: "query", Schema: &Schema{Type: "string"}},
				{Name: "q", In: "query", Schema: &Schema{Type: "string"}},
			},
			Responses: map[string]*Response{
				"200": {Description: "OK", Content: jsonOf(&Schema{Type: "array", Items: ref})},
			},
		},
		Post: &Operation{
			OperationID: opID("create"),
			Summary:     "Create " + e.Name,
			Tags:        []string{tag},
			RequestBody: &RequestBody{Required: true, Content: jsonOf(ref)},
			Responses: map[string]*Response{
				"201": {Description: "Created", Content: jsonOf(ref)},
				"400": {Description: "Validation error", Content: jsonOf(errRef)},
				"409": {Description: "Conflict", Content: jsonOf(errRef)},
			},
		},
	}

	doc.Paths[item] = &PathItem{
		Get: &Operation{
			OperationID: opID("get"),
			Summary:     "Get " + e.Name + " by id",
			Tags:        []string{tag},
			Parameters:  []Parameter{idParam},
			Responses: map[string]*Response{
				"200": {Description: "OK", Content: jsonOf(ref)},
				"404": {Description: "Not found"},
			},
		},
		Put: &Operation{
			OperationID: opID("update"),
			Summary:     "Replace " + e.Name,
			Tags:        []string{tag},
			Parameters:  []Parameter{idParam},
			RequestBody: &RequestBody{Required: true, Content: jsonOf(ref)},
			Responses: map[string]*Response{
				"200": {Description: "OK", Content: jsonOf(ref)},
				"400": {Description: "Validation error", Content: jsonOf(errRef)},
				"404": {Description: "Not found"},
				"409": {Description: "Version conflict", Content: jsonOf(errRef)},
			},
		},
		Patch: &Operation{
			OperationID: opID("patch"),
			Summary:     "Update " + e.Name + " partially",
			Tags:        []string{tag},
			Parameters:  []Parameter{idParam},
			RequestBody: &RequestBody{Required: true, Content: jsonOf(ref)},
			Responses: map[string]*Response{
				"200": {Description: "OK", Content: jsonOf(ref)},
				"400": {Description: "Validation error", Content: jsonOf(errRef)},
				"404": {Description: "Not found"},
				"409": {Description: "Version conflict", Content: jsonOf(errRef)},
			},
		},
		Delete: &Operation{
			OperationID: opID("delete"),
			Summary:     "Delete " + e.Name + " (soft)",
			Tags:        []string{tag},
			Parameters:  []Parameter{idParam},
			Responses: map[string]*Response{
				"204": {Description: "Deleted"},
				"404": {Description: "Not found"},
				"409": {Description: "Referenced by other records", Content: jsonOf(errRef)},
			},
		},
	}
}
