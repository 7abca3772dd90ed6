package openapi

// Минимальная объектная модель OpenAPI 3.0 — ровно то подмножество,
// которое генерируется из DSL-сущностей и зарегистрированных операций.

type Document struct {
	OpenAPI    string                `json:"openapi"` // "3.0.3"
	Info       Info                  `json:"info"`
	Paths      map[string]*PathItem  `json:"paths"`
	Components *Components           `json:"components,omitempty"`
	Security   []map[string][]string `json:"security,omitempty"`
}

type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type Components struct {
	Schemas         map[string]*Schema         `json:"schemas,omitempty"`
	SecuritySchemes map[string]*SecurityScheme `json:"securitySchemes,omitempty"`
}

type SecurityScheme struct {
	Type string `json:"type"`           // "apiKey"
	In   string `json:"in,omitempty"`   // query | header | cookie
	Name string `json:"name,omitempty"` // имя параметра или заголовка
}

type PathItem struct {
	Get    *Operation `json:"get,omitempty"`
	Post   *Operation `json:"post,omitempty"`
	Put    *Operation `json:"put,omitempty"`
	Patch  *Operation `json:"patch,omitempty"`
	Delete *Operation `json:"delete,omitempty"`
}

type Operation struct {
	OperationID string               `json:"operationId"`
	Summary     string               `json:"summary,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Parameters  []Parameter          `json:"parameters,omitempty"`
	RequestBody *RequestBody         `json:"requestBody,omitempty"`
	Responses   map[string]*Response `json:"responses"`
}

type Parameter struct {
	Name        string  `json:"name"`
	In          string  `json:"in"` // query | path | header
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required,omitempty"`
	Schema      *Schema `json:"schema,omitempty"`
}

type RequestBody struct {
	Description string               `json:"description,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Content     map[string]MediaType `json:"content"`
}

type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

type MediaType struct {
	Schema *Schema `json:"schema,omitempty"`
}

type Schema struct {
	Ref         string             `json:"$ref,omitempty"`
	AllOf       []*Schema          `json:"allOf,omitempty"`
	Type        string             `json:"type,omitempty"`
	Format      string             `json:"format,omitempty"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Nullable    bool               `json:"nullable,omitempty"`
	ReadOnly    bool               `json:"readOnly,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Default     any                `json:"default,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`

	// Aliases — таблица внешних псевдонимов: alias → имя свойства.
	// Оба имени разрешаются через ResolveProperty.
	Aliases map[string]string `json:"x-aliases,omitempty"`
}

// SchemaRef возвращает $ref на компонент по имени.
func SchemaRef(name string) *Schema {
	return &Schema{Ref: "#/components/schemas/" + name}
}

// ResolveProperty находит свойство по имени или псевдониму.
// Возвращает каноническое имя свойства и его схему.
func ResolveProperty(s *Schema, name string) (string, *Schema, bool) {
	if s == nil {
		return "", nil, false
	}
	if p, ok := s.Properties[name]; ok {
		return name, p, true
	}
	if canonical, ok := s.Aliases[name]; ok {
		if p, ok := s.Properties[canonical]; ok {
			return canonical, p, true
		}
	}
	return "", nil, false
}
