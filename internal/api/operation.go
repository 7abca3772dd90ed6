package api

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"

	"strizh/internal/openapi"
)

// ===== Типизированные операции =====
//
// Кастомные обработчики объявляются поверх пары структур: параметры
// (query или JSON-тело) и результат. Из структур рефлексией собирается
// описание операции для openapi-документа, так что ручка и её схема
// не расходятся.

type opRoute struct {
	method  string
	path    string // gin-стиль, относительно префикса: "/math/add", "/report/:id"
	handler gin.HandlerFunc
	spec    openapi.PathSpec
}

type OpSet struct {
	routes []opRoute
}

// Register добавляет операцию в набор. P — структура параметров
// (`form`-теги для query, `json` для тела), R — структура ответа.
func Register[P any, R any](s *OpSet, method, path, summary string, tags []string, fn func(c *gin.Context, p P) (R, error)) {
	method = strings.ToUpper(method)

	op := &openapi.Operation{
		OperationID: operationID(method, path),
		Summary:     summary,
		Tags:        tags,
		Responses: map[string]*openapi.Response{
			"200": {
				Description: "OK",
				Content: map[string]openapi.MediaType{
					"application/json": {Schema: schemaOfType(reflect.TypeOf(*new(R)))},
				},
			},
			"400": {
				Description: "Validation error",
				Content: map[string]openapi.MediaType{
					"application/json": {Schema: openapi.SchemaRef("ErrorResponse")},
				},
			},
		},
	}
	pt := reflect.TypeOf(*new(P))
	if method == http.MethodGet || method == http.MethodDelete {
		op.Parameters = queryParamsOf(pt)
	} else if pt.Kind() == reflect.Struct && pt.NumField() > 0 {
		op.RequestBody = &openapi.RequestBody{
			Required: true,
			Content: map[string]openapi.MediaType{
				"application/json": {Schema: schemaOfType(pt)},
			},
		}
	}

	handler := func(c *gin.Context) {
		var p P
		var err error
		if method == http.MethodGet || method == http.MethodDelete {
			err = c.ShouldBindQuery(&p)
		} else {
			err = c.ShouldBindJSON(&p)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []FieldError{{
				Code:    ErrTypeMismatch,
				Field:   "",
				Message: err.Error(),
			}}})
			return
		}
		out, err := fn(c, p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []FieldError{{
				Code:    ErrTypeMismatch,
				Field:   "",
				Message: err.Error(),
			}}})
			return
		}
		c.JSON(http.StatusOK, out)
	}

	s.routes = append(s.routes, opRoute{
		method:  method,
		path:    path,
		handler: handler,
		spec:    openapi.PathSpec{Method: method, Path: docPath(path), Op: op},
	})
}

// Mount вешает операции на группу (обычно — группу префикса API).
func (s *OpSet) Mount(g *gin.RouterGroup) {
	for _, r := range s.routes {
		g.Handle(r.method, r.path, r.handler)
	}
}

// Specs возвращает описания операций с уже подставленным префиксом.
func (s *OpSet) Specs(prefix string) []openapi.PathSpec {
	out := make([]openapi.PathSpec, 0, len(s.routes))
	for _, r := range s.routes {
		ps := r.spec
		ps.Path = strings.TrimRight(prefix, "/") + ps.Path
		out = append(out, ps)
	}
	return out
}

func operationID(method, path string) string {
	clean := strings.NewReplacer("/", "_", ":", "", "*", "").Replace(strings.Trim(path, "/"))
	return strings.ToLower(method) + "_" + clean
}

// docPath переводит gin-плейсхолдеры в фигурные скобки.
func docPath(p string) string {
	parts := strings.Split(p, "/")
	for i, seg := range parts {
		if strings.HasPrefix(seg, ":") {
			parts[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

func queryParamsOf(t reflect.Type) []openapi.Parameter {
	if t.Kind() != reflect.Struct {
		return nil
	}
	var out []openapi.Parameter
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("form")
		if name == "" || name == "-" {
			continue
		}
		required := strings.Contains(f.Tag.Get("binding"), "required")
		out = append(out, openapi.Parameter{
			Name:     name,
			In:       "query",
			Required: required,
			Schema:   schemaOfType(f.Type),
		})
	}
	return out
}

func schemaOfType(t reflect.Type) *openapi.Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return &openapi.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &openapi.Schema{Type: "number"}
	case reflect.String:
		return &openapi.Schema{Type: "string"}
	case reflect.Slice, reflect.Array:
		return &openapi.Schema{Type: "array", Items: schemaOfType(t.Elem())}
	case reflect.Struct:
		props := map[string]*openapi.Schema{}
		var required []string
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == "" {
				name = f.Name
			}
			if name == "-" {
				continue
			}
			props[name] = schemaOfType(f.Type)
			if f.Type.Kind() != reflect.Pointer {
				required = append(required, name)
			}
		}
		return &openapi.Schema{Type: "object", Properties: props, Required: required}
	default:
		return &openapi.Schema{Type: "object"}
	}
}

// ===== Встроенные операции =====

// Указатели, а не int: на голом int binding:"required" режет нулевое
// значение, и a=0 не проходил бы биндинг.
type addParams struct {
	A *int `form:"a" binding:"required"`
	B *int `form:"b" binding:"required"`
}

type addResult struct {
	Result int `json:"result"`
}

// DefaultOperations — набор операций, который сервер монтирует всегда.
func DefaultOperations() *OpSet {
	s := &OpSet{}
	Register(s, http.MethodGet, "/math/add", "Sum of two integers", []string{"math"},
		func(c *gin.Context, p addParams) (addResult, error) {
			return addResult{Result: *p.A + *p.B}, nil
		})
	return s
}
