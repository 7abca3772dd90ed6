// api/router.go
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"strizh/internal/openapi"
)

type Options struct {
	Prefix  string // префикс монтирования API, по умолчанию "/api"
	Title   string
	Version string
	Ops     *OpSet // nil → DefaultOperations()
	APIKey  string // непустой ключ закрывает группу API (X-API-Key / ?key=)
}

func (o *Options) normalize() {
	o.Prefix = "/" + strings.Trim(o.Prefix, "/")
	if o.Prefix == "/" {
		o.Prefix = "/api"
	}
	if o.Title == "" {
		o.Title = "Strizh API"
	}
	if o.Version == "" {
		o.Version = "1.0.0"
	}
	if o.Ops == nil {
		o.Ops = DefaultOperations()
	}
}

// NewRouter собирает gin-движок: CRUD по схемам, мета, админка,
// файлы, кастомные операции и документация под одним префиксом.
func NewRouter(storage *Storage, opts Options) *gin.Engine {
	opts.normalize()
	r := gin.Default()

	apiGroup := r.Group(opts.Prefix)
	if opts.APIKey != "" {
		apiGroup.Use(APIKeyMiddleware(opts.APIKey))
	}
	{
		apiGroup.GET("/meta", MetaListHandler(storage))
		apiGroup.GET("/meta/:module/:entity", MetaEntityHandler(storage))
		apiGroup.GET("/catalogs/:name", MetaCatalogHandler(storage))

		apiGroup.POST("/admin/reload", AdminReloadHandler(storage))
		apiGroup.GET("/admin/lint", AdminLintHandler(storage))

		// кастомные операции — раньше CRUD, чтобы их пути не съел :module
		opts.Ops.Mount(apiGroup)

		// статические "служебные" маршруты — СНАЧАЛА
		apiGroup.GET("/:module/:entity/count", CountHandler(storage))
		apiGroup.GET("/:module/:entity/_count", CountHandler(storage))
		apiGroup.GET("/:module/:entity/_lookup", LookupHandler(storage))
		apiGroup.POST("/:module/:entity/_bulk", BulkCreateHandler(storage))
		apiGroup.PATCH("/:module/:entity/_bulk", BulkPatchHandler(storage))
		apiGroup.POST("/:module/:entity/_bulk_delete", BulkDeleteHandler(storage))
		apiGroup.POST("/:module/:entity/_bulk_restore", BulkRestoreHandler(storage))
		apiGroup.POST("/:module/:entity/:id/restore", RestoreHandler(storage))
		apiGroup.POST("/:module/:entity/:id/_file/:field", UploadFileHandler(storage))

		// обычные CRUD
		apiGroup.POST("/:module/:entity", CreateHandler(storage))
		apiGroup.GET("/:module/:entity", ListHandler(storage))
		apiGroup.GET("/:module/:entity/:id", GetOneHandler(storage))
		apiGroup.PUT("/:module/:entity/:id", UpdateHandler(storage))
		apiGroup.PATCH("/:module/:entity/:id", UpdatePartialHandler(storage))
		apiGroup.DELETE("/:module/:entity/:id", DeleteHandler(storage))
	}

	specURL := opts.Prefix + "/openapi.json"
	r.GET(specURL, OpenAPIHandler(storage, opts))
	r.GET(opts.Prefix+"/docs", SwaggerUIHandler(opts.Title, specURL))
	r.GET(opts.Prefix+"/redoc", ReDocHandler(opts.Title, specURL))

	r.GET("/files/*key", DownloadFileHandler(storage))

	return r
}

// OpenAPIHandler строит документ на каждый запрос: после admin/reload
// схемы меняются, а пересборка на нашем объёме дешёвая.
func OpenAPIHandler(storage *Storage, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		storage.mu.RLock()
		gen := &openapi.Generator{Entities: storage.Schemas, Enums: storage.Enums}
		doc, err := gen.Build(
			openapi.Info{Title: opts.Title, Version: opts.Version},
			opts.Prefix,
			opts.Ops.Specs(opts.Prefix),
		)
		storage.mu.RUnlock()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "openapi build error", "details": err.Error()})
			return
		}
		if opts.APIKey != "" {
			doc.Components.SecuritySchemes = map[string]*openapi.SecurityScheme{
				"ApiKeyHeader": {Type: "apiKey", In: "header", Name: apiKeyHeader},
				"ApiKeyQuery":  {Type: "apiKey", In: "query", Name: apiKeyQuery},
			}
			doc.Security = []map[string][]string{
				{"ApiKeyHeader": {}},
				{"ApiKeyQuery": {}},
			}
		}
		c.JSON(http.StatusOK, doc)
	}
}

func RunServer(addr string, storage *Storage, opts Options) error {
	return NewRouter(storage, opts).Run(addr)
}
