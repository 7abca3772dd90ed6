package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"strizh/internal/openapi"
)

// ===== META HANDLERS =====

type metaEntityListItem struct {
	Module string `json:"module"`
	Entity string `json:"entity"`
}

func MetaListHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		schemas := storage.SchemaSet()
		out := make([]metaEntityListItem, 0, len(schemas))
		for fqn := range schemas {
			mod, ent := splitFQN(fqn)
			out = append(out, metaEntityListItem{Module: mod, Entity: ent})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Module != out[j].Module {
				return out[i].Module < out[j].Module
			}
			return out[i].Entity < out[j].Entity
		})
		c.JSON(http.StatusOK, out)
	}
}

type metaField struct {
	Name     string            `json:"name"`
	Property string            `json:"property"`
	Alias    string            `json:"alias,omitempty"`
	Type     string            `json:"type"`
	ElemType string            `json:"elemType,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	RefFQN   string            `json:"refFQN,omitempty"`
	Enum     []string          `json:"enum,omitempty"`
	Catalog  string            `json:"catalog,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

type metaEntity struct {
	Module      string         `json:"module"`
	Entity      string         `json:"entity"`
	Fields      []metaField    `json:"fields"`
	Constraints map[string]any `json:"constraints,omitempty"` // {"unique":[["code"],["base","quote","date"]]}
}

func MetaEntityHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")

		fqn, schema, ok := storage.ResolveEntity(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		aliases := inputAliases(schema)

		fields := make([]metaField, 0, len(schema.Fields))
		for i := range schema.Fields {
			f := &schema.Fields[i]
			opts := map[string]string{}
			for k, v := range f.Options {
				opts[k] = v
			}

			ref := ""
			refFQN := ""
			if (f.IsRef() || f.IsArrayRef()) && f.RefTarget != "" {
				ref = f.RefTarget
				target := f.RefFQN(schema)
				tm, te := splitFQN(target)
				if full, ok := storage.NormalizeEntityName(tm, te); ok {
					refFQN = full
				}
			}

			prop := propName(f)
			alias := f.Alias()
			if alias == "" {
				if ca := openapi.CamelAlias(prop); aliases[ca] == prop {
					alias = ca
				}
			}

			fields = append(fields, metaField{
				Name:     f.Name,
				Property: prop,
				Alias:    alias,
				Type:     strings.ToLower(f.Type),
				ElemType: f.ElemType,
				Ref:      ref,
				RefFQN:   refFQN,
				Enum:     append([]string(nil), f.Enum...),
				Catalog:  f.Catalog,
				Options:  opts,
			})
		}

		var constraints map[string]any
		if len(schema.Constraints.Unique) > 0 {
			uniq := make([][]string, 0, len(schema.Constraints.Unique))
			for _, set := range schema.Constraints.Unique {
				uniq = append(uniq, append([]string(nil), set...))
			}
			constraints = map[string]any{"unique": uniq}
		}

		m, e := splitFQN(fqn)
		c.JSON(http.StatusOK, metaEntity{
			Module:      m,
			Entity:      e,
			Fields:      fields,
			Constraints: constraints,
		})
	}
}

func MetaCatalogHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		dir, ok := storage.EnumDir(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Catalog not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":  name,
			"title": dir.Title,
			"items": dir.Items,
		})
	}
}
