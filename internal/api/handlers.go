package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"strizh/internal/dsl"

	"github.com/gin-gonic/gin"
)

// POST /api/:module/:entity
func CreateHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var obj map[string]interface{}
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		NormalizeAliasedKeys(schema, obj)
		applyDefaults(schema, obj)

		if ers := checkReadonlyAndSystem(schema, obj); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}

		// валидация — без write-lock
		if errs := ValidateAgainstSchema(storage, schema, obj, "", fqn); len(errs) > 0 {
			c.JSON(statusForErrors(errs), gin.H{"errors": errs})
			return
		}

		storage.mu.Lock()
		defer storage.mu.Unlock()

		if storage.Data[fqn] == nil {
			storage.Data[fqn] = make(map[string]*Record)
		}

		id := storage.newID()
		now := time.Now().UTC()
		rec := &Record{
			ID:        id,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
			Data:      obj,
		}
		storage.Data[fqn][id] = rec
		c.JSON(http.StatusCreated, flatten(rec))
	}
}

// GET /api/:module/:entity
func ListHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		all := liveRecords(storage, fqn)

		// фильтры с операторами, затем сортировка и пагинация
		filtered := filterWithOps(all, schema, c.Request.URL.Query())
		lp := parseListParams(c.Request.URL.Query())
		sortRecordsMultiNulls(filtered, schema, lp.Sort, lp.Nulls)

		start := lp.Offset
		if start > len(filtered) {
			start = len(filtered)
		}
		end := start + lp.Limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page := filtered[start:end]

		out := make([]map[string]any, 0, len(page))
		for _, rec := range page {
			out = append(out, flatten(rec))
		}
		c.Header("X-Total-Count", strconv.Itoa(len(filtered)))
		c.JSON(http.StatusOK, out)
	}
}

func liveRecords(storage *Storage, fqn string) []*Record {
	storage.mu.RLock()
	defer storage.mu.RUnlock()
	recMap := storage.Data[fqn]
	all := make([]*Record, 0, len(recMap))
	for _, r := range recMap {
		if !r.Deleted {
			all = append(all, r)
		}
	}
	return all
}

// GET /api/:module/:entity/:id
func GetOneHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, ok := storage.NormalizeEntityName(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		id := c.Param("id")

		storage.mu.RLock()
		rec := storage.Data[fqn][id]
		storage.mu.RUnlock()
		if rec == nil || rec.Deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		c.Header("ETag", fmt.Sprintf(`"%d"`, rec.Version))
		c.JSON(http.StatusOK, flatten(rec))
	}
}

// PUT /api/:module/:entity/:id
func UpdateHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		id := c.Param("id")

		var obj map[string]any
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		NormalizeAliasedKeys(schema, obj)

		// ожидаемая версия — до того, как version вырежется из payload
		expVer, okExp := readExpectedVersion(c, obj)

		if ers := checkReadonlyAndSystem(schema, obj); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}

		storage.mu.RLock()
		rec := storage.Data[fqn][id]
		curVer := int64(0)
		if rec != nil && !rec.Deleted {
			curVer = rec.Version
		}
		storage.mu.RUnlock()
		if rec == nil || rec.Deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}

		if !okExp || expVer != curVer {
			c.JSON(http.StatusConflict, gin.H{
				"errors": []FieldError{ferr(ErrVersionConflict, "version",
					fmt.Sprintf("expected version %d", curVer))},
			})
			return
		}

		if errs := ValidateAgainstSchema(storage, schema, obj, id, fqn); len(errs) > 0 {
			c.JSON(statusForErrors(errs), gin.H{"errors": errs})
			return
		}

		// применяем под write-lock с повторной проверкой версии
		now := time.Now().UTC()
		storage.mu.Lock()
		rec2 := storage.Data[fqn][id]
		if rec2 == nil || rec2.Deleted {
			storage.mu.Unlock()
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		if rec2.Version != curVer {
			storage.mu.Unlock()
			c.JSON(http.StatusConflict, gin.H{
				"errors": []FieldError{ferr(ErrVersionConflict, "version",
					fmt.Sprintf("expected version %d", rec2.Version))},
			})
			return
		}
		rec2.Data = obj
		rec2.Version++
		rec2.UpdatedAt = now
		storage.mu.Unlock()

		c.JSON(http.StatusOK, flatten(rec2))
	}
}

// PATCH /api/:module/:entity/:id
func UpdatePartialHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		id := c.Param("id")

		var patch map[string]any
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		NormalizeAliasedKeys(schema, patch)

		expVer, okExp := readExpectedVersion(c, patch)

		if ers := checkReadonlyAndSystem(schema, patch); len(ers) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": ers})
			return
		}

		storage.mu.RLock()
		rec := storage.Data[fqn][id]
		if rec == nil || rec.Deleted {
			storage.mu.RUnlock()
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		curVer := rec.Version
		merged := make(map[string]any, len(rec.Data)+len(patch))
		for k, v := range rec.Data {
			merged[k] = v
		}
		storage.mu.RUnlock()

		if !okExp || expVer != curVer {
			c.JSON(http.StatusConflict, gin.H{
				"errors": []FieldError{ferr(ErrVersionConflict, "version",
					fmt.Sprintf("expected version %d", curVer))},
			})
			return
		}

		for k, v := range patch {
			merged[k] = v
		}

		if errs := ValidateAgainstSchema(storage, schema, merged, id, fqn); len(errs) > 0 {
			c.JSON(statusForErrors(errs), gin.H{"errors": errs})
			return
		}

		now := time.Now().UTC()
		storage.mu.Lock()
		rec2 := storage.Data[fqn][id]
		if rec2 == nil || rec2.Deleted {
			storage.mu.Unlock()
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		if rec2.Version != curVer {
			storage.mu.Unlock()
			c.JSON(http.StatusConflict, gin.H{
				"errors": []FieldError{ferr(ErrVersionConflict, "version",
					fmt.Sprintf("expected version %d", rec2.Version))},
			})
			return
		}
		rec2.Data = merged
		rec2.Version++
		rec2.UpdatedAt = now
		storage.mu.Unlock()

		c.JSON(http.StatusOK, flatten(rec2))
	}
}

// DELETE /api/:module/:entity/:id (soft delete с политиками on_delete)
func DeleteHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, ok := storage.NormalizeEntityName(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		id := c.Param("id")

		// Сканируем входящие ссылки: restrict блокирует удаление,
		// set_null зануляет (или вычищает id из массива).
		type pendingNull struct {
			ent   string
			id    string
			field string
			isArr bool
		}
		var toNull []pendingNull

		storage.mu.RLock()
		for childFQN, childSchema := range storage.Schemas {
			for i := range childSchema.Fields {
				cf := &childSchema.Fields[i]
				if !cf.IsRef() && !cf.IsArrayRef() {
					continue
				}
				if cf.RefFQN(childSchema) != fqn {
					continue
				}
				col := propName(cf)
				for childID, rec := range storage.Data[childFQN] {
					if rec == nil || rec.Deleted {
						continue
					}
					if !refValueContains(rec.Data[col], id) {
						continue
					}
					switch cf.OnDelete() {
					case "restrict":
						storage.mu.RUnlock()
						c.JSON(http.StatusConflict, gin.H{
							"errors": []FieldError{{
								Code:    "fk_in_use",
								Field:   col,
								Message: fmt.Sprintf("record is referenced by %s.%s", childFQN, col),
							}},
						})
						return
					case "set_null":
						toNull = append(toNull, pendingNull{ent: childFQN, id: childID, field: col, isArr: cf.IsArrayRef()})
					}
					// cascade для in-memory хранилища намеренно не реализован:
					// линтер схем не пропускает on_delete=cascade
				}
			}
		}
		storage.mu.RUnlock()

		if len(toNull) > 0 {
			now := time.Now().UTC()
			storage.mu.Lock()
			for _, p := range toNull {
				rec := storage.Data[p.ent][p.id]
				if rec == nil || rec.Deleted {
					continue
				}
				if p.isArr {
					rec.Data[p.field] = removeID(rec.Data[p.field], id)
				} else {
					rec.Data[p.field] = nil
				}
				rec.Version++
				rec.UpdatedAt = now
			}
			storage.mu.Unlock()
		}

		storage.mu.Lock()
		rec := storage.Data[fqn][id]
		if rec == nil || rec.Deleted {
			storage.mu.Unlock()
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		rec.Deleted = true
		rec.UpdatedAt = time.Now().UTC()
		rec.Version++
		storage.mu.Unlock()

		c.Status(http.StatusNoContent)
	}
}

// removeID вычищает id из массива ссылок ([]any или []string).
func removeID(v any, id string) any {
	switch arr := v.(type) {
	case []any:
		out := make([]any, 0, len(arr))
		for _, it := range arr {
			if s, _ := it.(string); s == id {
				continue
			}
			out = append(out, it)
		}
		return out
	case []string:
		out := make([]string, 0, len(arr))
		for _, s := range arr {
			if s == id {
				continue
			}
			out = append(out, s)
		}
		return out
	default:
		return v
	}
}

// POST /api/:module/:entity/:id/restore
func RestoreHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, ok := storage.NormalizeEntityName(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		id := c.Param("id")

		storage.mu.Lock()
		defer storage.mu.Unlock()

		rec := storage.Data[fqn][id]
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		if rec.Deleted {
			rec.Deleted = false
			rec.UpdatedAt = time.Now().UTC()
			rec.Version++
		}
		c.JSON(http.StatusOK, flatten(rec))
	}
}

// GET /api/:module/:entity/count
func CountHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		all := liveRecords(storage, fqn)
		filtered := filterWithOps(all, schema, c.Request.URL.Query())
		c.JSON(http.StatusOK, gin.H{"total": len(filtered)})
	}
}

// GET /api/:module/:entity/_lookup?field=name&q=iva&limit=10
func LookupHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := strings.TrimSpace(c.DefaultQuery("q", ""))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if limit <= 0 || limit > 100 {
			limit = 10
		}

		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		field := c.DefaultQuery("field", pickDisplayField(schema))

		storage.mu.RLock()
		defer storage.mu.RUnlock()

		type Row struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		}
		out := make([]Row, 0, limit)

		ql := strings.ToLower(q)
		for id, r := range storage.Data[fqn] {
			if r.Deleted {
				continue
			}
			val := toString(r.Data[field])
			if ql == "" || strings.Contains(strings.ToLower(val), ql) {
				out = append(out, Row{ID: id, Label: val})
				if len(out) >= limit {
					break
				}
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// statusForErrors: 409 для конфликтов целостности, иначе 400.
func statusForErrors(errs []FieldError) int {
	for _, e := range errs {
		if e.Code == ErrUniqueViolation || e.Code == ErrRefNotFound {
			return http.StatusConflict
		}
	}
	return http.StatusBadRequest
}

// POST /api/:module/:entity/_bulk — пакетное создание, ответ 207 по элементам.
func BulkCreateHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var items []map[string]any
		if err := c.ShouldBindJSON(&items); err != nil || len(items) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected array of objects"})
			return
		}

		results := make([]any, 0, len(items))
		for _, obj := range items {
			NormalizeAliasedKeys(schema, obj)
			applyDefaults(schema, obj)
			if ers := checkReadonlyAndSystem(schema, obj); len(ers) > 0 {
				results = append(results, gin.H{"errors": ers})
				continue
			}
			if errs := ValidateAgainstSchema(storage, schema, obj, "", fqn); len(errs) > 0 {
				results = append(results, gin.H{"errors": errs})
				continue
			}

			storage.mu.Lock()
			if storage.Data[fqn] == nil {
				storage.Data[fqn] = make(map[string]*Record)
			}
			id := storage.newID()
			now := time.Now().UTC()
			storage.Data[fqn][id] = &Record{
				ID: id, Version: 1, CreatedAt: now, UpdatedAt: now, Data: obj,
			}
			storage.mu.Unlock()

			results = append(results, gin.H{"id": id})
		}
		c.JSON(http.StatusMultiStatus, results)
	}
}

// PATCH /api/:module/:entity/_bulk — пакетное обновление [{id, patch}].
func BulkPatchHandler(storage *Storage) gin.HandlerFunc {
	type item struct {
		ID    string         `json:"id"`
		Patch map[string]any `json:"patch"`
	}
	return func(c *gin.Context) {
		fqn, schema, ok := storage.ResolveEntity(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var items []item
		if err := c.ShouldBindJSON(&items); err != nil || len(items) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected [{id, patch}]"})
			return
		}

		results := make([]any, 0, len(items))
		now := time.Now().UTC()
		for _, it := range items {
			if it.ID == "" || it.Patch == nil {
				results = append(results, gin.H{"errors": []FieldError{
					ferr(ErrTypeMismatch, "id", "id and patch are required")}})
				continue
			}
			NormalizeAliasedKeys(schema, it.Patch)
			if ers := checkReadonlyAndSystem(schema, it.Patch); len(ers) > 0 {
				results = append(results, gin.H{"id": it.ID, "errors": ers})
				continue
			}

			storage.mu.RLock()
			rec := storage.Data[fqn][it.ID]
			var merged map[string]any
			if rec != nil && !rec.Deleted {
				merged = make(map[string]any, len(rec.Data)+len(it.Patch))
				for k, v := range rec.Data {
					merged[k] = v
				}
			}
			storage.mu.RUnlock()

			if merged == nil {
				results = append(results, gin.H{"id": it.ID, "errors": []FieldError{
					ferr(ErrNotFound, "id", "Record not found")}})
				continue
			}
			for k, v := range it.Patch {
				merged[k] = v
			}
			if errs := ValidateAgainstSchema(storage, schema, merged, it.ID, fqn); len(errs) > 0 {
				results = append(results, gin.H{"id": it.ID, "errors": errs})
				continue
			}

			storage.mu.Lock()
			rec2 := storage.Data[fqn][it.ID]
			if rec2 == nil || rec2.Deleted {
				storage.mu.Unlock()
				results = append(results, gin.H{"id": it.ID, "errors": []FieldError{
					ferr(ErrNotFound, "id", "Record not found")}})
				continue
			}
			rec2.Data = merged
			rec2.Version++
			rec2.UpdatedAt = now
			storage.mu.Unlock()

			results = append(results, gin.H{"id": it.ID})
		}
		c.JSON(http.StatusMultiStatus, results)
	}
}

// POST /api/:module/:entity/_bulk_delete
func BulkDeleteHandler(storage *Storage) gin.HandlerFunc {
	type req struct {
		IDs []string `json:"ids"`
	}
	return func(c *gin.Context) {
		fqn, ok := storage.NormalizeEntityName(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var body req
		if err := c.ShouldBindJSON(&body); err != nil || len(body.IDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected {ids:[]}"})
			return
		}

		results := make([]any, 0, len(body.IDs))
		now := time.Now().UTC()

		for _, id := range body.IDs {
			// запрет удаления, если на запись кто-то ссылается
			if refEnt, refField, inUse := storage.FindIncomingRefs(fqn, id); inUse {
				results = append(results, gin.H{"id": id, "errors": []FieldError{{
					Code:    "fk_in_use",
					Field:   refField,
					Message: fmt.Sprintf("record is referenced by %s.%s", refEnt, refField),
				}}})
				continue
			}

			storage.mu.Lock()
			rec := storage.Data[fqn][id]
			if rec == nil || rec.Deleted {
				storage.mu.Unlock()
				results = append(results, gin.H{"id": id, "errors": []FieldError{
					ferr(ErrNotFound, "id", "Record not found")}})
				continue
			}
			rec.Deleted = true
			rec.UpdatedAt = now
			rec.Version++
			storage.mu.Unlock()

			results = append(results, gin.H{"id": id})
		}

		c.JSON(http.StatusMultiStatus, results)
	}
}

// POST /api/:module/:entity/_bulk_restore
func BulkRestoreHandler(storage *Storage) gin.HandlerFunc {
	type req struct {
		IDs []string `json:"ids"`
	}
	return func(c *gin.Context) {
		fqn, ok := storage.NormalizeEntityName(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var body req
		if err := c.ShouldBindJSON(&body); err != nil || len(body.IDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected {ids:[]}"})
			return
		}

		results := make([]any, 0, len(body.IDs))
		now := time.Now().UTC()

		for _, id := range body.IDs {
			storage.mu.Lock()
			rec := storage.Data[fqn][id]
			if rec == nil {
				storage.mu.Unlock()
				results = append(results, gin.H{"id": id, "errors": []FieldError{
					ferr(ErrNotFound, "id", "Record not found")}})
				continue
			}
			if rec.Deleted {
				rec.Deleted = false
				rec.UpdatedAt = now
				rec.Version++
			}
			storage.mu.Unlock()

			results = append(results, gin.H{"id": id})
		}

		c.JSON(http.StatusMultiStatus, results)
	}
}

// readExpectedVersion читает ожидаемую версию из If-Match либо из payload["version"].
func readExpectedVersion(c *gin.Context, payload map[string]any) (int64, bool) {
	ifMatch := strings.TrimSpace(c.GetHeader("If-Match"))
	if ifMatch != "" {
		if strings.HasPrefix(ifMatch, "W/") {
			ifMatch = strings.TrimPrefix(ifMatch, "W/")
		}
		ifMatch = strings.Trim(ifMatch, `"'`)
		if v, err := strconv.ParseInt(ifMatch, 10, 64); err == nil {
			return v, true
		}
	}
	if payload != nil {
		if raw, ok := payload["version"]; ok {
			switch t := raw.(type) {
			case float64:
				return int64(t), true
			case string:
				if v, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
					return v, true
				}
			}
		}
	}
	return 0, false
}

// pickDisplayField выбирает поле для отображения записи (таблицы, ссылки).
func pickDisplayField(s *dsl.Entity) string {
	for _, cand := range []string{"name", "title", "email", "code"} {
		if s.FieldByName(cand) != nil {
			return cand
		}
	}
	for i := range s.Fields {
		if s.Fields[i].Type == "string" {
			return s.Fields[i].Name
		}
	}
	return "id"
}
