package api

import (
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// POST /api/:module/:entity/:id/_file/:field
//
// Поле должно иметь тип file (или array[file]); в записи хранится URI,
// по которому файл отдаёт DownloadFileHandler.
func UploadFileHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		id := c.Param("id")
		field := c.Param("field")

		fqn, schema, ok := storage.ResolveEntity(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		if storage.Blob == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "blob store not configured"})
			return
		}
		// проверим, что поле подходит
		isArray := false
		found := false
		for i := range schema.Fields {
			f := &schema.Fields[i]
			if f.Name != field {
				continue
			}
			if strings.EqualFold(f.Type, "file") {
				found = true
				break
			}
			if strings.EqualFold(f.Type, "array") && strings.EqualFold(f.ElemType, "file") {
				found = true
				isArray = true
				break
			}
		}
		if !found {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Field is not file or array[file]"})
			return
		}

		// multipart
		file, hdr, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart file not found (field name 'file')"})
			return
		}
		defer file.Close()

		// ключ: ULID + исходное расширение, чтобы отдача знала MIME
		key := storage.newID() + strings.ToLower(filepath.Ext(safeName(hdr)))
		key, size, sum, err := storage.Blob.Put(key, file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store error", "details": err.Error()})
			return
		}
		uri := "/files/" + key

		now := time.Now().UTC()
		storage.mu.Lock()
		rec := storage.Data[fqn][id]
		if rec == nil || rec.Deleted {
			storage.mu.Unlock()
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		if isArray {
			switch cur := rec.Data[field].(type) {
			case nil:
				rec.Data[field] = []string{uri}
			case []any:
				rec.Data[field] = append(cur, uri)
			case []string:
				rec.Data[field] = append(cur, uri)
			default:
				rec.Data[field] = []string{uri}
			}
		} else {
			rec.Data[field] = uri
		}
		rec.Version++
		rec.UpdatedAt = now
		storage.mu.Unlock()

		c.JSON(http.StatusOK, gin.H{
			"uri":       uri,
			"key":       key,
			"file_name": safeName(hdr),
			"size":      size,
			"sha256":    sum,
		})
	}
}

func safeName(h *multipart.FileHeader) string {
	name := filepath.Base(h.Filename)
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	return name
}

// GET /files/*key
func DownloadFileHandler(storage *Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if key == "" || strings.Contains(key, "..") {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		if storage.Blob == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "blob store not configured"})
			return
		}
		p, err := storage.Blob.Path(key)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}

		ct := mime.TypeByExtension(filepath.Ext(key))
		if ct == "" {
			ct = "application/octet-stream"
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(key)))
		c.Header("Content-Type", ct)
		c.File(p)
	}
}
