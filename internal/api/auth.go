// api/auth.go
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Ключ принимается в заголовке и в query-параметре.
const (
	apiKeyHeader = "X-API-Key"
	apiKeyQuery  = "key"
)

// APIKeyMiddleware закрывает группу маршрутов простым ключом: клиент
// передаёт его в X-API-Key или ?key=. Документация и openapi.json
// остаются открытыми — они монтируются вне группы.
func APIKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(apiKeyHeader)
		if got == "" {
			got = c.Query(apiKeyQuery)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
