package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// APIKeyAuth guards the admin surface with the static shared secret. Read
// requests may instead present a façade-issued dashboard token as a Bearer
// credential; such requests are marked read-only in the context.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				c.Abort()
				return
			}
			c.Set("read_only", false)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenString == authHeader {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "API key or bearer token required"})
			c.Abort()
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(apiKey), nil
		})
		if err != nil || !token.Valid || claims.Subject != "dashboard" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set("read_only", true)
		if c.Request.Method != http.MethodGet {
			c.JSON(http.StatusForbidden, gin.H{"error": "Dashboard tokens are read-only"})
			c.Abort()
			return
		}
		c.Next()
	}
}
