package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/auxqueue/server/pkg/jwt"
)

// tokenFrom extracts the guest token from the Authorization header, the
// auth_token cookie, or the token query parameter (used by WebSocket
// clients, which cannot set headers).
func tokenFrom(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return header
	}
	if cookie, err := c.Cookie("auth_token"); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// RequireUser aborts with 401 unless the request carries a valid guest
// token. Sets user_id and session_id in the context.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFrom(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no authorization token"})
			return
		}

		claims, err := jwt.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("session_id", claims.SessionID)
		c.Next()
	}
}

// OptionalUser sets user_id when a valid token is present and stays silent
// otherwise. Used on endpoints that only personalize their response.
func OptionalUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := tokenFrom(c); token != "" {
			if claims, err := jwt.ValidateToken(token); err == nil {
				c.Set("user_id", claims.UserID)
				c.Set("session_id", claims.SessionID)
			}
		}
		c.Next()
	}
}
