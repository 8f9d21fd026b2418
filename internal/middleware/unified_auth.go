package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"llmgate/internal/auth"
	"llmgate/internal/apierr"
	"llmgate/internal/monitoring"
)

// PrincipalAuth authenticates inbound proxy calls against the principal
// store, accepting the key from a Bearer header, x-goog-api-key,
// x-api-key, or query parameter, and stashes the resolved principal on the
// gin context for downstream handlers.
func PrincipalAuth(resolver *auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractProvidedKey(c)
		if key == "" {
			respondPrincipalRejected(c, "API key not provided")
			return
		}

		principal, err := resolver.Authenticate(c.Request.Context(), key)
		if err != nil {
			respondPrincipalRejected(c, "invalid API key")
			return
		}

		c.Set("principal_id", principal.ID)
		c.Set("api_key", key)
		c.Next()
	}
}

func extractProvidedKey(c *gin.Context) string {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			return strings.TrimSpace(authHeader[7:])
		}
		return authHeader
	}
	if v := c.GetHeader("x-goog-api-key"); v != "" {
		return v
	}
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	if v := c.Query("key"); v != "" {
		return v
	}
	return ""
}

func respondPrincipalRejected(c *gin.Context, message string) {
	apiErr := apierr.New(apierr.KindPrincipalRejected, message)
	c.JSON(http.StatusUnauthorized, apiErr.Body())
	c.Abort()
}

// AdminAuth validates the administrative session/management credential.
func AdminAuth(validate func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractProvidedKey(c)
		if key == "" {
			if v, err := c.Cookie("mgmt_session"); err == nil && v != "" {
				key = v
			}
		}
		if key == "" || !validate(key) {
			monitoring.ManagementAccessTotal.WithLabelValues(c.FullPath(), "denied").Inc()
			respondPrincipalRejected(c, "invalid administrative credential")
			return
		}
		monitoring.ManagementAccessTotal.WithLabelValues(c.FullPath(), "allowed").Inc()
		c.Next()
	}
}
