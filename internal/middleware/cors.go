package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/moneygrid/identity/internal/config"
)

// CORS applies the configured cross-origin policy.
func CORS(cfg config.Config) gin.HandlerFunc {
	allowAll := len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*"
	methods := strings.Join(cfg.CORSAllowedMethods, ", ")
	headers := strings.Join(cfg.CORSAllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			allowed := allowAll
			if !allowed {
				for _, o := range cfg.CORSAllowedOrigins {
					if strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}
			}
			if allowed {
				if allowAll && !cfg.CORSAllowCredentials {
					c.Header("Access-Control-Allow-Origin", "*")
				} else {
					c.Header("Access-Control-Allow-Origin", origin)
					c.Header("Vary", "Origin")
				}
				c.Header("Access-Control-Allow-Methods", methods)
				c.Header("Access-Control-Allow-Headers", headers)
				if cfg.CORSAllowCredentials {
					c.Header("Access-Control-Allow-Credentials", "true")
				}
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
