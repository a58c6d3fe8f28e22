package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func limitedRouter(rpm int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(rpm).Handler())
	router.POST("/oauth/token", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func postToken(router *gin.Engine, clientID string) int {
	form := url.Values{}
	if clientID != "" {
		form.Set("client_id", clientID)
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_KeysOnClientID(t *testing.T) {
	// 60 rpm yields a burst of 6.
	router := limitedRouter(60)

	for i := 0; i < 6; i++ {
		require.Equal(t, http.StatusOK, postToken(router, "app-a"))
	}
	require.Equal(t, http.StatusTooManyRequests, postToken(router, "app-a"))

	// Another client keeps its own budget even from the same source address.
	require.Equal(t, http.StatusOK, postToken(router, "app-b"))
}

func TestRateLimiter_FallsBackToIP(t *testing.T) {
	// 10 rpm yields a burst of 1, so the second request from the same
	// source address is denied.
	router := limitedRouter(10)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, http.StatusTooManyRequests, postToken(router, ""))
}

func TestRateLimiter_DisabledPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(0).Handler())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}
