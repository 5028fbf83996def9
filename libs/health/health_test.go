package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestReadinessHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(false)
	router := gin.New()
	router.GET("/readyz", ReadinessHandler(m))

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		router.ServeHTTP(w, req)
		return w
	}

	if w := get(); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}

	m.SetReady(true)
	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	m.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	w := get()
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on failing check, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection refused") {
		t.Fatalf("expected failure detail, got %s", w.Body.String())
	}
}
