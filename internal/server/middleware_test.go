package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/contentdesk/internal/log"
)

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		method            string
		expectAllowOrigin string
		expectStatus      int
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"http://localhost:5173", "https://app.example.com"},
			requestOrigin:     "http://localhost:5173",
			method:            http.MethodGet,
			expectAllowOrigin: "http://localhost:5173",
			expectStatus:      http.StatusTeapot,
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"http://localhost:5173"},
			requestOrigin:  "https://evil.com",
			method:         http.MethodGet,
			expectStatus:   http.StatusTeapot,
		},
		{
			name:          "no origins configured",
			requestOrigin: "http://localhost:5173",
			method:        http.MethodGet,
			expectStatus:  http.StatusTeapot,
		},
		{
			name:              "preflight request",
			allowedOrigins:    []string{"http://localhost:5173"},
			requestOrigin:     "http://localhost:5173",
			method:            http.MethodOptions,
			expectAllowOrigin: "http://localhost:5173",
			expectStatus:      http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
			corsHandler := NewCORSMiddleware(tt.allowedOrigins)(handler)

			req := httptest.NewRequest(tt.method, "/session", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			w := httptest.NewRecorder()
			corsHandler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectStatus, w.Code)
			assert.Equal(t, tt.expectAllowOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.expectAllowOrigin != "" {
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})

	t.Run("keeps valid incoming id", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", id)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, id, seen)
	})

	t.Run("replaces garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "<script>")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.NotEqual(t, "<script>", seen)
	})
}

func TestLoggerMiddlewareOmitsQuery(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	handler := ChainMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusFound)
		}),
		NewLoggerMiddleware("redirect"),
	)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/oauth/callback?token=abc123", nil))

	out := buf.String()
	assert.Contains(t, out, "/oauth/callback")
	assert.Contains(t, out, "status=302")
	assert.NotContains(t, out, "abc123")
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := ChainMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), mw("inner"), mw("outer"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
