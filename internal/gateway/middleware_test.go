package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, method, origin string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := serve(loggingMiddleware(inner, testLog()), "GET", "", nil)
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	h := requestIDMiddleware(okHandler())

	assert.NotEmpty(t, serve(h, "GET", "", nil).Header().Get("X-Request-ID"))
	rr := serve(h, "GET", "", map[string]string{"X-Request-ID": "custom-id-123"})
	assert.Equal(t, "custom-id-123", rr.Header().Get("X-Request-ID"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"deny when unconfigured", nil, "http://localhost:3000", ""},
		{"wildcard", []string{"*"}, "http://any.com", "http://any.com"},
		{"specific allowed", []string{"http://allowed.com"}, "http://allowed.com", "http://allowed.com"},
		{"specific denied", []string{"http://allowed.com"}, "http://evil.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(corsMiddleware(okHandler(), tt.allowed), "GET", tt.origin, nil)
			assert.Equal(t, tt.want, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	rr := serve(corsMiddleware(okHandler(), nil), "OPTIONS", "http://localhost:3000", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestRecoverMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rr := serve(recoverMiddleware(inner, testLog()), "GET", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWithMiddleware(t *testing.T) {
	h := withMiddleware(okHandler(), testLog(), []string{"http://test.com"})

	rr := serve(h, "GET", "http://test.com", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "http://test.com", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = serve(withMiddleware(okHandler(), testLog(), nil), "GET", "http://test.com", nil)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
