package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/msebuf/internal/observability"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates an id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("keeps the caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "player-7:seg.42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "player-7:seg.42", seen)
		assert.Equal(t, "player-7:seg.42", rec.Header().Get(RequestIDHeader))
	})

	t.Run("replaces a malformed id", func(t *testing.T) {
		for _, bad := range []string{"has space", "new\nline", strings.Repeat("x", maxRequestIDLen+1)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, bad)
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.NotEqual(t, bad, seen)
			id, err := uuid.Parse(seen)
			require.NoError(t, err, bad)
			assert.Equal(t, uuid.Version(7), id.Version())
		}
	})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var ctxLogger *slog.Logger
	h := RequestID(NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger = observability.LoggerFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media-sources/ms1/source-buffers/sb1/append", strings.NewReader("data"))
	req.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, ctxLogger)
	ctxLogger.Info("from handler")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"request_id":"req-1"`)
		assert.Contains(t, line, `"media_source":"ms1"`)
		assert.Contains(t, line, `"source_buffer":"sb1"`)
	}
	assert.Contains(t, lines[0], `"level":"WARN"`)
	assert.Contains(t, lines[0], `"status":418`)
	assert.Contains(t, lines[0], `"request_bytes":4`)
}

func TestMediaSourceAttrs(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/health", 0},
		{"/api/v1/media-sources", 0},
		{"/api/v1/media-sources/ms1", 1},
		{"/api/v1/media-sources/ms1/seek", 1},
		{"/api/v1/media-sources/ms1/source-buffers", 1},
		{"/api/v1/media-sources/ms1/source-buffers/sb1/abort", 2},
	}
	for _, tt := range tests {
		assert.Len(t, mediaSourceAttrs(tt.path), tt.want, tt.path)
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestCORSPolicy_AllowOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
		ok      bool
	}{
		{"empty list admits all", nil, "http://player.example", "*", true},
		{"wildcard", []string{"*"}, "http://player.example", "*", true},
		{"listed origin", []string{"http://player.example/"}, "http://Player.example", "http://Player.example", true},
		{"unlisted origin", []string{"http://player.example"}, "http://other.example", "", false},
		{"no origin header", []string{"*"}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NewCORSPolicy(tt.origins, APIPrefix).AllowOrigin(tt.origin)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCORSPolicy_Handler(t *testing.T) {
	var reached int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	})
	h := NewCORSPolicy([]string{"http://player.example"}, APIPrefix).Handler(next)

	serve := func(method, path, origin string, preflight bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if preflight {
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("api request from listed origin", func(t *testing.T) {
		rec := serve(http.MethodGet, "/api/v1/media-sources", "http://player.example", false)
		assert.Equal(t, "http://player.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), RequestIDHeader)
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("append preflight", func(t *testing.T) {
		before := reached
		rec := serve(http.MethodOptions, "/api/v1/media-sources/a/source-buffers/b/append", "http://player.example", true)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
		assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
		assert.Equal(t, before, reached)
	})

	t.Run("preflight from refused origin", func(t *testing.T) {
		rec := serve(http.MethodOptions, "/api/v1/media-sources", "http://other.example", true)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("routes outside the api are untouched", func(t *testing.T) {
		before := reached
		rec := serve(http.MethodOptions, "/health", "http://player.example", true)
		assert.Equal(t, before+1, reached)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServerHeader(t *testing.T) {
	h := ServerHeader("msebuf/1.0")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "msebuf/1.0", rec.Header().Get("Server"))
}
