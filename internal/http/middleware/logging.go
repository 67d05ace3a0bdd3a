package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/msebuf/internal/observability"
)

// statusRecorder captures the status and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// mediaSourceAttrs extracts the media source and source buffer IDs from an
// API path such as /api/v1/media-sources/{id}/source-buffers/{bufferId}.
func mediaSourceAttrs(path string) []any {
	rest, ok := strings.CutPrefix(path, APIPrefix+"media-sources/")
	if !ok {
		return nil
	}
	parts := strings.Split(rest, "/")
	var attrs []any
	if parts[0] != "" {
		attrs = append(attrs, slog.String("media_source", parts[0]))
	}
	if len(parts) >= 3 && parts[1] == "source-buffers" && parts[2] != "" {
		attrs = append(attrs, slog.String("source_buffer", parts[2]))
	}
	return attrs
}

// NewLoggingMiddleware logs one line per request. The request scoped logger
// stored in the context carries the request ID and, for media source routes,
// the media source and source buffer IDs, so handler logs for one buffer can
// be followed across appends. Successful requests are logged at debug level
// since a player appends many times per second; 4xx are warnings and 5xx
// errors.
func NewLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger
			if id := GetRequestID(r.Context()); id != "" {
				reqLogger = observability.WithRequestID(reqLogger, id)
			}
			if attrs := mediaSourceAttrs(r.URL.Path); len(attrs) > 0 {
				reqLogger = reqLogger.With(attrs...)
			}
			ctx := observability.ContextWithLogger(r.Context(), reqLogger)

			sr := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(sr, r.WithContext(ctx))

			status := sr.code()
			level := slog.LevelDebug
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("request_bytes", r.ContentLength),
				slog.Int64("response_bytes", sr.bytes),
				slog.Duration("duration", time.Since(start)),
			}
			// chi fills the route context while routing, after this
			// middleware has run.
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}
			reqLogger.LogAttrs(ctx, level, "http request", attrs...)
		})
	}
}
