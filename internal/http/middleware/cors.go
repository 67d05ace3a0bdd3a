package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// APIPrefix is the path prefix of the media source API.
const APIPrefix = "/api/v1/"

// corsMaxAge is how long browsers may cache a preflight answer.
const corsMaxAge = 24 * time.Hour

var (
	// Appends are POSTed as application/octet-stream, which always
	// triggers a preflight.
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete}, ", ")
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "Content-Length", RequestIDHeader}, ", ")
	corsExposeHeaders = strings.Join([]string{RequestIDHeader, "Server"}, ", ")
)

// CORSPolicy decides which browser origins may drive the media source API.
type CORSPolicy struct {
	anyOrigin bool
	origins   []string
	prefix    string
}

// NewCORSPolicy builds a policy from the server.cors_origins setting. An
// empty list or a "*" entry admits every origin. Only paths under prefix
// get CORS headers; other routes are passed through untouched.
func NewCORSPolicy(origins []string, prefix string) *CORSPolicy {
	p := &CORSPolicy{prefix: prefix}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins = append(p.origins, strings.ToLower(o))
		}
	}
	if len(p.origins) == 0 {
		p.anyOrigin = true
	}
	return p
}

// AllowOrigin returns the Access-Control-Allow-Origin value for origin,
// or false when the origin is refused.
func (p *CORSPolicy) AllowOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	if p.anyOrigin {
		return "*", true
	}
	if slices.Contains(p.origins, strings.ToLower(origin)) {
		return origin, true
	}
	return "", false
}

func (p *CORSPolicy) covers(r *http.Request) bool {
	return p.prefix == "" || strings.HasPrefix(r.URL.Path, p.prefix)
}

// Handler wraps next with the policy. Preflight requests for covered paths
// are answered directly; refused origins get no CORS headers at all.
func (p *CORSPolicy) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.covers(r) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		allow, ok := p.AllowOrigin(r.Header.Get("Origin"))
		if !p.anyOrigin {
			h.Add("Vary", "Origin")
		}
		if ok {
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if ok {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
