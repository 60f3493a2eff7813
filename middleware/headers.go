package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/rolerpc/endpoint"
)

// DefaultBodyLimit is the largest request body BodyLimit accepts by default.
const DefaultBodyLimit = 1_000_000

// APIHeaders sets response headers suited to RPC replies: nothing is cached,
// sniffed, framed or referred. Cross origin callers are allowed only when
// CORS is set.
type APIHeaders struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive.
	HSTSMaxAge int
	CORS       *CORSConfig
}

// CORSConfig lists the cross origin callers allowed to reach the API.
type CORSConfig struct {
	// AllowedOrigins may contain "*", which is ignored when
	// AllowCredentials is set.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORS allows POST with the headers an RPC client sends.
func DefaultCORS(origins ...string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         3600,
	}
}

// Process implements endpoint.Processor.
func (p *APIHeaders) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}

	if p.CORS != nil {
		p.CORS.apply(w, r)
		if r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}
	return next(w, r)
}

func (c *CORSConfig) apply(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" && !c.AllowCredentials {
			h.Set("Access-Control-Allow-Origin", "*")
			break
		}
		if allowed == origin {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			break
		}
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if r.Method != http.MethodOptions {
		return
	}
	if len(c.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
	}
	if len(c.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
	}
	if c.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAge))
	}
}

// BodyLimit caps the request body at Max bytes, DefaultBodyLimit when zero.
// Reading past the cap fails with *http.MaxBytesError, which endpoint
// decoding reports as 413.
type BodyLimit struct {
	Max int64
}

// Process implements endpoint.Processor.
func (p BodyLimit) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	limit := p.Max
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	if r.ContentLength > limit {
		return endpoint.Error(http.StatusRequestEntityTooLarge, "", nil)
	}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	return next(w, r)
}

var (
	_ endpoint.Processor = (*APIHeaders)(nil)
	_ endpoint.Processor = BodyLimit{}
)
