package middleware

import (
	"net/http"
	"slices"
	"strings"
)

type CORSOptions struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// CORS answers preflight requests and sets the allow headers for the
// configured origins. No origins disables CORS entirely.
type CORS struct {
	options CORSOptions
}

func NewCORS(options CORSOptions) *CORS {
	if len(options.AllowedMethods) == 0 {
		options.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(options.AllowedHeaders) == 0 {
		options.AllowedHeaders = []string{"Content-Type", "Accept", CORRELATION_HEADER}
	}
	return &CORS{options: options}
}

// Negroni handler
func (c *CORS) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	origin := r.Header.Get("Origin")
	if origin != "" && c.allowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(c.options.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(c.options.AllowedHeaders, ", "))
		w.Header().Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	next(w, r)
}

func (c *CORS) allowed(origin string) bool {
	return slices.Contains(c.options.AllowedOrigins, "*") ||
		slices.Contains(c.options.AllowedOrigins, origin)
}
