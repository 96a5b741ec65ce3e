package middleware

import (
	"net/http"
	"strings"

	"github.com/takarun/takaledger/internal/crypto"
)

// allowHeaders lists the request headers browsers may send cross-origin,
// including the gateway identity headers.
var allowHeaders = strings.Join([]string{
	"Content-Type",
	crypto.HeaderUID,
	crypto.HeaderAdmin,
	crypto.HeaderTimestamp,
	crypto.HeaderSignature,
}, ", ")

// CORS reflects allowed origins back to the browser. An empty list or a
// "*" entry allows every origin. Preflight requests end here.
func CORS(origins []string) func(http.Handler) http.Handler {
	anyOrigin := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[strings.ToLower(o)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin := r.Header.Get("Origin"); origin != "" && (anyOrigin || allowed[strings.ToLower(origin)]) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
