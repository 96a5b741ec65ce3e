package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/takarun/takaledger/internal/domain"
)

// writeError sends the same {"code","message"} body the handlers use.
func writeError(w http.ResponseWriter, status int, code domain.Code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": msg})
}
