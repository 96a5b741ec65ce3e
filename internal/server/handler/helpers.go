package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/server/middleware"
)

// maxBodyBytes bounds callable request bodies. A GPS track of a 50 km run
// at one point per second stays well below it.
const maxBodyBytes = 8 << 20

// errorBody is the error envelope of every callable.
type errorBody struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"internal","message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// statusFor maps the ledger error taxonomy onto HTTP.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeFailedPrecondition:
		return http.StatusConflict
	case domain.CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as {"code","message"}. Internal errors are logged
// and their detail is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.CodeOf(err)
	msg := err.Error()
	var le *domain.Error
	if errors.As(err, &le) && le.Message != "" {
		msg = le.Message
	}
	if code == domain.CodeInternal {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "Internal error."
	}
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: msg})
}

// decodeJSON reads the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.ErrInvalidArgument, "Request body is required.")
		}
		return domain.Errorf(domain.ErrInvalidArgument, "Malformed request body: %v", err)
	}
	return nil
}

// caller returns the verified identity of the request.
func caller(r *http.Request) domain.Identity {
	return middleware.IdentityFrom(r.Context())
}

// requireAdmin rejects anonymous and non-admin callers of operator routes.
func requireAdmin(r *http.Request) error {
	id := caller(r)
	if id.UID == "" {
		return domain.Errorf(domain.ErrUnauthenticated, "You must be signed in.")
	}
	if !id.Admin {
		return domain.Errorf(domain.ErrPermissionDenied, "Admin access required.")
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}
