package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

// Page size bounds for list endpoints.
const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// paginationOpts reads limit/offset query parameters, clamping to sane
// bounds. Unparseable values fall back to the defaults rather than failing
// the request.
func paginationOpts(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = min(n, maxPageSize)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}

// pathUUID parses the named URL segment as a UUID. On failure it writes a
// validation error and returns ok=false so callers can early-return.
func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		FailKind(w, faults.Validation, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryUUID parses an optional query parameter as a UUID. present reports
// whether the parameter was supplied at all; ok is false only when it was
// supplied and malformed (an error response has then been written).
func queryUUID(w http.ResponseWriter, r *http.Request, param string) (id uuid.UUID, present, ok bool) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return uuid.Nil, false, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		FailKind(w, faults.Validation, param+" must be a valid UUID")
		return uuid.Nil, true, false
	}
	return id, true, true
}
