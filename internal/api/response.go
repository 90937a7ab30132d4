// Package api implements the operator-facing REST surface under /api/v1,
// routed with chi. Requests authenticate with a shared API key header;
// the two WebSocket upgrade endpoints are exempt because agents authenticate
// in-protocol and operator sockets use short-lived tickets. Handlers never
// pick HTTP status codes for failures themselves: every error funnels
// through the faults kind→status mapping.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
)

// envelope is the standard JSON response wrapper. Successful responses wrap
// the payload in a "data" key; failures carry an "error" object.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"kind": "...", "message": "...", "details": {...}}}
type envelope map[string]any

// errorBody is the shape of the "error" object. Kind is one of the
// categorical fault kinds, machine-readable for client logic branching.
type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes 200 with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes 201 with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// Accepted writes 202 with the payload wrapped in {"data": payload} and the
// polling URL in the Location header.
func Accepted(w http.ResponseWriter, location string, payload any) {
	w.Header().Set("Location", location)
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// NoContent writes 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Fail maps err's fault kind to its HTTP status and writes the error
// envelope. The message comes from faults.Message, so text from unclassified
// errors never reaches clients.
func Fail(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	JSON(w, faults.Status(kind), envelope{"error": errorBody{
		Kind:    string(kind),
		Message: faults.Message(err),
	}})
}

// FailKind writes an error envelope for a condition originating in the
// handler itself, without an underlying error value.
func FailKind(w http.ResponseWriter, kind faults.Kind, message string) {
	JSON(w, faults.Status(kind), envelope{"error": errorBody{
		Kind:    string(kind),
		Message: message,
	}})
}

// decodeJSON decodes the request body into dst. On failure it writes a
// validation error response and returns false so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		FailKind(w, faults.Validation, "invalid request body: "+err.Error())
		return false
	}
	return true
}
