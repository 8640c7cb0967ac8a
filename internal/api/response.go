// Package api implements the platform's HTTP surface. It uses Chi as
// the router and translates typed errors from the registry and the flow
// engine into transport status codes — the only place that translation
// happens.
package api

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the body shape of every error response.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errJSON writes a JSON error response. Code is a machine-readable
// string clients can branch on.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, map[string]errorResponse{
		"error": {Message: message, Code: code},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message, "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrInternal writes a 500 Internal Server Error response. The internal
// error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Unknown fields are
// rejected rather than silently propagated. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
