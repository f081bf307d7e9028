// Package httputil provides the HTTP plumbing shared by opsgate handlers:
// JSON responders, RFC 7807 problem bodies, the standard middleware chain,
// and the health/version handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

// RespondJSON writes v as a JSON body with the given status.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// RespondProblem writes an RFC 7807 problem body with the given status.
func RespondProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := types.ProblemDetail{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// RespondProblemf formats a detail message and writes a problem body.
func RespondProblemf(w http.ResponseWriter, r *http.Request, status int, format string, args ...any) {
	RespondProblem(w, r, status, fmt.Sprintf(format, args...))
}

// DecodeJSON decodes a JSON request body into v. Unknown fields and
// trailing data are rejected.
func DecodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("unexpected trailing data in request body")
	}
	return nil
}
