// Package httputil holds the JSON response, request validation and API key
// helpers shared by the HTTP surfaces.
package httputil

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIKeyHeader carries the shared credential on every API call.
const APIKeyHeader = "X-API-Key"

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// WriteJSON writes data with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse. Validation errors carry their fields.
func WriteError(w http.ResponseWriter, status int, code string, err error) error {
	resp := ErrorResponse{Error: code}
	if err != nil {
		resp.Message = err.Error()
		if ve, ok := err.(*ValidationError); ok {
			resp.Fields = ve.Fields
		}
	}
	return WriteJSON(w, status, resp)
}

// DecodeJSON reads a bounded JSON body into v and validates it.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return ValidateStruct(v)
}

// RequireAPIKey rejects requests whose X-API-Key does not match key.
// An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				_ = WriteError(w, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing or invalid %s", APIKeyHeader))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
