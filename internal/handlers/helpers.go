package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kelsjon3/stablequeue/internal/common"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// errorBody is the uniform error envelope:
// {success:false, error:<kind>, message, details?}.
type errorBody struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError maps an error onto the uniform envelope with the taxonomy's
// HTTP status. Unclassified errors surface as internal.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		apiErr = common.NewAPIError(common.ErrInternal, err.Error())
	}
	WriteJSON(w, apiErr.Kind.HTTPStatus(), errorBody{
		Success: false,
		Error:   string(apiErr.Kind),
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}

// WriteKindError writes an error of the given kind without wrapping one first.
func WriteKindError(w http.ResponseWriter, kind common.ErrorKind, message string) {
	WriteError(w, common.NewAPIError(kind, message))
}

// DecodeJSON parses a request body into v, rejecting malformed JSON with
// bad_request.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteKindError(w, common.ErrBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// QueryInt reads an integer query parameter, falling back to def.
func QueryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// PathSegment returns the path segment following prefix, stripped of any
// further segments. Empty when the path is exactly the prefix.
func PathSegment(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}
