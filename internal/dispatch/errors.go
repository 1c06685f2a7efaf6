package dispatch

import (
	"encoding/json"
	"net/http"
)

// ErrorEnvelope is the client-facing error body shape from SPEC_FULL.md §6:
// {"error": {"message": "...", "type": "http_error"|"internal_error", "code": <int>}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// WriteError renders an ErrorEnvelope with the given status and message.
// errType should be "http_error" for client-facing conditions (no
// candidates, selection exhaustion) or "internal_error" for unexpected
// failures, per SPEC_FULL.md §7.
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorBody{Message: message, Type: errType, Code: status}})
}
