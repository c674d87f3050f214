package httpserver

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the flat JSON error envelope used throughout the API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// RespondError writes a flat JSON error envelope with the given status code.
func RespondError(w http.ResponseWriter, status int, kind, message string) {
	Respond(w, status, ErrorResponse{Error: kind, Message: message})
}

// RespondErr maps an apierr.Error (or any error) to its status code and
// writes the corresponding error envelope. This is the generalization of the
// teacher's ad hoc RespondError call sites into one mapping table.
func RespondErr(w http.ResponseWriter, err error) {
	status, kind, message := classify(err)
	RespondError(w, status, kind, message)
}
