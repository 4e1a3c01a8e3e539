package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON envelope for every error the API returns.
// Code is a stable machine-readable token; Detail is free text for
// humans and may be empty on 5xx responses.
type ErrorResponse struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         code,
		Detail:        detail,
		CorrelationID: cid,
	})
}
