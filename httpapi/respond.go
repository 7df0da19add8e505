package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/lotline-io/openlot/fault"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps the fault taxonomy onto HTTP status codes and writes the
// error envelope. Unclassified errors surface as 500 without leaking their
// message.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindStateConflict:
		status = http.StatusConflict
	case fault.KindRateLimited:
		status = http.StatusTooManyRequests
	case fault.KindExternalProcessor:
		status = http.StatusBadGateway
	}

	body := errorBody{Error: err.Error(), Reason: fault.ReasonOf(err)}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
