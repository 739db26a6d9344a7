package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

const (
	messageSuccess = "Success."
	messageError   = "Error."
)

// envelope wraps every response body.
type envelope struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Data      any    `json:"data"`
	RequestID string `json:"request_id"`
}

type requestIDKey struct{}

func newRequestID() string { return "req_" + uuid.NewString() }

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return newRequestID()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{Message: messageSuccess, Code: "OK", Data: data, RequestID: requestID(r.Context())})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, data any) {
	writeJSON(w, status, envelope{Message: messageError, Code: code, Data: data, RequestID: requestID(r.Context())})
}
