package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// writeErrorResponse writes the standard {"error":{"type","message"}}
// envelope, the same shape handler/proxy.go's writeError produced.
func writeErrorResponse(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Type: errType, Message: message}})
}

// writeErr classifies err via gatewayerr and writes the matching
// response; used by every handler that calls into completion.Router,
// stream.Bridge, or batch.Executor.
func writeErr(w http.ResponseWriter, err error) {
	status, kind, msg := classify(err)
	writeErrorResponse(w, status, kind, msg)
}

// readAndRestoreBody reads the full request body and replaces it with a
// fresh reader over the same bytes, so a middleware that needs to peek
// at the JSON (e.g. the rate limit gate's token estimate) doesn't
// consume the body the handler still needs to decode.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
