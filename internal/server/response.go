package server

import (
	"encoding/json"
	"net/http"
)

// responseMessage is the envelope for plain-text error/status replies from
// the management API (e.g. a 404 on an unknown configuration ID).
type responseMessage struct {
	Message string `json:"message"`
}

// httpResponse writes msg wrapped in responseMessage as the JSON body.
func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{Message: msg})
	httpResponseJSONByte(w, v, code)
}

// httpResponseJSON marshals an arbitrary value (a config, item list, etc.)
// as the JSON body.
func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	httpResponseJSONByte(w, v, code)
}

// httpResponseJSONByte writes a pre-marshaled JSON body with the matching
// content type and status code.
func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}
