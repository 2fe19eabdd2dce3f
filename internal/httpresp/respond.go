// Package httpresp writes the {success,data?,error?,meta?} JSON envelope
// shared by every handler response.
package httpresp

import (
	"encoding/json"
	"net/http"

	"github.com/fleetctl/agentplane/internal/apierr"
)

// ErrorBody is the "error" field of the envelope.
type ErrorBody struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

// Envelope is the wire shape every API response uses.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    any        `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// OK writes a 200 success envelope.
func OK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// OKWithMeta writes a 200 success envelope carrying pagination/meta info.
func OKWithMeta(w http.ResponseWriter, data, meta any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data, Meta: meta})
}

// Created writes a 201 success envelope.
func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// Fail writes an error envelope with an explicit status and code.
func Fail(w http.ResponseWriter, status int, code apierr.Code, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}
