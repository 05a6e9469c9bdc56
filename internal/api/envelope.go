// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"bacmon.is/bacmon/internal/clock"
)

// Structured error codes carried alongside HTTP 400s.
const (
	ErrCodeInvalidName     = 4001
	ErrCodeMissingRequired = 4002
	ErrCodeBadValue        = 4003
	ErrCodeBadTimeRange    = 4004
	ErrCodeBadPagination   = 4005
)

// envelope is the uniform response shape for every API endpoint.
type envelope struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Code      int    `json:"code"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// WriteJSON renders a success envelope.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, envelope{
		Status:    "success",
		Timestamp: clock.Unix(),
		Version:   requestVersion(r),
		Code:      status,
		Data:      data,
	})
}

// WriteError renders an error envelope. errorCode is one of the 4xxx detail
// codes, or zero when the HTTP status says it all.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string, errorCode int) {
	writeEnvelope(w, status, envelope{
		Status:    "error",
		Timestamp: clock.Unix(),
		Version:   requestVersion(r),
		Code:      status,
		Error:     msg,
		ErrorCode: errorCode,
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

type contextKey string

const versionKey contextKey = "api-version"

// requestVersion reports the negotiated API version for a request: the path
// prefix sets the default, an Accept media type of the form
// application/vnd.bacmon.v<n>+json overrides it.
func requestVersion(r *http.Request) string {
	version := "v1"
	if v, ok := r.Context().Value(versionKey).(string); ok {
		version = v
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		const prefix = "application/vnd.bacmon.v"
		if i := strings.Index(accept, prefix); i >= 0 {
			rest := accept[i+len(prefix):]
			if j := strings.Index(rest, "+json"); j > 0 {
				if n := rest[:j]; n == "1" || n == "2" {
					version = "v" + n
				}
			}
		}
	}
	return version
}
