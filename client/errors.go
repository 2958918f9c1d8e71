package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrMalformed marks a response body that could not be interpreted.
var ErrMalformed = errors.New("client: malformed response")

// APIError is a failure reported by the backend, either through the HTTP
// status or through the status code embedded in the response envelope.
type APIError struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "client: %s: http %d", e.Op, e.HTTPStatus)
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// defaultUserMessage is used when neither the body nor any status code
// yields a readable text.
const defaultUserMessage = "request failed"

// UserMessage returns the backend's message. Without one it falls back to
// the text of the failing HTTP status, then of a numeric embedded code, and
// finally to a generic text. It is never empty.
func (e *APIError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.HTTPStatus >= 300 {
		if text := http.StatusText(e.HTTPStatus); text != "" {
			return text
		}
	}
	if n, err := strconv.Atoi(strings.TrimSpace(e.Code)); err == nil {
		if text := http.StatusText(n); text != "" {
			return text
		}
	}
	return defaultUserMessage
}

// envelope is the common response wrapper. Call sites of the backend use
// different names for the embedded code; statusCode wins over code, which
// wins over status.
type envelope struct {
	StatusCode json.RawMessage `json:"statusCode"`
	Code       json.RawMessage `json:"code"`
	Status     json.RawMessage `json:"status"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Data       json.RawMessage `json:"data"`
	Result     json.RawMessage `json:"result"`
}

func parseEnvelope(body []byte) (envelope, bool) {
	var env envelope
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return env, false
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, false
	}
	return env, true
}

func (e envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// code returns the embedded status code as text and whether one was present.
func (e envelope) code() (string, bool) {
	for _, raw := range []json.RawMessage{e.StatusCode, e.Code, e.Status} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
		return string(raw), true
	}
	return "", false
}

// codeOK reports whether an embedded code signals success. Numeric codes
// succeed when they are 0 or in the 2xx range.
func codeOK(code string) bool {
	c := strings.ToLower(strings.TrimSpace(code))
	switch c {
	case "ok", "success", "succeeded", "true":
		return true
	case "error", "fail", "failed", "failure", "false":
		return false
	}
	n, err := strconv.ParseFloat(c, 64)
	if err != nil {
		return false
	}
	return n == 0 || (n >= 200 && n < 300)
}

func httpOK(status int) bool {
	return status >= 200 && status < 300
}

// checkEnvelope combines the HTTP status and the embedded code into one
// decision. An HTTP failure always fails; a missing embedded code defers to
// the HTTP status.
func checkEnvelope(op string, status int, body []byte) (envelope, error) {
	env, isEnv := parseEnvelope(body)
	code, hasCode := env.code()
	if !httpOK(status) {
		return env, &APIError{Op: op, HTTPStatus: status, Code: code, Message: env.message()}
	}
	if isEnv && hasCode && !codeOK(code) {
		return env, &APIError{Op: op, HTTPStatus: status, Code: code, Message: env.message()}
	}
	return env, nil
}
