package mls

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrAuth           = errors.New("mls: authentication failed")
	ErrNotFound       = errors.New("mls: listing not found")
	ErrTimeout        = errors.New("mls: request timed out")
	ErrUpstreamFormat = errors.New("mls: unexpected response format")
	ErrUpstream       = errors.New("mls: upstream error")
)

// UpstreamError is an error reported by the listing API, whatever envelope
// it arrived in. Kind is one of ErrAuth or ErrUpstream.
type UpstreamError struct {
	Kind       error
	Shape      string
	StatusCode int
	Code       int
	Message    string
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%v (http %d, code %d, %s): %s", e.Kind, e.StatusCode, e.Code, e.Shape, msg)
}

func (e *UpstreamError) Unwrap() error {
	return e.Kind
}

// Retryable reports whether a failed call may succeed on a later attempt.
func Retryable(err error) bool {
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUpstreamFormat)
}

// envelope covers the success body and every error body we have seen.
type envelope struct {
	Value    json.RawMessage `json:"value"`
	Count    *int            `json:"@odata.count"`
	NextLink string          `json:"@odata.nextLink"`

	Status string `json:"status"`
	Msg    string `json:"msg"`

	ResponseCode *int   `json:"response_code"`
	Message      string `json:"message"`

	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorShape recognises one upstream error envelope.
type errorShape struct {
	name  string
	match func(env *envelope) (code int, msg string, ok bool)
}

var errorShapes = []errorShape{
	{
		name: "status_msg",
		match: func(env *envelope) (int, string, bool) {
			if strings.EqualFold(env.Status, "error") {
				return 0, env.Msg, true
			}
			return 0, "", false
		},
	},
	{
		name: "response_code",
		match: func(env *envelope) (int, string, bool) {
			if env.ResponseCode != nil && *env.ResponseCode != http.StatusOK {
				return *env.ResponseCode, env.Message, true
			}
			return 0, "", false
		},
	},
	{
		name: "odata_error",
		match: func(env *envelope) (int, string, bool) {
			if env.Error != nil {
				return 0, env.Error.Message, true
			}
			return 0, "", false
		},
	},
}

var authHints = []string{"auth", "token", "header", "ouid", "credential", "forbidden", "api key"}

func classify(statusCode, code int, msg string) error {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden ||
		code == http.StatusUnauthorized || code == http.StatusForbidden {
		return ErrAuth
	}
	lower := strings.ToLower(msg)
	for _, hint := range authHints {
		if strings.Contains(lower, hint) {
			return ErrAuth
		}
	}
	return ErrUpstream
}

// decodeEnvelope turns a response into either a usable envelope or one
// error: *UpstreamError for any recognised or HTTP-level failure,
// ErrUpstreamFormat for a 2xx body that is not the expected JSON.
func decodeEnvelope(statusCode int, body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if statusCode >= 400 {
			return nil, genericUpstreamError(statusCode, body)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFormat, err)
	}

	for _, shape := range errorShapes {
		if code, msg, ok := shape.match(&env); ok {
			return nil, &UpstreamError{
				Kind:       classify(statusCode, code, msg),
				Shape:      shape.name,
				StatusCode: statusCode,
				Code:       code,
				Message:    msg,
			}
		}
	}

	if statusCode >= 400 {
		return nil, genericUpstreamError(statusCode, body)
	}
	if len(env.Value) == 0 || string(env.Value) == "null" {
		return nil, fmt.Errorf("%w: missing value array", ErrUpstreamFormat)
	}
	return &env, nil
}

func genericUpstreamError(statusCode int, body []byte) *UpstreamError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &UpstreamError{
		Kind:       classify(statusCode, 0, ""),
		Shape:      "unparseable",
		StatusCode: statusCode,
		Message:    msg,
	}
}
