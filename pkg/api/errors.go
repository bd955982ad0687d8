package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cuemby/burrow/pkg/types"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error                 string   `json:"error"`
	Message               string   `json:"message"`
	RetryAfter            int64    `json:"retryAfter,omitempty"`
	AvailableEnvironments []string `json:"availableEnvironments,omitempty"`
}

// statusFor maps taxonomy codes to HTTP status codes.
func statusFor(code types.Code) int {
	switch code {
	case types.CodeInvalidConfig, types.CodeInvalidRequest, types.CodeInvalidMessage:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeAlreadyAttached:
		return http.StatusConflict
	case types.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case types.CodeServiceUnavailable, types.CodeDaemonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with its stable machine-readable code. extras
// mutate the body before encoding (e.g. the environment listing on an
// unknown-environment rejection).
func writeError(w http.ResponseWriter, err error, extras ...func(*errorBody)) {
	code := types.CodeOf(err)
	body := errorBody{
		Error:   string(code),
		Message: err.Error(),
	}
	if retry := types.RetryAfterOf(err); retry > 0 {
		secs := int64(retry.Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
	}
	for _, extra := range extras {
		extra(&body)
	}

	status := statusFor(code)
	if status == http.StatusTooManyRequests && body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}
	writeJSON(w, status, body)
}
