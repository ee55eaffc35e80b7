// Package gatewayerr defines the gateway's error taxonomy, modeled on the
// teacher's api/models error helpers: a small set of named codes, each
// carrying an HTTP-equivalent status.
package gatewayerr

import "fmt"

// Code is one of the named error variants from the error taxonomy.
type Code string

const (
	CodeNoRunners        Code = "no_runners"
	CodeModelNotLoaded    Code = "model_not_loaded"
	CodeConnectionFailed  Code = "connection_failed"
	CodeRunnerError       Code = "runner_error"
	CodeInvalidRequest    Code = "invalid_request"
	CodeAuthFailed        Code = "auth_failed"
	CodeProtocolError     Code = "protocol_error"
	CodeTimeout           Code = "timeout"
	CodeWakeFailed        Code = "wake_failed"
)

// httpStatus maps each code to its HTTP-equivalent status.
var httpStatus = map[Code]int{
	CodeNoRunners:        503,
	CodeModelNotLoaded:   503,
	CodeConnectionFailed: 502,
	CodeRunnerError:      502,
	CodeInvalidRequest:   400,
	CodeAuthFailed:       401,
	CodeProtocolError:    400,
	CodeTimeout:          504,
	CodeWakeFailed:       502,
}

// Error is the gateway's typed API error.
type Error struct {
	Code    Code
	Message string
	// RunnerStatus and RunnerBody are populated only for CodeRunnerError,
	// carrying the proxied runner's own status/body through untouched.
	RunnerStatus int
	RunnerBody   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP-equivalent status code for e.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// New builds a plain Error for code with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NoRunners reports that no operational runner could serve the request.
func NoRunners(model string) *Error {
	return New(CodeNoRunners, "no operational runner available for %q", model)
}

// ModelNotLoaded reports that the model/tier has no runner with it loaded.
func ModelNotLoaded(model string) *Error {
	return New(CodeModelNotLoaded, "model %q is not loaded on any runner", model)
}

// ConnectionFailed wraps a transport-level failure reaching a runner.
func ConnectionFailed(runnerID string, cause error) *Error {
	return New(CodeConnectionFailed, "connecting to runner %q: %v", runnerID, cause)
}

// RunnerError wraps a non-2xx response returned by the runner itself.
func RunnerError(status int, body string) *Error {
	return &Error{Code: CodeRunnerError, Message: "runner returned an error", RunnerStatus: status, RunnerBody: body}
}

// InvalidRequest reports a malformed or unparsable client request.
func InvalidRequest(format string, args ...interface{}) *Error {
	return New(CodeInvalidRequest, format, args...)
}

// AuthFailed reports a shared-secret or admin-token mismatch.
func AuthFailed(format string, args ...interface{}) *Error {
	return New(CodeAuthFailed, format, args...)
}

// ProtocolError reports a control-channel or admin-stream framing violation.
func ProtocolError(format string, args ...interface{}) *Error {
	return New(CodeProtocolError, format, args...)
}

// Timeout reports a deadline exceeded waiting on a runner or registration.
func Timeout(format string, args ...interface{}) *Error {
	return New(CodeTimeout, format, args...)
}

// WakeFailed reports a wake-on-LAN send failure.
func WakeFailed(format string, args ...interface{}) *Error {
	return New(CodeWakeFailed, format, args...)
}

// GetCode extracts the Code from err, if err is itself a *Error; wrapped
// errors are not unwrapped.
func GetCode(err error) (Code, bool) {
	if e, ok := err.(*Error); ok {
		return e.Code, true
	}
	return "", false
}
