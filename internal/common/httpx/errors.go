package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tansive/receipts/internal/common/apperrors"
)

// Error is an error that knows how it is rendered on the wire:
// {"result":0,"code":"PP_...","error":"..."}.
type Error struct {
	StatusCode  int
	Code        string
	Description string
}

// Failure is the result value of every error body.
const Failure int = 0

type errorRsp struct {
	Result int    `json:"result"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error"`
}

func (e *Error) Error() string {
	return e.Description
}

// Send writes the error body. A nil writer is ignored.
func (e *Error) Send(w http.ResponseWriter) {
	if w == nil {
		return
	}
	body, err := json.Marshal(errorRsp{Result: Failure, Code: e.Code, Error: e.Description})
	if err != nil {
		http.Error(w, "unable to encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	w.Write(body)
}

// FromAppError renders an application error. Errors without a status are sent as 500
// PP_INTERNAL.
func FromAppError(err apperrors.Error) *Error {
	e := &Error{
		StatusCode:  err.StatusCode(),
		Code:        err.Code(),
		Description: err.Error(),
	}
	if e.StatusCode == 0 {
		e.StatusCode = http.StatusInternalServerError
	}
	if e.Code == "" && e.StatusCode >= http.StatusInternalServerError {
		e.Code = codeInternal
	}
	return e
}

// SendError sends err, doing nothing when it is nil.
func SendError(w http.ResponseWriter, err apperrors.Error) {
	if err == nil {
		return
	}
	FromAppError(err).Send(w)
}

const (
	codeBadRequest   = "PP_BAD_REQUEST"
	codeInternal     = "PP_INTERNAL"
	codeUnauthorized = "PP_UNAUTHORIZED"
)

func describe(def string, msg []string) string {
	if len(msg) > 0 && msg[0] != "" {
		return msg[0]
	}
	return def
}

func ErrReqMethodNotSupported() *Error {
	return &Error{StatusCode: http.StatusMethodNotAllowed, Code: codeBadRequest, Description: "request method not supported"}
}

func ErrUnableToParseReqData() *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: codeBadRequest, Description: "unable to parse request data"}
}

// ErrInvalidRequest is a 400 with an optional description.
func ErrInvalidRequest(msg ...string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: codeBadRequest, Description: describe("invalid request data or empty request values", msg)}
}

func ErrRequestTooLarge(limit int64) *Error {
	return &Error{StatusCode: http.StatusRequestEntityTooLarge, Code: codeBadRequest, Description: fmt.Sprintf("request body too large (limit: %d bytes)", limit)}
}

func ErrUnAuthorized(msg ...string) *Error {
	return &Error{StatusCode: http.StatusUnauthorized, Code: codeUnauthorized, Description: describe("unable to authenticate request", msg)}
}

// ErrTooManyRequests is sent to a client over its verify budget.
func ErrTooManyRequests() *Error {
	return &Error{StatusCode: http.StatusTooManyRequests, Code: "PP_RATE_LIMITED", Description: "rate limit exceeded"}
}

func ErrApplicationError(msg ...string) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: codeInternal, Description: describe("unable to process request", msg)}
}

func ErrServiceUnavailable(msg ...string) *Error {
	return &Error{StatusCode: http.StatusServiceUnavailable, Code: "PP_UNAVAILABLE", Description: describe("service unavailable", msg)}
}

// ErrRequestTimeout is sent when a request outlives its deadline. Verify never
// reports a receipt as valid after this.
func ErrRequestTimeout() *Error {
	return &Error{StatusCode: http.StatusGatewayTimeout, Code: "PP_TIMEOUT", Description: "request timed out"}
}
