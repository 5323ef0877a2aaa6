// Package apperrors provides chained application errors. Each error carries the HTTP
// status and the stable PP_* code it surfaces as, and derived errors inherit both, so
// a package can declare one sentinel tree and let handlers send any node of it as is.
package apperrors

// Error is an application error. Every method returns a new value; sentinels are
// never mutated.
type Error interface {
	error
	Unwrap() error

	New(msg string) Error                  // derived error with a fresh message, no causes
	Msg(msg string) Error                  // derived error that keeps the receiver as a cause
	MsgErr(msg string, err ...error) Error // derived error with a message and extra causes
	Err(err ...error) Error                // receiver's message with extra causes attached
	SetStatusCode(int) Error
	StatusCode() int
	SetCode(string) Error
	Code() string    // own code, else the nearest ancestor's
	Causes() []error // attached causes in the order they were added
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) string {
	if e, ok := as(err); ok {
		return e.Code()
	}
	return ""
}

// StatusOf returns the HTTP status of the first Error in err's chain, or 0.
func StatusOf(err error) int {
	if e, ok := as(err); ok {
		return e.StatusCode()
	}
	return 0
}
