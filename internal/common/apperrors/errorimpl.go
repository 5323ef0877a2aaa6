package apperrors

import "errors"

type appError struct {
	msg    string
	parent *appError
	causes []error
	status int
	code   string
}

// New creates a root error.
func New(msg string) Error {
	return &appError{msg: msg}
}

func as(err error) (Error, bool) {
	var e *appError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func (e *appError) derive(msg string, causes []error) *appError {
	return &appError{
		msg:    msg,
		parent: e,
		causes: causes,
		status: e.status,
		code:   e.code,
	}
}

func (e *appError) Error() string {
	return e.msg
}

func (e *appError) Unwrap() error {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

// Is matches the parent chain and every attached cause.
func (e *appError) Is(target error) bool {
	if target == nil {
		return false
	}
	if e.parent != nil && errors.Is(e.parent, target) {
		return true
	}
	for _, c := range e.causes {
		if errors.Is(c, target) {
			return true
		}
	}
	return false
}

func (e *appError) New(msg string) Error {
	return e.derive(msg, nil)
}

func (e *appError) Msg(msg string) Error {
	return e.derive(msg, append([]error{e}, e.causes...))
}

func (e *appError) MsgErr(msg string, errs ...error) Error {
	return e.derive(msg, append([]error{e}, errs...))
}

func (e *appError) Err(errs ...error) Error {
	return e.derive(e.msg, append([]error{e}, errs...))
}

func (e *appError) SetStatusCode(status int) Error {
	cp := *e
	cp.status = status
	return &cp
}

func (e *appError) StatusCode() int {
	return e.status
}

func (e *appError) SetCode(code string) Error {
	cp := *e
	cp.code = code
	return &cp
}

func (e *appError) Code() string {
	for p := e; p != nil; p = p.parent {
		if p.code != "" {
			return p.code
		}
	}
	return ""
}

func (e *appError) Causes() []error {
	return e.causes
}
