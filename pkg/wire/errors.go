package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is the numeric error kind carried in error response payloads.
type Code uint32

const (
	CodeOK               Code = 0
	CodeNoService        Code = 1
	CodeNoHost           Code = 2
	CodeMalformed        Code = 3
	CodePermissionDenied Code = 4
	CodeExists           Code = 5
	CodeNotFound         Code = 6
	CodeImmutable        Code = 7
	CodeModuleLoad       Code = 8
	CodeTransport        Code = 9
)

// Error is an error kind surfaced by the broker core, optionally with a
// textual reason. Errors cross the wire as {"errnum": code, "errstr": reason}
// payloads on RESPONSE messages.
type Error struct {
	Code   Code
	Reason string
}

// Error kinds surfaced by the core. Compare with errors.Is; derive
// reason-carrying instances with Errorf.
var (
	ErrNoService        = &Error{Code: CodeNoService, Reason: "no service matching topic is registered"}
	ErrNoHost           = &Error{Code: CodeNoHost, Reason: "no route to host"}
	ErrMalformed        = &Error{Code: CodeMalformed, Reason: "malformed payload"}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Reason: "permission denied"}
	ErrExists           = &Error{Code: CodeExists, Reason: "already exists"}
	ErrNotFound         = &Error{Code: CodeNotFound, Reason: "not found"}
	ErrImmutable        = &Error{Code: CodeImmutable, Reason: "immutable"}
	ErrModuleLoad       = &Error{Code: CodeModuleLoad, Reason: "module load failed"}
	ErrTransport        = &Error{Code: CodeTransport, Reason: "transport failure"}
)

func (e *Error) Error() string {
	return e.Reason
}

// Is matches any *Error with the same code, so wrapped and
// reason-carrying instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Errorf derives an error of the same kind with a formatted reason.
func Errorf(kind *Error, format string, args ...interface{}) *Error {
	return &Error{Code: kind.Code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from an error, defaulting to transport
// for errors that did not originate in the core.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransport
}

type errorBody struct {
	Errnum Code   `json:"errnum"`
	Errstr string `json:"errstr,omitempty"`
}

func errorPayload(err error) []byte {
	body := errorBody{Errnum: CodeOf(err)}
	var e *Error
	if errors.As(err, &e) {
		body.Errstr = e.Reason
	} else if err != nil {
		body.Errstr = err.Error()
	}
	buf, _ := json.Marshal(&body)
	return buf
}

// ResponseError returns the error carried by a RESPONSE, or nil for a
// success response.
func ResponseError(msg *Message) error {
	if msg.Type != TypeResponse || len(msg.Payload) == 0 {
		return nil
	}
	var body errorBody
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return nil
	}
	if body.Errnum == CodeOK {
		return nil
	}
	e := &Error{Code: body.Errnum, Reason: body.Errstr}
	if e.Reason == "" {
		e.Reason = fmt.Sprintf("error %d", body.Errnum)
	}
	return e
}
