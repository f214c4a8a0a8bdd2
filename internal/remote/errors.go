package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a remote call did not succeed.
type ErrorKind int

const (
	// KindTransport means no usable response reached us: connection errors,
	// timeouts, 5xx and 429 responses.
	KindTransport ErrorKind = iota
	// KindBusiness means the server answered and rejected the operation.
	KindBusiness
	// KindValidation means the input was malformed and never sent.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindBusiness:
		return "business"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       ErrorKind
	Op         Op
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s error: %s: %v", e.Op, e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewTransportError(op Op, err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Op:      op,
		Message: "request did not complete",
		Err:     err,
	}
}

func NewBusinessError(op Op, code, message string) *Error {
	if message == "" {
		message = "rejected by server"
	}
	return &Error{
		Kind:    KindBusiness,
		Op:      op,
		Code:    code,
		Message: message,
	}
}

func NewValidationError(op Op, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Op:      op,
		Code:    "VALIDATION_FAILED",
		Message: message,
	}
}

func AsError(err error) (*Error, bool) {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr, true
	}
	return nil, false
}

// KindOf returns the kind of err. Errors that did not come from this package
// are reported as transport failures.
func KindOf(err error) ErrorKind {
	if remoteErr, ok := AsError(err); ok {
		return remoteErr.Kind
	}
	return KindTransport
}

func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransport
}

// HasCode reports whether err is a business error with one of the given codes.
func HasCode(err error, codes ...string) bool {
	remoteErr, ok := AsError(err)
	if !ok || remoteErr.Kind != KindBusiness {
		return false
	}
	for _, code := range codes {
		if remoteErr.Code == code {
			return true
		}
	}
	return false
}
