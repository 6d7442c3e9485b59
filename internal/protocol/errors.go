package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a structured error sent to clients.
type ErrorCode int

const (
	InvalidPayload             ErrorCode = 40001
	PayloadTooLarge            ErrorCode = 40002
	ChunkTooLarge              ErrorCode = 40003
	UnsupportedContentEncoding ErrorCode = 40004
	AuthorizeRejected          ErrorCode = 40301
	FunctionNotFound           ErrorCode = 40401
	FunctionIsNotObservable    ErrorCode = 40402
	FunctionIsObservable       ErrorCode = 40403
	MethodNotAllowed           ErrorCode = 40501
	LengthRequired             ErrorCode = 41101
	RateLimited                ErrorCode = 42901
	FunctionError              ErrorCode = 50001
	AuthorizeFunctionError     ErrorCode = 50002
	NoObservableCacheAvailable ErrorCode = 50003
	ObservableFunctionError    ErrorCode = 50004
)

var codeNames = map[ErrorCode]string{
	InvalidPayload:             "InvalidPayload",
	PayloadTooLarge:            "PayloadTooLarge",
	ChunkTooLarge:              "ChunkTooLarge",
	UnsupportedContentEncoding: "UnsupportedContentEncoding",
	AuthorizeRejected:          "AuthorizeRejected",
	FunctionNotFound:           "FunctionNotFound",
	FunctionIsNotObservable:    "FunctionIsNotObservable",
	FunctionIsObservable:       "FunctionIsObservable",
	MethodNotAllowed:           "MethodNotAllowed",
	LengthRequired:             "LengthRequired",
	RateLimited:                "RateLimited",
	FunctionError:              "FunctionError",
	AuthorizeFunctionError:     "AuthorizeFunctionError",
	NoObservableCacheAvailable: "NoObservableCacheAvailable",
	ObservableFunctionError:    "ObservableFunctionError",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// HTTPStatus maps the code onto an HTTP status (the code's leading digits).
func (c ErrorCode) HTTPStatus() int {
	status := int(c) / 100
	if http.StatusText(status) == "" {
		return http.StatusInternalServerError
	}
	return status
}

// Error is the structured error carried by error frames and HTTP error bodies.
type Error struct {
	Code         ErrorCode `json:"code"`
	Name         string    `json:"name"`
	Message      string    `json:"message,omitempty"`
	Route        string    `json:"route,omitempty"`
	RequestID    uint32    `json:"requestId,omitempty"`
	ObservableID uint64    `json:"observableId,omitempty"`
}

// NewError builds an error for the given route (function name).
func NewError(code ErrorCode, route string, format string, args ...any) *Error {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Name: code.String(), Route: route, Message: msg}
}

// WithRequest returns a copy of e bound to a request id.
func (e *Error) WithRequest(id uint32) *Error {
	c := *e
	c.RequestID = id
	return &c
}

// WithObservable returns a copy of e bound to an observable id.
func (e *Error) WithObservable(id uint64) *Error {
	c := *e
	c.ObservableID = id
	return &c
}

func (e *Error) Error() string {
	s := e.Name
	if e.Route != "" {
		s += " [" + e.Route + "]"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// Is matches errors carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// AsError classifies err: structured errors pass through, anything else
// becomes an error with the fallback code.
func AsError(err error, fallback ErrorCode, route string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(fallback, route, "%v", err)
}
