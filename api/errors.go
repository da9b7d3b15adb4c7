package api

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	ErrTimeout    ErrorKind = "timeout"
	ErrNetwork    ErrorKind = "network"
	ErrAuth       ErrorKind = "auth"
	ErrPermission ErrorKind = "permission"
	ErrNotFound   ErrorKind = "notfound"
	ErrServer     ErrorKind = "server"
	ErrValidation ErrorKind = "validation"
	ErrUnknown    ErrorKind = "unknown"
)

var defaultTexts = map[ErrorKind][2]string{
	ErrTimeout:    {"Request Timed Out", "The request took too long to complete. Please try again."},
	ErrNetwork:    {"Network Error", "Unable to reach the server. Check your internet connection and try again."},
	ErrAuth:       {"Session Expired", "Your session has expired. Please log in again."},
	ErrPermission: {"Access Denied", "You do not have permission to perform this action."},
	ErrNotFound:   {"Not Found", "The requested resource could not be found."},
	ErrServer:     {"Server Error", "Something went wrong on our end. Please try again later."},
	ErrValidation: {"Invalid Details", "Please correct the highlighted fields and try again."},
	ErrUnknown:    {"Something Went Wrong", "An unexpected error occurred. Please try again."},
}

// Error is the client-observable failure of a remote call or a flow step.
type Error struct {
	Kind    ErrorKind           `json:"kind"`
	Status  int                 `json:"-"`
	Title   string              `json:"title"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`

	// SessionExpired is set when a token refresh failed and the session was cleared.
	SessionExpired bool  `json:"session_expired,omitempty"`
	Err            error `json:"-"`
}

func NewError(kind ErrorKind, message string) *Error {
	texts, ok := defaultTexts[kind]
	if !ok {
		kind = ErrUnknown
		texts = defaultTexts[ErrUnknown]
	}
	if message == "" {
		message = texts[1]
	}
	return &Error{Kind: kind, Title: texts[0], Message: message}
}

func FieldErrors(fields map[string][]string) *Error {
	err := NewError(ErrValidation, "")
	err.Fields = fields
	return err
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) WithTitle(title string) *Error {
	e.Title = title
	return e
}

func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Retryable reports whether repeating the same call could succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrNetwork, ErrServer, ErrUnknown:
		return true
	}
	return false
}

// HTTPStatus maps the kind onto the status the BFF answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrNetwork:
		return http.StatusBadGateway
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrServer:
		return http.StatusBadGateway
	case ErrValidation:
		return http.StatusBadRequest
	}
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return http.StatusUnprocessableEntity
}

// KindForStatus classifies a non-2xx HTTP status.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuth
	case status == http.StatusForbidden:
		return ErrPermission
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrServer
	}
	return ErrUnknown
}

// AsError returns err as an *Error, classifying anything foreign as unknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewError(ErrUnknown, "").Wrap(err)
}

func IsKind(err error, kind ErrorKind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
