package domain

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrProviderFailure     = errors.New("provider failure")
	ErrNotConfigured       = errors.New("not configured")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)

// ErrorKind classifies failures at the submission/polling boundary.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindQuota      ErrorKind = "quota"
	KindUpstream   ErrorKind = "upstream"
	KindConfig     ErrorKind = "config"
)

// Error carries everything a handler needs to render a structured failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Code    string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

func AuthError(err error) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "Invalid access token", Err: err}
}

func QuotaError() *Error {
	return &Error{
		Kind:    KindQuota,
		Status:  http.StatusPaymentRequired,
		Message: "Insufficient credits",
		Code:    "INSUFFICIENT_CREDITS",
		Err:     ErrInsufficientCredits,
	}
}

func ConfigError(err error) *Error {
	return &Error{Kind: KindConfig, Status: http.StatusInternalServerError, Message: "Server configuration error", Err: err}
}

// UpstreamError mirrors the upstream status when it is an HTTP error status,
// otherwise reports 500.
func UpstreamError(msg string, upstreamStatus int, details any, err error) *Error {
	status := http.StatusInternalServerError
	if upstreamStatus >= http.StatusBadRequest && upstreamStatus <= 599 {
		status = upstreamStatus
	}
	return &Error{Kind: KindUpstream, Status: status, Message: msg, Details: details, Err: err}
}
