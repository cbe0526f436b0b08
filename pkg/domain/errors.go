package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for each failure class. A *RelayError matches the sentinel of its Kind
// through errors.Is.
var (
	ErrValidation    = errors.New("request validation failed")
	ErrConfiguration = errors.New("relay misconfigured")
	ErrUpstream      = errors.New("upstream rejected request")
	ErrUnexpected    = errors.New("unexpected relay failure")
)

// DetailAPIKeyMissing is returned to callers when no credential is configured.
const DetailAPIKeyMissing = "API key not configured"

// UpstreamDetailPrefix precedes the literal upstream body in upstream error details.
const UpstreamDetailPrefix = "Gemini API error: "

// ErrorKind classifies a relay failure.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindUpstream      ErrorKind = "upstream"
	KindUnexpected    ErrorKind = "unexpected"
)

// FieldError describes one problem found while decoding a request body.
// Loc starts with "body" followed by the field path, e.g. ["body", "contents", 2].
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// RelayError is the error value produced by every stage of a relay call.
// Status is the HTTP status the front door answers with.
type RelayError struct {
	Kind    ErrorKind
	Status  int
	Detail  string
	Fields  []FieldError
	Timeout bool
	Err     error
}

func (e *RelayError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *RelayError) Is(target error) bool {
	switch e.Kind {
	case KindValidation:
		return target == ErrValidation
	case KindConfiguration:
		return target == ErrConfiguration
	case KindUpstream:
		return target == ErrUpstream
	case KindUnexpected:
		return target == ErrUnexpected
	}
	return false
}

// NewValidationError builds a 422 error from one or more field problems.
func NewValidationError(fields ...FieldError) *RelayError {
	detail := "invalid request body"
	if len(fields) > 0 {
		detail = fmt.Sprintf("%s: %s", formatLoc(fields[0].Loc), fields[0].Msg)
	}
	return &RelayError{
		Kind:   KindValidation,
		Status: http.StatusUnprocessableEntity,
		Detail: detail,
		Fields: fields,
	}
}

// NewConfigurationError builds a 500 error for a deployment problem.
func NewConfigurationError(detail string) *RelayError {
	return &RelayError{
		Kind:   KindConfiguration,
		Status: http.StatusInternalServerError,
		Detail: detail,
	}
}

// NewUpstreamError carries the upstream status and its literal body text.
func NewUpstreamError(status int, body string) *RelayError {
	return &RelayError{
		Kind:   KindUpstream,
		Status: status,
		Detail: UpstreamDetailPrefix + body,
	}
}

// NewUnexpectedError wraps any other failure as a 500 whose detail is the error text.
func NewUnexpectedError(err error) *RelayError {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return &RelayError{
		Kind:   KindUnexpected,
		Status: http.StatusInternalServerError,
		Detail: detail,
		Err:    err,
	}
}

// AsRelayError returns err as a *RelayError, wrapping foreign errors as unexpected.
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return NewUnexpectedError(err)
}

// ErrorResponse is the JSON body of every error answer. Detail is a string, or a
// []FieldError for validation failures.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// Response converts e into its wire body.
func (e *RelayError) Response() ErrorResponse {
	if e.Kind == KindValidation && len(e.Fields) > 0 {
		return ErrorResponse{Detail: e.Fields}
	}
	return ErrorResponse{Detail: e.Detail}
}

func formatLoc(loc []any) string {
	out := ""
	for i, part := range loc {
		if i > 0 {
			out += "."
		}
		out += fmt.Sprint(part)
	}
	return out
}
