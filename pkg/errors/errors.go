package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code is the stable identifier API clients switch on.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeCartRejected   Code = "CART_REJECTED"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeStateConflict  Code = "STATE_CONFLICT"
	CodeIdempotency    Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit      Code = "RATE_LIMIT_EXCEEDED"
	CodeTooLarge       Code = "PAYLOAD_TOO_LARGE"
	CodePaymentGateway Code = "PAYMENT_GATEWAY_UNAVAILABLE"
	CodeInternal       Code = "INTERNAL_ERROR"
	CodeDependency     Code = "DEPENDENCY_ERROR"
)

// Audience says who may read an error's own message.
type Audience int

const (
	// Operators only: clients get the code's PublicMessage.
	Operators Audience = iota
	// Buyers see the message verbatim, e.g. which cart line failed.
	Buyers
)

// Metadata is how a code is rendered over HTTP.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	Audience       Audience
}

// ClientMessage reports whether the error's own message reaches the client.
func (m Metadata) ClientMessage() bool { return m.Audience == Buyers }

var metadataByCode = map[Code]Metadata{
	CodeValidation:     {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true, Audience: Buyers},
	CodeCartRejected:   {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "cart cannot be checked out", DetailsAllowed: true, Audience: Buyers},
	CodeUnauthorized:   {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required", Audience: Buyers},
	CodeForbidden:      {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied", Audience: Buyers},
	CodeNotFound:       {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found", Audience: Buyers},
	CodeConflict:       {HTTPStatus: http.StatusConflict, Retryable: true, PublicMessage: "conflict detected", Audience: Buyers},
	CodeStateConflict:  {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", DetailsAllowed: true, Audience: Buyers},
	CodeIdempotency:    {HTTPStatus: http.StatusConflict, PublicMessage: "idempotency key reused", DetailsAllowed: true, Audience: Buyers},
	CodeRateLimit:      {HTTPStatus: http.StatusTooManyRequests, Retryable: true, PublicMessage: "rate limit exceeded", Audience: Buyers},
	CodeTooLarge:       {HTTPStatus: http.StatusRequestEntityTooLarge, PublicMessage: "request body too large"},
	CodePaymentGateway: {HTTPStatus: http.StatusBadGateway, Retryable: true, PublicMessage: "checkout could not be started, please try again"},
	CodeInternal:       {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
	CodeDependency:     {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "service temporarily unavailable, please try again", DetailsAllowed: true},
}

// MetadataFor falls back to CodeInternal for unknown codes.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded error with an optional cause and client-safe details.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Newf formats the message like fmt.Sprintf.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err behaves like New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether the outermost *Error in err's chain carries code.
func IsCode(err error, code Code) bool {
	te := As(err)
	return te != nil && te.Code() == code
}

// Retryable reports whether a client may repeat the request unchanged.
// Errors without a code are treated as internal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(As(err).Code()).Retryable
}
