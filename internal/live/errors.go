package live

import "errors"

var (
	ErrNotFound     = errors.New("stream not found")
	ErrUnauthorized = errors.New("not authorized")
	ErrInvalidState = errors.New("invalid stream state")
	ErrValidation   = errors.New("validation failed")
	ErrGone         = errors.New("stream has ended")
	ErrTransport    = errors.New("transport failure")
	ErrBadRequest   = errors.New("malformed event")
)

// Codes carried by the error event.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidState  = "INVALID_STATE"
	CodeValidation    = "VALIDATION_ERROR"
	CodeGone          = "GONE"
	CodeBadRequest    = "BAD_REQUEST"
	CodeInternalError = "INTERNAL_ERROR"
)

// ErrorCode maps an error returned by the coordinator to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrGone):
		return CodeGone
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternalError
	}
}
