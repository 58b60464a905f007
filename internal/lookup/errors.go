package lookup

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers and recorded on jobs.
type ErrorKind string

// Error taxonomy.
const (
	KindRateLimit     ErrorKind = "RATE_LIMIT"
	KindDockerMissing ErrorKind = "DOCKER_MISSING"
	KindTimeout       ErrorKind = "TIMEOUT"
	KindProviderError ErrorKind = "PROVIDER_ERROR"
	KindParseChanged  ErrorKind = "PARSE_CHANGED"
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindBadRequest    ErrorKind = "BAD_REQUEST"
)

// Error carries a taxonomy kind plus the operation and underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrRateLimit     = &Error{Kind: KindRateLimit}
	ErrDockerMissing = &Error{Kind: KindDockerMissing}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrProvider      = &Error{Kind: KindProviderError}
	ErrParseChanged  = &Error{Kind: KindParseChanged}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrBadRequest    = &Error{Kind: KindBadRequest}
)

// NewError builds a classified error.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind, defaulting to PROVIDER_ERROR for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProviderError
}
