package domain

import (
	"errors"
	"fmt"
)

// Gateway error taxonomy. Consistency errors mark conditions that should never
// happen; the rest are ordinary per-request failures.
var (
	// ErrConsistency indicates the exchange registry lost track of an exchange.
	ErrConsistency = errors.New("exchange registry inconsistency")
	// ErrDuplicateIdentity indicates a correlation ID was registered twice.
	ErrDuplicateIdentity = errors.New("duplicate correlation identity")
	// ErrGatewayTimeout indicates the downstream did not answer within the gateway timeout.
	ErrGatewayTimeout = errors.New("gateway timeout")
	// ErrInterrupted indicates the exchange was abandoned before a result arrived.
	ErrInterrupted = errors.New("exchange interrupted")
	// ErrTranslation indicates a message could not be translated between protocols.
	ErrTranslation = errors.New("translation failed")
	// ErrInvalidMethod indicates the inbound method has no downstream equivalent.
	ErrInvalidMethod = errors.New("method not supported")
	// ErrInvalidField indicates a malformed inbound target or header.
	ErrInvalidField = errors.New("invalid request field")
	// ErrForbidden indicates the target policy denied the request.
	ErrForbidden = errors.New("target forbidden by policy")
	// ErrRateLimited indicates the route's rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrConfigInvalid indicates a configuration failed validation.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// GatewayError wraps a taxonomy error with the HTTP status the gateway replies with.
type GatewayError struct {
	Err     error
	Status  int
	Message string
}

// NewGatewayError builds a GatewayError for a sentinel and status.
func NewGatewayError(err error, status int, format string, args ...any) *GatewayError {
	return &GatewayError{
		Err:     err,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status carried by err, or fallback when err
// carries none.
func StatusOf(err error, fallback int) int {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && gwErr.Status != 0 {
		return gwErr.Status
	}
	return fallback
}

// IsProtocolError reports whether err is an ordinary inbound protocol failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidMethod) || errors.Is(err, ErrInvalidField)
}
