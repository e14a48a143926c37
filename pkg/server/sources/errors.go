// Package sources defines the source adapter contract, adapter errors, the
// adapter registry and the normalizer that turns raw quotes into observations.
package sources

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates that an adapter could not answer before its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrRateLimited indicates that the provider or local limiter refused the call.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnsupported indicates that the adapter cannot price the pair.
	ErrUnsupported = errors.New("unsupported pair")
	// ErrTransport indicates a network or protocol failure.
	ErrTransport = errors.New("transport error")
	// ErrMalformedResponse indicates an unparseable or incomplete provider answer.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrMismatchedPair indicates a quote for different tokens than requested.
	ErrMismatchedPair = errors.New("mismatched pair")
	// ErrInvalidPrice indicates a non-positive or non-finite price.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrUnexpectedStatus indicates an unexpected HTTP status code.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")
	// ErrInvalidConfig indicates that the source configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownSource indicates that no factory is registered for a source.
	ErrUnknownSource = errors.New("unknown source")
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindRateLimited
	KindUnsupported
	KindTransport
	KindMalformedResponse
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRateLimited:
		return ErrRateLimited
	case KindUnsupported:
		return ErrUnsupported
	case KindMalformedResponse:
		return ErrMalformedResponse
	default:
		return ErrTransport
	}
}

// String returns the metric label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindUnsupported:
		return "unsupported"
	case KindMalformedResponse:
		return "malformed"
	default:
		return "transport"
	}
}

// AdapterError is the typed failure returned by Adapter.Fetch.
// errors.Is matches both the kind sentinel and the wrapped cause.
type AdapterError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind.sentinel(), e.Err)
}

// Unwrap returns the underlying cause.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel.
func (e *AdapterError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewAdapterError creates an AdapterError of the given kind.
func NewAdapterError(kind ErrorKind, source string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Source: source, Err: err}
}

// Unsupported returns the error for a pair the adapter cannot price.
func Unsupported(source string, pair fmt.Stringer) *AdapterError {
	return NewAdapterError(KindUnsupported, source, fmt.Errorf("pair %s", pair))
}

// Malformed wraps a decoding failure.
func Malformed(source string, err error) *AdapterError {
	return NewAdapterError(KindMalformedResponse, source, err)
}

// Classify converts an arbitrary fetch error into an AdapterError. Context
// deadline errors become Timeout; unknown errors become Transport.
func Classify(source string, err error) *AdapterError {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAdapterError(KindTimeout, source, err)
	}
	return NewAdapterError(KindTransport, source, err)
}

// KindOf returns the kind of err, or KindTransport for untyped errors.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}
