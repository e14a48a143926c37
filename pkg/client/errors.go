// Package client provides an HTTP client for the price estimator API.
package client

import "errors"

var (
	// ErrServerHTTPError indicates that the server returned an HTTP error.
	ErrServerHTTPError = errors.New("price estimator returned HTTP error")
)
