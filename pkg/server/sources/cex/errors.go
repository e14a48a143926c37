// Package cex provides adapters for centralized price services.
package cex

import "errors"

var (
	// ErrPriceMissing indicates that the response lacks a price for a requested token.
	ErrPriceMissing = errors.New("price missing from response")
	// ErrUnknownPlatform indicates a chain the service has no platform id for.
	ErrUnknownPlatform = errors.New("no platform id for chain")
)
