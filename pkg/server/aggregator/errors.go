// Package aggregator fans price requests out to source adapters and
// reconciles their observations into a single estimate.
package aggregator

import "errors"

var (
	// ErrNoObservations indicates that no source produced a usable observation.
	ErrNoObservations = errors.New("no observations")
	// ErrNoApplicableSources indicates that no adapter can price the pair.
	ErrNoApplicableSources = errors.New("no applicable sources")
)
