package estimator

import "errors"

var (
	// ErrNegativeAmount is returned for swap quotes with a negative input amount.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrAmountRequired is returned for swap quotes without an input amount.
	ErrAmountRequired = errors.New("amount is required")
)
