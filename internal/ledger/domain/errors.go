package ledger

import "errors"

var (
	// ErrNegativeDelta is returned when a record carries a negative delta.
	ErrNegativeDelta = errors.New("ledger: negative delta")
	// ErrInvalidTable is returned when a store table name is unusable.
	ErrInvalidTable = errors.New("ledger: invalid table name")
)
