package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNilBackend is returned when the client has no RPC backend.
	ErrNilBackend = errors.New("settlement: nil backend")
	// ErrNilAccount is returned when an operation is given no account.
	ErrNilAccount = errors.New("settlement: nil account")
	// ErrReverted is returned when a mined transaction reverted.
	ErrReverted = errors.New("settlement: transaction reverted")
)

// SubmissionError reports one failed on-chain call. The cycle that caused it
// proceeds to sleep; the next scheduled cycle is the retry horizon.
type SubmissionError struct {
	Op     string
	TxHash common.Hash
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: tx=%s: %v", e.Op, e.TxHash.Hex(), e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
