package cycle

import (
	"time"

	"microgrid-ledger/internal/participant"
)

// Snapshot is the last completed cycle as seen by the status API. The
// scheduler replaces the whole value atomically; readers may observe a
// one-cycle-stale snapshot but never a torn one.
type Snapshot struct {
	Participant     string           `json:"participant"`
	Role            participant.Role `json:"role"`
	TotalGenerated  float64          `json:"total_generated"`
	TotalConsumed   float64          `json:"total_consumed"`
	DeltaGenerated  float64          `json:"delta_generated"`
	DeltaConsumed   float64          `json:"delta_consumed"`
	NetKWh          float64          `json:"net_kwh"`
	Baseline        bool             `json:"baseline"`
	Settled         bool             `json:"settled"`
	SettlementError string           `json:"settlement_error,omitempty"`
	CycleAt         time.Time        `json:"cycle_at"`
}

// Publisher pushes completed cycle snapshots to an external sink. A
// publisher must never fail the cycle; implementations log and move on.
type Publisher interface {
	Publish(snap Snapshot)
}
