package ledger

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Rounding precision of cumulative readings and deltas. Simulated meters
// carry three decimal places; high-resolution hardware meters carry five.
const (
	PrecisionSimulated int32 = 3
	PrecisionHighRes   int32 = 5

	// UnitScale converts kWh to the integer milli-kWh units the market
	// contract accounts in.
	UnitScale = 1000
)

// EnergyRecord is one append-only ledger row for a participant. Totals are
// cumulative register readings; deltas are per-cycle and never negative.
type EnergyRecord struct {
	ID             int64
	TotalGenerated float64
	TotalConsumed  float64
	DeltaGenerated float64
	DeltaConsumed  float64
	Timestamp      time.Time
}

// MonthlySummary aggregates one calendar month of deltas.
type MonthlySummary struct {
	Month        time.Time
	GeneratedKWh float64
	ConsumedKWh  float64
	NetKWh       float64
	Rows         int64
}

// Delta computes a per-cycle delta from consecutive cumulative totals.
// A lower new total means the meter reset: the delta is clamped to zero and
// the new total becomes the baseline for the next comparison.
func Delta(lastTotal, newTotal float64, precision int32) float64 {
	if newTotal < lastTotal {
		return 0
	}
	diff := decimal.NewFromFloat(newTotal).Sub(decimal.NewFromFloat(lastTotal)).Round(precision)
	value, _ := diff.Float64()
	return value
}

// NewBaselineRecord builds the first-ever row for a participant. Deltas are
// zero by definition and the row never settles.
func NewBaselineRecord(totalGenerated, totalConsumed float64, now time.Time) EnergyRecord {
	return EnergyRecord{
		TotalGenerated: totalGenerated,
		TotalConsumed:  totalConsumed,
		Timestamp:      now.UTC(),
	}
}

// NextRecord builds the row following prev from fresh cumulative readings.
func NextRecord(prev EnergyRecord, totalGenerated, totalConsumed float64, precision int32, now time.Time) EnergyRecord {
	return EnergyRecord{
		TotalGenerated: totalGenerated,
		TotalConsumed:  totalConsumed,
		DeltaGenerated: Delta(prev.TotalGenerated, totalGenerated, precision),
		DeltaConsumed:  Delta(prev.TotalConsumed, totalConsumed, precision),
		Timestamp:      now.UTC(),
	}
}

// Net returns delta generated minus delta consumed. Negative means the
// participant ran a deficit this cycle.
func (r EnergyRecord) Net() float64 {
	net, _ := decimal.NewFromFloat(r.DeltaGenerated).Sub(decimal.NewFromFloat(r.DeltaConsumed)).Float64()
	return net
}

// MilliKWh converts a kWh quantity to integer milli-kWh for contract calls.
func MilliKWh(kwh float64) *big.Int {
	return decimal.NewFromFloat(kwh).Round(3).Mul(decimal.NewFromInt(UnitScale)).BigInt()
}
