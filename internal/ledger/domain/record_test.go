package ledger

import (
	"testing"
	"time"
)

func TestDeltaNonNegative(t *testing.T) {
	totals := []float64{0, 0.002, 0.004, 0.003, 100, 95, 97, 97}
	last := totals[0]
	for _, next := range totals[1:] {
		delta := Delta(last, next, PrecisionSimulated)
		if delta < 0 {
			t.Fatalf("Delta(%v, %v) = %v, negative", last, next, delta)
		}
		last = next
	}
}

func TestDeltaRollbackClamped(t *testing.T) {
	// totals [100, 95, 97]: baseline, clamped reset, then 2
	if delta := Delta(100, 95, PrecisionSimulated); delta != 0 {
		t.Fatalf("rollback delta = %v, want 0", delta)
	}
	if delta := Delta(95, 97, PrecisionSimulated); delta != 2 {
		t.Fatalf("post-reset delta = %v, want 2", delta)
	}
}

func TestDeltaRounding(t *testing.T) {
	// float subtraction alone would yield 0.0019999999999988916
	if delta := Delta(12.004, 12.006, PrecisionSimulated); delta != 0.002 {
		t.Fatalf("delta = %v, want 0.002", delta)
	}
	if delta := Delta(1.00001, 1.00004, PrecisionHighRes); delta != 0.00003 {
		t.Fatalf("high-res delta = %v, want 0.00003", delta)
	}
}

func TestNewBaselineRecord(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := NewBaselineRecord(10.0, 4.0, now)
	if rec.DeltaGenerated != 0 || rec.DeltaConsumed != 0 {
		t.Fatalf("baseline deltas = (%v, %v), want (0, 0)", rec.DeltaGenerated, rec.DeltaConsumed)
	}
	if rec.TotalGenerated != 10.0 || rec.TotalConsumed != 4.0 {
		t.Fatalf("baseline totals = (%v, %v)", rec.TotalGenerated, rec.TotalConsumed)
	}
	if !rec.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", rec.Timestamp, now)
	}
}

func TestNextRecord(t *testing.T) {
	now := time.Now().UTC()
	prev := NewBaselineRecord(10.0, 4.0, now)
	rec := NextRecord(prev, 12.0, 9.0, PrecisionSimulated, now.Add(5*time.Minute))
	if rec.DeltaGenerated != 2.0 {
		t.Fatalf("delta generated = %v, want 2.0", rec.DeltaGenerated)
	}
	if rec.DeltaConsumed != 5.0 {
		t.Fatalf("delta consumed = %v, want 5.0", rec.DeltaConsumed)
	}
	if rec.Net() != -3.0 {
		t.Fatalf("net = %v, want -3.0", rec.Net())
	}
}

func TestMilliKWh(t *testing.T) {
	cases := []struct {
		kwh  float64
		want int64
	}{
		{0, 0},
		{0.002, 2},
		{2.0, 2000},
		{3.0, 3000},
		{1.2345, 1235}, // rounds, not truncates
	}
	for _, tc := range cases {
		if got := MilliKWh(tc.kwh); got.Int64() != tc.want {
			t.Fatalf("MilliKWh(%v) = %v, want %v", tc.kwh, got, tc.want)
		}
	}
}
