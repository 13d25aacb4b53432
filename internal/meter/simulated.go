package meter

import (
	"sync"

	"github.com/shopspring/decimal"
)

// SimulatedReader synthesizes cumulative meters for simulation runs: each
// channel ramps by a fixed step every read, mimicking a house generating or
// consuming at a constant rate.
type SimulatedReader struct {
	mu       sync.Mutex
	totals   map[Channel]decimal.Decimal
	steps    map[Channel]decimal.Decimal
	failNext map[Channel]bool
}

// NewSimulatedReader constructs an empty simulated bus. Channels that were
// never configured read as a flat zero total.
func NewSimulatedReader() *SimulatedReader {
	return &SimulatedReader{
		totals:   make(map[Channel]decimal.Decimal),
		steps:    make(map[Channel]decimal.Decimal),
		failNext: make(map[Channel]bool),
	}
}

// SetRamp configures a channel to start at start kWh and grow by step kWh
// per read.
func (s *SimulatedReader) SetRamp(ch Channel, start, step float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[ch] = decimal.NewFromFloat(start)
	s.steps[ch] = decimal.NewFromFloat(step)
}

// FailNext makes the next read of the channel report a transient fault.
func (s *SimulatedReader) FailNext(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[ch] = true
}

// ReadCumulative advances the channel by its step and returns the new total.
func (s *SimulatedReader) ReadCumulative(ch Channel) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext[ch] {
		s.failNext[ch] = false
		return 0, ErrTransient
	}
	total := s.totals[ch].Add(s.steps[ch])
	s.totals[ch] = total
	value, _ := total.Round(3).Float64()
	return value, nil
}
