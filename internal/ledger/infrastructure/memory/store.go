package memory

import (
	"context"
	"sync"
	"time"

	ledger "microgrid-ledger/internal/ledger/domain"
)

// Store is an in-memory energy log used by tests and the simulation harness.
type Store struct {
	mu   sync.RWMutex
	rows []ledger.EnergyRecord
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_ = ctx
	return nil
}

// Append adds a record to the end of the log.
func (s *Store) Append(ctx context.Context, rec ledger.EnergyRecord) error {
	_ = ctx
	if rec.DeltaGenerated < 0 || rec.DeltaConsumed < 0 {
		return ledger.ErrNegativeDelta
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = int64(len(s.rows) + 1)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.rows = append(s.rows, rec)
	return nil
}

// Last returns the most recent record, or nil when the log is empty.
func (s *Store) Last(ctx context.Context) (*ledger.EnergyRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rows) == 0 {
		return nil, nil
	}
	rec := s.rows[len(s.rows)-1]
	return &rec, nil
}

// Count returns the number of rows in the log.
func (s *Store) Count(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ledger.EnergyRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ledger.EnergyRecord
	for i := len(s.rows) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.rows[i])
	}
	return result, nil
}

// MonthlySummary sums deltas for the calendar month containing at.
func (s *Store) MonthlySummary(ctx context.Context, at time.Time) (ledger.MonthlySummary, error) {
	_ = ctx
	at = at.UTC()
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	summary := ledger.MonthlySummary{Month: monthStart}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.rows {
		if rec.Timestamp.Before(monthStart) || !rec.Timestamp.Before(monthEnd) {
			continue
		}
		summary.GeneratedKWh += rec.DeltaGenerated
		summary.ConsumedKWh += rec.DeltaConsumed
		summary.Rows++
	}
	summary.NetKWh = summary.GeneratedKWh - summary.ConsumedKWh
	return summary, nil
}
