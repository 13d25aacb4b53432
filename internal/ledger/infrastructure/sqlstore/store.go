package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	ledger "microgrid-ledger/internal/ledger/domain"
)

// Dialect selects schema DDL and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store persists the append-only energy log for one participant.
type Store struct {
	db      *sql.DB
	table   string
	dialect Dialect
}

// NewStore constructs a store over an opened database handle.
func NewStore(db *sql.DB, table string, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: nil db")
	}
	if !tableNamePattern.MatchString(table) {
		return nil, ledger.ErrInvalidTable
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialect)
	}
	return &Store{db: db, table: table, dialect: dialect}, nil
}

// EnsureSchema creates the energy log table if absent. No migrations: the
// layout is fixed for the life of the store.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case DialectPostgres:
		ddl = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	total_generated DOUBLE PRECISION NOT NULL,
	total_consumed DOUBLE PRECISION NOT NULL,
	delta_generated DOUBLE PRECISION NOT NULL,
	delta_consumed DOUBLE PRECISION NOT NULL,
	ts TIMESTAMPTZ NOT NULL
)`, s.table)
	default:
		ddl = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	total_generated REAL NOT NULL,
	total_consumed REAL NOT NULL,
	delta_generated REAL NOT NULL,
	delta_consumed REAL NOT NULL,
	ts TIMESTAMP NOT NULL
)`, s.table)
	}
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Append inserts one record at the end of the log.
func (s *Store) Append(ctx context.Context, rec ledger.EnergyRecord) error {
	if rec.DeltaGenerated < 0 || rec.DeltaConsumed < 0 {
		return ledger.ErrNegativeDelta
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (total_generated, total_consumed, delta_generated, delta_consumed, ts)
VALUES (%s, %s, %s, %s, %s)`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, query,
		rec.TotalGenerated, rec.TotalConsumed, rec.DeltaGenerated, rec.DeltaConsumed, ts)
	return err
}

// Last returns the most recent record, or nil when the log is empty.
func (s *Store) Last(ctx context.Context) (*ledger.EnergyRecord, error) {
	query := fmt.Sprintf(`
SELECT id, total_generated, total_consumed, delta_generated, delta_consumed, ts
FROM %s
ORDER BY id DESC
LIMIT 1`, s.table)
	row := s.db.QueryRowContext(ctx, query)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Count returns the number of rows in the log. Zero means the participant
// has no baseline yet.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ledger.EnergyRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
SELECT id, total_generated, total_consumed, delta_generated, delta_consumed, ts
FROM %s
ORDER BY id DESC
LIMIT %s`, s.table, s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.EnergyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MonthlySummary sums deltas for the calendar month containing at.
func (s *Store) MonthlySummary(ctx context.Context, at time.Time) (ledger.MonthlySummary, error) {
	at = at.UTC()
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	query := fmt.Sprintf(`
SELECT COALESCE(SUM(delta_generated), 0), COALESCE(SUM(delta_consumed), 0), COUNT(*)
FROM %s
WHERE ts >= %s AND ts < %s`, s.table, s.ph(1), s.ph(2))

	summary := ledger.MonthlySummary{Month: monthStart}
	err := s.db.QueryRowContext(ctx, query, monthStart, monthEnd).
		Scan(&summary.GeneratedKWh, &summary.ConsumedKWh, &summary.Rows)
	if err != nil {
		return ledger.MonthlySummary{}, err
	}
	summary.NetKWh = summary.GeneratedKWh - summary.ConsumedKWh
	return summary, nil
}

// ph returns the dialect-appropriate placeholder for position n.
func (s *Store) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.EnergyRecord, error) {
	var rec ledger.EnergyRecord
	err := row.Scan(
		&rec.ID,
		&rec.TotalGenerated,
		&rec.TotalConsumed,
		&rec.DeltaGenerated,
		&rec.DeltaConsumed,
		&rec.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

// TableForParticipant derives a per-participant table name for shared
// databases.
func TableForParticipant(name string) (string, error) {
	sanitized := strings.ToLower(name)
	sanitized = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, sanitized)
	table := "energy_log_" + sanitized
	if !tableNamePattern.MatchString(table) {
		return "", ledger.ErrInvalidTable
	}
	return table, nil
}
