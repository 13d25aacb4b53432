package cycle

import (
	"context"
	"errors"
	"log"
	"math/big"
	"sync/atomic"
	"time"

	ledger "microgrid-ledger/internal/ledger/domain"
	"microgrid-ledger/internal/market"
	"microgrid-ledger/internal/meter"
	"microgrid-ledger/internal/observability/metrics"
	"microgrid-ledger/internal/participant"
)

const (
	// defaultInterval is the fixed cadence between cycle starts. Time
	// spent blocked on meter reads or chain confirmation stretches the
	// effective cadence; that is accepted.
	defaultInterval = 300 * time.Second

	// defaultReadDelay separates the generation and consumption register
	// reads on shared RS-485 buses.
	defaultReadDelay = 300 * time.Millisecond

	// shutdownGrace bounds the best-effort resetEnergy call on exit.
	shutdownGrace = 2 * time.Minute
)

// Settler is the settlement surface the scheduler drives.
type Settler interface {
	ReportEnergy(ctx context.Context, acct *participant.Account, generated, consumed *big.Int) error
	PayEnergy(ctx context.Context, acct *participant.Account, kwhRequested *big.Int) error
	ResetEnergy(ctx context.Context, acct *participant.Account) error
}

// Store is the ledger persistence contract the scheduler needs.
type Store interface {
	Append(ctx context.Context, rec ledger.EnergyRecord) error
	Last(ctx context.Context) (*ledger.EnergyRecord, error)
	Count(ctx context.Context) (int64, error)
}

// Scheduler runs one participant's repeating cycle:
// read -> compute delta -> match -> persist -> settle -> sleep.
// One scheduler per participant; cycles never overlap, so nonce ordering for
// the account is serialized by construction.
type Scheduler struct {
	name      string
	account   *participant.Account
	role      participant.Role
	reader    meter.Reader
	store     Store
	settler   Settler
	pool      *market.SupplyPool
	publisher Publisher

	genChannel meter.Channel
	conChannel meter.Channel
	precision  int32
	interval   time.Duration
	readDelay  time.Duration
	logger     *log.Logger

	snapshot atomic.Pointer[Snapshot]
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPool attaches a shared supply pool for combined matching.
func WithPool(pool *market.SupplyPool) Option {
	return func(s *Scheduler) { s.pool = pool }
}

// WithChannels sets the meter channels for generation and consumption.
func WithChannels(gen, con meter.Channel) Option {
	return func(s *Scheduler) {
		s.genChannel = gen
		s.conChannel = con
	}
}

// WithPrecision sets the rounding precision for deltas.
func WithPrecision(precision int32) Option {
	return func(s *Scheduler) { s.precision = precision }
}

// WithInterval overrides the cycle cadence.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) { s.interval = interval }
}

// WithReadDelay overrides the pause between the two register reads.
func WithReadDelay(delay time.Duration) Option {
	return func(s *Scheduler) { s.readDelay = delay }
}

// WithPublisher attaches a snapshot publisher.
func WithPublisher(publisher Publisher) Option {
	return func(s *Scheduler) { s.publisher = publisher }
}

// NewScheduler constructs a scheduler for one participant.
func NewScheduler(name string, acct *participant.Account, role participant.Role, reader meter.Reader, store Store, settler Settler, logger *log.Logger, opts ...Option) (*Scheduler, error) {
	if name == "" {
		return nil, errors.New("cycle: empty participant name")
	}
	if acct == nil {
		return nil, errors.New("cycle: nil account")
	}
	if _, err := participant.ParseRole(string(role)); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, errors.New("cycle: nil meter reader")
	}
	if store == nil {
		return nil, errors.New("cycle: nil store")
	}
	if settler == nil {
		return nil, errors.New("cycle: nil settler")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		name:      name,
		account:   acct,
		role:      role,
		reader:    reader,
		store:     store,
		settler:   settler,
		precision: ledger.PrecisionSimulated,
		interval:  defaultInterval,
		readDelay: defaultReadDelay,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Snapshot returns the last completed cycle, or nil before the first one.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Run drives the cycle loop until the context ends, then performs the
// best-effort shutdown reset. Only baseline-persistence failure at startup
// is returned as an error; after that no failure escapes a single cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	wroteBaseline, err := s.baselineCheck(ctx)
	if err != nil {
		return err
	}
	if wroteBaseline {
		// the baseline write is a cycle of its own: no settlement,
		// sleep until the first real reading
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-time.After(s.interval):
		}
	}
	for {
		s.runCycle(ctx, time.Now().UTC())
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-time.After(s.interval):
		}
	}
}

// baselineCheck writes the zero-delta baseline row when the participant has
// no history. The baseline cycle never triggers settlement.
func (s *Scheduler) baselineCheck(ctx context.Context) (bool, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	policy := s.role.Policy()
	totalGen := s.readChannel(s.genChannel, 0, policy.ReadsGeneration)
	time.Sleep(s.readDelay)
	totalCon := s.readChannel(s.conChannel, 0, policy.ReadsConsumption)

	rec := ledger.NewBaselineRecord(totalGen, totalCon, time.Now().UTC())
	if err := s.store.Append(ctx, rec); err != nil {
		return false, err
	}
	snap := Snapshot{
		Participant:    s.name,
		Role:           s.role,
		TotalGenerated: rec.TotalGenerated,
		TotalConsumed:  rec.TotalConsumed,
		Baseline:       true,
		CycleAt:        rec.Timestamp,
	}
	s.snapshot.Store(&snap)
	if s.publisher != nil {
		s.publisher.Publish(snap)
	}
	s.logger.Printf("baseline created: participant=%s total_gen=%.3f total_con=%.3f", s.name, totalGen, totalCon)
	return true, nil
}

func (s *Scheduler) runCycle(ctx context.Context, now time.Time) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveCycle(s.name, result, time.Since(start))
	}()

	last, err := s.store.Last(ctx)
	if err != nil {
		result = metrics.ResultError
		s.logger.Printf("cycle read last error: participant=%s err=%v", s.name, err)
		return
	}
	if last == nil {
		// the baseline was written at startup; an empty log here means
		// the store was truncated underneath us
		result = metrics.ResultError
		s.logger.Printf("cycle error: participant=%s ledger is empty", s.name)
		return
	}

	policy := s.role.Policy()
	totalGen := s.readChannel(s.genChannel, last.TotalGenerated, policy.ReadsGeneration)
	time.Sleep(s.readDelay)
	totalCon := s.readChannel(s.conChannel, last.TotalConsumed, policy.ReadsConsumption)

	rec := ledger.NextRecord(*last, totalGen, totalCon, s.precision, now)

	if s.pool != nil {
		if policy.OffersSupply {
			s.pool.Offer(s.account.Address.Hex(), rec.DeltaGenerated)
		}
		if policy.MatchesDemand && rec.DeltaConsumed > 0 {
			matched := s.pool.Match(rec.DeltaConsumed)
			if matched == 0 {
				s.logger.Printf("no supply available: participant=%s consumption not charged this cycle", s.name)
			}
			metrics.AddMatched(matched)
			rec.DeltaConsumed = matched
		}
		metrics.SetPoolAvailable(s.pool.Available())
	}

	if err := s.store.Append(ctx, rec); err != nil {
		result = metrics.ResultError
		s.logger.Printf("persist error: participant=%s err=%v", s.name, err)
		return
	}

	snap := Snapshot{
		Participant:    s.name,
		Role:           s.role,
		TotalGenerated: rec.TotalGenerated,
		TotalConsumed:  rec.TotalConsumed,
		DeltaGenerated: rec.DeltaGenerated,
		DeltaConsumed:  rec.DeltaConsumed,
		NetKWh:         rec.Net(),
		CycleAt:        now,
	}

	if err := s.settle(ctx, rec); err != nil {
		result = metrics.ResultError
		snap.SettlementError = err.Error()
		s.logger.Printf("settlement error: participant=%s err=%v", s.name, err)
	} else {
		snap.Settled = true
	}

	s.logger.Printf("cycle: participant=%s total_gen=%.3f total_con=%.3f delta_gen=%.3f delta_con=%.3f net=%.3f",
		s.name, rec.TotalGenerated, rec.TotalConsumed, rec.DeltaGenerated, rec.DeltaConsumed, rec.Net())

	s.snapshot.Store(&snap)
	if s.publisher != nil {
		s.publisher.Publish(snap)
	}
}

// settle reports the cycle deltas and pays for any deficit. Report is always
// attempted, even for a zero cycle, to keep the contract's attendance record
// continuous. Pay runs only when net consumption exceeds net generation.
func (s *Scheduler) settle(ctx context.Context, rec ledger.EnergyRecord) error {
	generated := ledger.MilliKWh(rec.DeltaGenerated)
	consumed := ledger.MilliKWh(rec.DeltaConsumed)

	if err := s.settler.ReportEnergy(ctx, s.account, generated, consumed); err != nil {
		metrics.IncSettlement("reportEnergy", metrics.ResultError)
		return err
	}
	metrics.IncSettlement("reportEnergy", metrics.ResultSuccess)

	net := rec.Net()
	if net >= 0 {
		return nil
	}
	deficit := ledger.MilliKWh(-net)
	if err := s.settler.PayEnergy(ctx, s.account, deficit); err != nil {
		metrics.IncSettlement("payEnergy", metrics.ResultError)
		return err
	}
	metrics.IncSettlement("payEnergy", metrics.ResultSuccess)
	return nil
}

// readChannel reads one cumulative total, substituting the previous total on
// a transient device fault. Channels the role does not use read as zero.
func (s *Scheduler) readChannel(ch meter.Channel, lastTotal float64, enabled bool) float64 {
	if !enabled {
		return 0
	}
	value, err := s.reader.ReadCumulative(ch)
	if err != nil {
		metrics.IncMeterFault(s.name)
		if errors.Is(err, meter.ErrTransient) {
			s.logger.Printf("meter fault: participant=%s device=%d using last total %.3f", s.name, ch.DeviceAddress, lastTotal)
			return lastTotal
		}
		s.logger.Printf("meter read error: participant=%s err=%v using last total", s.name, err)
		return lastTotal
	}
	return value
}

// shutdown performs the best-effort final reset. Failure is logged but never
// blocks process exit.
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.logger.Printf("shutdown: participant=%s resetting contract counters", s.name)
	if err := s.settler.ResetEnergy(ctx, s.account); err != nil {
		metrics.IncSettlement("resetEnergy", metrics.ResultError)
		s.logger.Printf("shutdown reset error: participant=%s err=%v", s.name, err)
		return
	}
	metrics.IncSettlement("resetEnergy", metrics.ResultSuccess)
}
