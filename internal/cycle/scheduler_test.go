package cycle

import (
	"context"
	"log"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	ledger "microgrid-ledger/internal/ledger/domain"
	"microgrid-ledger/internal/ledger/infrastructure/memory"
	"microgrid-ledger/internal/market"
	"microgrid-ledger/internal/meter"
	"microgrid-ledger/internal/participant"
)

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

var (
	genCh = meter.Channel{DeviceAddress: 11, Register: 0x0156}
	conCh = meter.Channel{DeviceAddress: 13, Register: 0x0156}
)

type settleCall struct {
	op        string
	generated *big.Int
	consumed  *big.Int
	requested *big.Int
}

type recordingSettler struct {
	mu    sync.Mutex
	calls []settleCall
	fail  error
}

func (r *recordingSettler) ReportEnergy(ctx context.Context, acct *participant.Account, generated, consumed *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, settleCall{op: "reportEnergy", generated: generated, consumed: consumed})
	return nil
}

func (r *recordingSettler) PayEnergy(ctx context.Context, acct *participant.Account, kwhRequested *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, settleCall{op: "payEnergy", requested: kwhRequested})
	return nil
}

func (r *recordingSettler) ResetEnergy(ctx context.Context, acct *participant.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, settleCall{op: "resetEnergy"})
	return nil
}

func (r *recordingSettler) snapshot() []settleCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]settleCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestScheduler(t *testing.T, role participant.Role, reader meter.Reader, store Store, settler Settler, opts ...Option) *Scheduler {
	t.Helper()
	acct, err := participant.NewAccount(testKeyHex)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	logger := log.New(os.Stderr, "[test] ", log.LstdFlags)
	base := []Option{
		WithChannels(genCh, conCh),
		WithReadDelay(0),
	}
	s, err := NewScheduler("House-A", acct, role, reader, store, settler, logger, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestBaselineThenSettledCycle(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 8.0, 2.0)
	reader.SetRamp(conCh, -1.0, 5.0)

	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler)

	ctx := context.Background()

	wrote, err := s.baselineCheck(ctx)
	if err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}
	if !wrote {
		t.Fatal("expected baseline write on empty log")
	}
	last, err := store.Last(ctx)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last == nil {
		t.Fatal("expected baseline row")
	}
	if last.TotalGenerated != 10.0 || last.TotalConsumed != 4.0 {
		t.Fatalf("baseline totals = (%v, %v), want (10, 4)", last.TotalGenerated, last.TotalConsumed)
	}
	if last.DeltaGenerated != 0 || last.DeltaConsumed != 0 {
		t.Fatalf("baseline deltas = (%v, %v), want (0, 0)", last.DeltaGenerated, last.DeltaConsumed)
	}
	if calls := settler.snapshot(); len(calls) != 0 {
		t.Fatalf("baseline must not touch the chain, got %d calls", len(calls))
	}
	snap := s.Snapshot()
	if snap == nil || !snap.Baseline {
		t.Fatalf("expected baseline snapshot, got %+v", snap)
	}

	s.runCycle(ctx, time.Now().UTC())

	last, err = store.Last(ctx)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last.TotalGenerated != 12.0 || last.TotalConsumed != 9.0 {
		t.Fatalf("cycle totals = (%v, %v), want (12, 9)", last.TotalGenerated, last.TotalConsumed)
	}
	if last.DeltaGenerated != 2.0 || last.DeltaConsumed != 5.0 {
		t.Fatalf("cycle deltas = (%v, %v), want (2, 5)", last.DeltaGenerated, last.DeltaConsumed)
	}

	calls := settler.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d settlement calls, want 2: %+v", len(calls), calls)
	}
	if calls[0].op != "reportEnergy" {
		t.Fatalf("first call = %s, want reportEnergy", calls[0].op)
	}
	if calls[0].generated.Cmp(big.NewInt(2000)) != 0 || calls[0].consumed.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("reportEnergy(%v, %v), want (2000, 5000)", calls[0].generated, calls[0].consumed)
	}
	if calls[1].op != "payEnergy" {
		t.Fatalf("second call = %s, want payEnergy", calls[1].op)
	}
	if calls[1].requested.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("payEnergy(%v), want 3000", calls[1].requested)
	}

	snap = s.Snapshot()
	if snap == nil || !snap.Settled || snap.Baseline {
		t.Fatalf("expected settled snapshot, got %+v", snap)
	}
	if snap.NetKWh != -3.0 {
		t.Fatalf("snapshot net = %v, want -3", snap.NetKWh)
	}
}

func TestSurplusCycleSkipsPay(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 0, 5.0)
	reader.SetRamp(conCh, 0, 1.0)

	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler)

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}
	s.runCycle(ctx, time.Now().UTC())

	calls := settler.snapshot()
	if len(calls) != 1 || calls[0].op != "reportEnergy" {
		t.Fatalf("surplus cycle calls = %+v, want reportEnergy only", calls)
	}
}

func TestTransientFaultUsesLastTotal(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 8.0, 2.0)
	reader.SetRamp(conCh, -1.0, 5.0)

	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler)

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}

	reader.FailNext(genCh)
	s.runCycle(ctx, time.Now().UTC())

	last, err := store.Last(ctx)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last.TotalGenerated != 10.0 {
		t.Fatalf("faulted channel total = %v, want last good 10", last.TotalGenerated)
	}
	if last.DeltaGenerated != 0 {
		t.Fatalf("faulted channel delta = %v, want 0", last.DeltaGenerated)
	}
	if last.TotalConsumed != 9.0 || last.DeltaConsumed != 5.0 {
		t.Fatalf("healthy channel = (%v, %v), want (9, 5)", last.TotalConsumed, last.DeltaConsumed)
	}
}

func TestRollbackClampsDelta(t *testing.T) {
	store := memory.NewStore()
	settler := &recordingSettler{}
	reader := meter.NewSimulatedReader()
	// after a device swap the counter restarts below the stored total
	reader.SetRamp(genCh, 93.0, 2.0)
	reader.SetRamp(conCh, 0, 0)

	s := newTestScheduler(t, participant.RoleSellOnly, reader, store, settler)

	ctx := context.Background()
	baseline := ledger.NewBaselineRecord(100.0, 0, time.Now().UTC())
	if err := store.Append(ctx, baseline); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s.runCycle(ctx, time.Now().UTC())
	last, _ := store.Last(ctx)
	if last.DeltaGenerated != 0 {
		t.Fatalf("rollback delta = %v, want clamp to 0", last.DeltaGenerated)
	}
	if last.TotalGenerated != 95.0 {
		t.Fatalf("total = %v, want new reading 95", last.TotalGenerated)
	}

	s.runCycle(ctx, time.Now().UTC())
	last, _ = store.Last(ctx)
	if last.DeltaGenerated != 2.0 {
		t.Fatalf("post-rollback delta = %v, want 2", last.DeltaGenerated)
	}
}

func TestBuyerUnmatchedConsumptionNotCharged(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(conCh, 0, 4.0)

	pool := market.NewSupplyPool()
	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleBuyOnly, reader, store, settler, WithPool(pool))

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}

	// empty pool: consumption reads 8 but nothing matches
	s.runCycle(ctx, time.Now().UTC())
	last, _ := store.Last(ctx)
	if last.DeltaConsumed != 0 {
		t.Fatalf("unmatched delta = %v, want 0", last.DeltaConsumed)
	}
	calls := settler.snapshot()
	if len(calls) != 1 || calls[0].op != "reportEnergy" {
		t.Fatalf("calls = %+v, want reportEnergy only", calls)
	}
	if calls[0].consumed.Sign() != 0 {
		t.Fatalf("reported consumption = %v, want 0", calls[0].consumed)
	}

	// partial supply: only 1.5 of the 4 kWh demand is charged
	pool.Offer("0xSeller", 1.5)
	s.runCycle(ctx, time.Now().UTC())
	last, _ = store.Last(ctx)
	if last.DeltaConsumed != 1.5 {
		t.Fatalf("matched delta = %v, want 1.5", last.DeltaConsumed)
	}
	if avail := pool.Available(); avail != 0 {
		t.Fatalf("pool available = %v, want drained", avail)
	}
}

func TestSellerOffersIntoPool(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 0, 3.0)

	pool := market.NewSupplyPool()
	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleSellOnly, reader, store, settler, WithPool(pool))

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}
	s.runCycle(ctx, time.Now().UTC())

	if avail := pool.Available(); avail != 3.0 {
		t.Fatalf("pool available = %v, want 3", avail)
	}
}

func TestProsumerDoesNotSelfMatch(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 8.0, 2.0)
	reader.SetRamp(conCh, -1.0, 5.0)

	pool := market.NewSupplyPool()
	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler, WithPool(pool))

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}
	s.runCycle(ctx, time.Now().UTC())

	// the prosumer's own surplus never enters the pool, so its full
	// demand is reported and the deficit paid on chain
	if avail := pool.Available(); avail != 0 {
		t.Fatalf("pool available = %v, want 0", avail)
	}
	last, _ := store.Last(ctx)
	if last.DeltaConsumed != 0 {
		t.Fatalf("matched delta = %v, want 0 from empty pool", last.DeltaConsumed)
	}
	calls := settler.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d settlement calls, want 2: %+v", len(calls), calls)
	}
	if calls[0].generated.Cmp(big.NewInt(2000)) != 0 || calls[0].consumed.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("reportEnergy(%v, %v), want (2000, 5000)", calls[0].generated, calls[0].consumed)
	}
	if calls[1].op != "payEnergy" || calls[1].requested.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("second call = %+v, want payEnergy(3000)", calls[1])
	}
}

func TestSettlementFailureKeepsLedgerRow(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 8.0, 2.0)
	reader.SetRamp(conCh, -1.0, 5.0)

	store := memory.NewStore()
	settler := &recordingSettler{fail: context.DeadlineExceeded}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler)

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}
	s.runCycle(ctx, time.Now().UTC())

	count, _ := store.Count(ctx)
	if count != 2 {
		t.Fatalf("rows = %d, want baseline plus failed-settlement cycle", count)
	}
	snap := s.Snapshot()
	if snap == nil || snap.Settled || snap.SettlementError == "" {
		t.Fatalf("expected settlement error recorded in snapshot, got %+v", snap)
	}
}

func TestRunShutdownResetsCounters(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 8.0, 2.0)
	reader.SetRamp(conCh, -1.0, 5.0)

	store := memory.NewStore()
	settler := &recordingSettler{}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler,
		WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	calls := settler.snapshot()
	if len(calls) == 0 || calls[len(calls)-1].op != "resetEnergy" {
		t.Fatalf("last call = %+v, want resetEnergy", calls)
	}
}

func TestPublisherReceivesSnapshots(t *testing.T) {
	reader := meter.NewSimulatedReader()
	reader.SetRamp(genCh, 8.0, 2.0)
	reader.SetRamp(conCh, -1.0, 5.0)

	store := memory.NewStore()
	settler := &recordingSettler{}
	pub := &capturePublisher{}
	s := newTestScheduler(t, participant.RoleProsumer, reader, store, settler, WithPublisher(pub))

	ctx := context.Background()
	if _, err := s.baselineCheck(ctx); err != nil {
		t.Fatalf("baselineCheck: %v", err)
	}
	s.runCycle(ctx, time.Now().UTC())

	snaps := pub.snapshot()
	if len(snaps) != 2 {
		t.Fatalf("published %d snapshots, want 2", len(snaps))
	}
	if !snaps[0].Baseline || snaps[1].Baseline {
		t.Fatalf("expected baseline then regular snapshot, got %+v", snaps)
	}
}

type capturePublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *capturePublisher) Publish(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
}

func (c *capturePublisher) snapshot() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, len(c.snaps))
	copy(out, c.snaps)
	return out
}
