package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/Sternrassler/sp-api-ingest/pkg/pagination"
	"github.com/Sternrassler/sp-api-ingest/pkg/retry"
	"github.com/Sternrassler/sp-api-ingest/pkg/staging"
	"github.com/rs/zerolog"
)

type nopLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (l *nopLimiter) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[key]++
	return ctx.Err()
}

// paged serves pages in order, linking each to the next.
func paged(pages ...ingest.Page) pagination.FetchFunc {
	return func(ctx context.Context, cursor string) (ingest.Page, error) {
		idx := 0
		if cursor != "" {
			fmt.Sscanf(cursor, "p%d", &idx)
		}
		if idx >= len(pages) {
			return ingest.Page{}, nil
		}
		p := pages[idx]
		if idx < len(pages)-1 {
			p.NextCursor = fmt.Sprintf("p%d", idx+1)
		}
		return p, nil
	}
}

func failing(err error) pagination.FetchFunc {
	return func(ctx context.Context, cursor string) (ingest.Page, error) {
		return ingest.Page{}, err
	}
}

type fakeSource struct {
	mu sync.Mutex

	// orders maps a window start (YYYY-MM-DD) to its fetch.
	orders      map[string]pagination.FetchFunc
	orderCalls  []pagination.DateRange
	items       map[string]pagination.FetchFunc
	summaries   pagination.FetchFunc
	skuLookup   func(skus []string) pagination.FetchFunc
	skuRequests [][]string
}

func (s *fakeSource) Orders(start, end time.Time) pagination.FetchFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderCalls = append(s.orderCalls, pagination.DateRange{Start: start, End: end})
	if f, ok := s.orders[start.Format("2006-01-02")]; ok {
		return f
	}
	return paged(ingest.Page{})
}

func (s *fakeSource) OrderItems(orderID string) pagination.FetchFunc {
	if f, ok := s.items[orderID]; ok {
		return f
	}
	return paged(ingest.Page{})
}

func (s *fakeSource) InventorySummaries() pagination.FetchFunc {
	if s.summaries == nil {
		return paged(ingest.Page{})
	}
	return s.summaries
}

func (s *fakeSource) InventoryBySKU(skus []string) pagination.FetchFunc {
	s.mu.Lock()
	s.skuRequests = append(s.skuRequests, skus)
	s.mu.Unlock()
	if s.skuLookup != nil {
		return s.skuLookup(skus)
	}
	recs := make([]ingest.Record, len(skus))
	for i, sku := range skus {
		recs[i] = record(sku, time.Time{})
	}
	return paged(ingest.Page{Records: recs})
}

func record(key string, ts time.Time) ingest.Record {
	return ingest.Record{Key: key, Timestamp: ts, Fields: map[string]any{"id": key}}
}

type harness struct {
	orch    *Orchestrator
	store   *staging.Store
	repo    *staging.MemoryRepository
	locker  *staging.LocalLocker
	limiter *nopLimiter
	delays  []time.Duration
}

var testNow = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, source Source, cfg Config) *harness {
	t.Helper()
	h := &harness{
		repo:    staging.NewMemoryRepository(),
		locker:  staging.NewLocalLocker(),
		limiter: &nopLimiter{},
	}

	store, err := staging.NewStore(h.repo, staging.DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	h.store = store

	rcfg := retry.DefaultConfig()
	rcfg.InitialBackoff = 0
	retrier, err := retry.New(rcfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("retry.New() error = %v", err)
	}
	pag, err := pagination.New(h.limiter, retrier, pagination.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pagination.New() error = %v", err)
	}

	orch, err := New(source, pag, store, h.locker, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	orch.now = func() time.Time { return testNow }
	orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	h.orch = orch
	return h
}

func TestNew_Validation(t *testing.T) {
	repo := staging.NewMemoryRepository()
	store, _ := staging.NewStore(repo, staging.DefaultConfig(), zerolog.Nop())
	retrier, _ := retry.New(retry.DefaultConfig(), zerolog.Nop())
	pag, _ := pagination.New(&nopLimiter{}, retrier, pagination.DefaultConfig(), zerolog.Nop())
	locker := staging.NewLocalLocker()

	tests := []struct {
		name   string
		source Source
		pag    *pagination.Paginator
		store  *staging.Store
		locker staging.Locker
		mutate func(*Config)
	}{
		{name: "nil source", pag: pag, store: store, locker: locker},
		{name: "nil paginator", source: &fakeSource{}, store: store, locker: locker},
		{name: "nil store", source: &fakeSource{}, pag: pag, locker: locker},
		{name: "nil locker", source: &fakeSource{}, pag: pag, store: store},
		{name: "zero batch size", source: &fakeSource{}, pag: pag, store: store, locker: locker, mutate: func(c *Config) { c.BatchSize = 0 }},
		{name: "zero chunk days", source: &fakeSource{}, pag: pag, store: store, locker: locker, mutate: func(c *Config) { c.OrderChunkDays = 0 }},
		{name: "negative delay", source: &fakeSource{}, pag: pag, store: store, locker: locker, mutate: func(c *Config) { c.ChunkDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			if _, err := New(tt.source, tt.pag, tt.store, tt.locker, cfg, zerolog.Nop()); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BatchSize != 100 || cfg.OrderChunkDays != 30 || cfg.ChunkDelay != 2*time.Second || cfg.DefaultLookback != 30*24*time.Hour {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}

func TestProcessOrders_DuplicateScenario(t *testing.T) {
	ts := testNow.Add(-48 * time.Hour)
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		testNow.AddDate(0, 0, -5).Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{
			record("A", ts), record("A", ts), record("B", ts.Add(time.Hour)),
		}}),
	}}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := newHarness(t, source, cfg)

	stats, err := h.orch.ProcessOrders(context.Background(), testNow.AddDate(0, 0, -5), testNow)
	if err != nil {
		t.Fatalf("ProcessOrders() error = %v", err)
	}

	if stats.TotalProcessed != 2 || stats.DuplicatesSkipped != 1 || stats.TotalBatches != 2 {
		t.Errorf("stats = processed %d, duplicates %d, batches %d, want 2, 1, 2",
			stats.TotalProcessed, stats.DuplicatesSkipped, stats.TotalBatches)
	}
	if stats.State != ingest.RunCompleted || stats.Mode != ingest.ModeAppend || stats.Errors != 0 {
		t.Errorf("state = %s, mode = %s, errors = %d", stats.State, stats.Mode, stats.Errors)
	}
	if len(stats.BatchIDs) != 2 {
		t.Errorf("BatchIDs = %v, want 2", stats.BatchIDs)
	}
	if want := ts.Add(time.Hour); stats.LastProcessedDate == nil || !stats.LastProcessedDate.Equal(want) {
		t.Errorf("LastProcessedDate = %v, want %v", stats.LastProcessedDate, want)
	}
	if n := len(h.repo.Rows("stage_orders")); n != 2 {
		t.Errorf("staged rows = %d, want 2", n)
	}
}

func TestProcessOrders_IdempotentRerun(t *testing.T) {
	ts := testNow.Add(-time.Hour)
	start := testNow.AddDate(0, 0, -1)
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		start.Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{record("A", ts), record("B", ts)}}),
	}}
	h := newHarness(t, source, DefaultConfig())
	ctx := context.Background()

	if _, err := h.orch.ProcessOrders(ctx, start, testNow); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	stats, err := h.orch.ProcessOrders(ctx, start, testNow)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if stats.TotalProcessed != 0 || stats.DuplicatesSkipped != 2 {
		t.Errorf("rerun = processed %d, duplicates %d, want 0 and 2", stats.TotalProcessed, stats.DuplicatesSkipped)
	}
}

func TestProcessOrders_ChunksWithDelay(t *testing.T) {
	source := &fakeSource{}
	h := newHarness(t, source, DefaultConfig())
	start := testNow.AddDate(0, 0, -65)

	stats, err := h.orch.ProcessOrders(context.Background(), start, testNow)
	if err != nil {
		t.Fatalf("ProcessOrders() error = %v", err)
	}
	if stats.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", stats.Chunks)
	}

	want := []pagination.DateRange{
		{Start: start, End: start.AddDate(0, 0, 30)},
		{Start: start.AddDate(0, 0, 30), End: start.AddDate(0, 0, 60)},
		{Start: start.AddDate(0, 0, 60), End: testNow},
	}
	if len(source.orderCalls) != len(want) {
		t.Fatalf("order windows = %v", source.orderCalls)
	}
	for i, w := range want {
		if !source.orderCalls[i].Start.Equal(w.Start) || !source.orderCalls[i].End.Equal(w.End) {
			t.Errorf("window %d = %v, want %v", i, source.orderCalls[i], w)
		}
	}

	if len(h.delays) != 2 || h.delays[0] != 2*time.Second {
		t.Errorf("delays = %v, want two 2s pauses between chunks", h.delays)
	}
	if h.limiter.calls[EndpointOrders] != 3 {
		t.Errorf("limiter acquisitions = %d, want 3", h.limiter.calls[EndpointOrders])
	}
}

func TestProcessOrders_InvalidRange(t *testing.T) {
	h := newHarness(t, &fakeSource{}, DefaultConfig())
	if _, err := h.orch.ProcessOrders(context.Background(), testNow, testNow.AddDate(0, 0, -1)); err == nil {
		t.Error("ProcessOrders() should reject start after end")
	}
	if _, err := h.orch.ProcessOrders(context.Background(), time.Time{}, testNow); err == nil {
		t.Error("ProcessOrders() should require a start date")
	}
}

func TestProcessOrders_ChunkFailureContinues(t *testing.T) {
	start := testNow.AddDate(0, 0, -60)
	permanent := &ingest.UpstreamError{StatusCode: 400, Class: ingest.ErrorClassClient, Endpoint: "/orders", Message: "bad"}
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		start.Format("2006-01-02"):                  failing(permanent),
		start.AddDate(0, 0, 30).Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{record("C", testNow.Add(-time.Hour))}}),
	}}
	h := newHarness(t, source, DefaultConfig())

	stats, err := h.orch.ProcessOrders(context.Background(), start, testNow)
	if err != nil {
		t.Fatalf("ProcessOrders() error = %v, chunk failures must not abort", err)
	}
	if stats.State != ingest.RunPartiallyFailed || stats.Errors != 1 {
		t.Errorf("state = %s, errors = %d, want PARTIALLY_FAILED with 1", stats.State, stats.Errors)
	}
	if stats.TotalProcessed != 1 || stats.Chunks != 2 {
		t.Errorf("processed = %d, chunks = %d, want 1 and 2", stats.TotalProcessed, stats.Chunks)
	}
}

func TestProcessOrders_TransientErrorRetried(t *testing.T) {
	start := testNow.AddDate(0, 0, -1)
	calls := 0
	flaky := func(ctx context.Context, cursor string) (ingest.Page, error) {
		calls++
		if calls == 1 {
			return ingest.Page{}, &ingest.UpstreamError{StatusCode: 429, Class: ingest.ErrorClassRateLimit}
		}
		return ingest.Page{Records: []ingest.Record{record("A", testNow.Add(-time.Hour))}}, nil
	}
	source := &fakeSource{orders: map[string]pagination.FetchFunc{start.Format("2006-01-02"): flaky}}
	h := newHarness(t, source, DefaultConfig())

	stats, err := h.orch.ProcessOrders(context.Background(), start, testNow)
	if err != nil {
		t.Fatalf("ProcessOrders() error = %v", err)
	}
	if stats.State != ingest.RunCompleted || stats.TotalProcessed != 1 || calls != 2 {
		t.Errorf("state = %s, processed = %d, calls = %d", stats.State, stats.TotalProcessed, calls)
	}
	if h.limiter.calls[EndpointOrders] != 2 {
		t.Errorf("limiter acquisitions = %d, want one per attempt", h.limiter.calls[EndpointOrders])
	}
}

func TestProcessOrders_StagingFailureCounted(t *testing.T) {
	start := testNow.AddDate(0, 0, -1)
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		start.Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{
			record("A", testNow), record("B", testNow), record("C", testNow),
		}}),
	}}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := newHarness(t, source, cfg)
	h.repo.Hooks.BeforeInsert = func(table string, rows []staging.StagingRecord) error {
		return errors.New("disk full")
	}

	stats, err := h.orch.ProcessOrders(context.Background(), start, testNow)
	if err != nil {
		t.Fatalf("ProcessOrders() error = %v", err)
	}
	if stats.Errors != 1 || stats.State != ingest.RunPartiallyFailed {
		t.Errorf("errors = %d, state = %s", stats.Errors, stats.State)
	}
	// The failed batch and the buffered remainder are both accounted for.
	if stats.Discarded != 3 {
		t.Errorf("Discarded = %d, want 3", stats.Discarded)
	}

	history, _ := h.store.History(context.Background(), ingest.DataTypeOrders, 10)
	if len(history) != 1 || history[0].Status != staging.ControlError {
		t.Errorf("history = %+v, want one ERROR entry", history)
	}
}

func TestProcessOrders_CancelBetweenChunks(t *testing.T) {
	start := testNow.AddDate(0, 0, -60)
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		start.Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{record("A", start.Add(time.Hour))}}),
	}}
	h := newHarness(t, source, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	stats, err := h.orch.ProcessOrders(ctx, start, testNow)
	if err != nil {
		t.Fatalf("ProcessOrders() error = %v", err)
	}
	if stats.State != ingest.RunCancelled {
		t.Errorf("State = %s, want CANCELLED", stats.State)
	}
	if stats.Chunks != 1 || stats.TotalProcessed != 1 {
		t.Errorf("chunks = %d, processed = %d, want first chunk only", stats.Chunks, stats.TotalProcessed)
	}

	history, _ := h.store.History(context.Background(), ingest.DataTypeOrders, 10)
	if len(history) != 2 {
		t.Fatalf("history = %+v, want success plus interrupted entry", history)
	}
	if history[0].Status != staging.ControlError || !strings.Contains(history[0].Message, "interrupted") {
		t.Errorf("latest entry = %+v, want interrupted ERROR", history[0])
	}

	// The lock is released after cancellation.
	if _, err := h.locker.Obtain(context.Background(), ingest.DataTypeOrders, "next"); err != nil {
		t.Errorf("Obtain() after run = %v", err)
	}
}

func TestProcessOrdersIncremental(t *testing.T) {
	lookbackStart := testNow.Add(-30 * 24 * time.Hour)
	newest := testNow.Add(-6 * time.Hour)
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		lookbackStart.Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{
			record("A", newest), record("B", newest.Add(-time.Hour)),
		}}),
	}}
	h := newHarness(t, source, DefaultConfig())
	ctx := context.Background()

	first, err := h.orch.ProcessOrdersIncremental(ctx, time.Time{})
	if err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if first.Checkpoint != nil {
		t.Errorf("first run Checkpoint = %v, want none", first.Checkpoint)
	}
	if !source.orderCalls[0].Start.Equal(lookbackStart) {
		t.Errorf("first window start = %v, want %v", source.orderCalls[0].Start, lookbackStart)
	}

	source.orderCalls = nil
	second, err := h.orch.ProcessOrdersIncremental(ctx, time.Time{})
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if second.Checkpoint == nil || !second.Checkpoint.Equal(newest) {
		t.Fatalf("second run Checkpoint = %v, want %v", second.Checkpoint, newest)
	}
	if !source.orderCalls[0].Start.Equal(newest) {
		t.Errorf("second window start = %v, want checkpoint %v", source.orderCalls[0].Start, newest)
	}
	if second.LastProcessedDate == nil || second.LastProcessedDate.Before(*second.Checkpoint) {
		t.Errorf("LastProcessedDate = %v regressed below checkpoint %v", second.LastProcessedDate, second.Checkpoint)
	}
}

func TestProcessOrders_CheckpointNeverRegresses(t *testing.T) {
	recent := testNow.Add(-time.Hour)
	old := testNow.AddDate(0, -6, 0)
	source := &fakeSource{orders: map[string]pagination.FetchFunc{
		testNow.AddDate(0, 0, -1).Format("2006-01-02"): paged(ingest.Page{Records: []ingest.Record{record("NEW", recent)}}),
		old.Format("2006-01-02"):                        paged(ingest.Page{Records: []ingest.Record{record("OLD", old.Add(time.Hour))}}),
	}}
	h := newHarness(t, source, DefaultConfig())
	ctx := context.Background()

	if _, err := h.orch.ProcessOrders(ctx, testNow.AddDate(0, 0, -1), testNow); err != nil {
		t.Fatal(err)
	}
	backfill, err := h.orch.ProcessOrders(ctx, old, old.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if backfill.LastProcessedDate == nil || backfill.LastProcessedDate.Before(recent) {
		t.Errorf("backfill LastProcessedDate = %v, want >= %v", backfill.LastProcessedDate, recent)
	}

	cp, ok, _ := h.store.LastProcessedDate(ctx, ingest.DataTypeOrders)
	if !ok || !cp.Equal(recent) {
		t.Errorf("stored checkpoint = %v, want %v", cp, recent)
	}
}

func TestProcessOrders_ConcurrentRunRejected(t *testing.T) {
	h := newHarness(t, &fakeSource{}, DefaultConfig())
	ctx := context.Background()

	held, err := h.locker.Obtain(ctx, ingest.DataTypeOrders, "other-run")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(ctx)

	stats, err := h.orch.ProcessOrders(ctx, testNow.AddDate(0, 0, -1), testNow)
	if !errors.Is(err, ingest.ErrCheckpointConflict) {
		t.Errorf("error = %v, want ErrCheckpointConflict", err)
	}
	if stats == nil || stats.State != ingest.RunNotStarted {
		t.Errorf("stats = %+v, want NOT_STARTED", stats)
	}

	// Other DataTypes are unaffected.
	if _, err := h.orch.ProcessInventory(ctx, nil); err != nil {
		t.Errorf("ProcessInventory() error = %v", err)
	}
}

func TestProcessInventory_ReplaceConservation(t *testing.T) {
	source := &fakeSource{}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := newHarness(t, source, cfg)
	ctx := context.Background()

	source.summaries = paged(
		ingest.Page{Records: []ingest.Record{record("S1", time.Time{}), record("S2", time.Time{})}},
		ingest.Page{Records: []ingest.Record{record("S3", time.Time{})}},
	)
	first, err := h.orch.ProcessInventory(ctx, nil)
	if err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if first.TotalProcessed != 3 || first.TotalBatches != 2 || first.Mode != ingest.ModeReplace {
		t.Errorf("first = %+v", first)
	}

	before, _ := h.store.Counts(ctx, ingest.DataTypeInventory)
	source.summaries = paged(ingest.Page{Records: []ingest.Record{record("S1", time.Time{}), record("S4", time.Time{})}})
	if _, err := h.orch.ProcessInventory(ctx, nil); err != nil {
		t.Fatalf("second run error = %v", err)
	}

	after, _ := h.store.Counts(ctx, ingest.DataTypeInventory)
	if after.Staging != 2 {
		t.Errorf("staging = %d, want exactly the new snapshot (2)", after.Staging)
	}
	if after.Staging+after.Archive != before.Staging+before.Archive+2 {
		t.Errorf("staging+archive = %d, want %d", after.Staging+after.Archive, before.Staging+before.Archive+2)
	}
}

func TestProcessInventory_EmptySnapshotArchivesStaged(t *testing.T) {
	source := &fakeSource{summaries: paged(ingest.Page{Records: []ingest.Record{record("S1", time.Time{}), record("S2", time.Time{})}})}
	h := newHarness(t, source, DefaultConfig())
	ctx := context.Background()

	if _, err := h.orch.ProcessInventory(ctx, nil); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	source.summaries = paged(ingest.Page{})
	stats, err := h.orch.ProcessInventory(ctx, nil)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if stats.State != ingest.RunCompleted || stats.TotalProcessed != 0 || stats.TotalBatches != 1 {
		t.Errorf("stats = %+v, want one empty replace batch", stats)
	}

	counts, _ := h.store.Counts(ctx, ingest.DataTypeInventory)
	if counts.Staging != 0 || counts.Archive != 2 {
		t.Errorf("counts = %+v, want 0 staged and 2 archived", counts)
	}

	history, _ := h.store.History(ctx, ingest.DataTypeInventory, 10)
	if len(history) != 2 || history[0].Status != staging.ControlSuccess || history[0].RunID != stats.RunID {
		t.Errorf("history = %+v, want a SUCCESS entry for the empty run", history)
	}
}

func TestProcessInventory_FailedFetchKeepsStaged(t *testing.T) {
	source := &fakeSource{summaries: paged(ingest.Page{Records: []ingest.Record{record("S1", time.Time{}), record("S2", time.Time{})}})}
	h := newHarness(t, source, DefaultConfig())
	ctx := context.Background()

	if _, err := h.orch.ProcessInventory(ctx, nil); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	source.summaries = failing(&ingest.UpstreamError{StatusCode: 403, Class: ingest.ErrorClassClient})
	stats, err := h.orch.ProcessInventory(ctx, nil)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if stats.Errors != 1 || stats.TotalBatches != 0 {
		t.Errorf("stats = %+v, want one failed chunk and no batch", stats)
	}

	counts, _ := h.store.Counts(ctx, ingest.DataTypeInventory)
	if counts.Staging != 2 || counts.Archive != 0 {
		t.Errorf("counts = %+v, a failed refresh must leave staging alone", counts)
	}
}

func TestProcessInventory_SKUGroups(t *testing.T) {
	source := &fakeSource{}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := newHarness(t, source, cfg)

	stats, err := h.orch.ProcessInventory(context.Background(), []string{"S1", "S2", "S3", "S4", "S5"})
	if err != nil {
		t.Fatalf("ProcessInventory() error = %v", err)
	}
	if len(source.skuRequests) != 3 || len(source.skuRequests[2]) != 1 {
		t.Errorf("sku requests = %v, want groups of 2", source.skuRequests)
	}
	if stats.TotalProcessed != 5 || stats.Chunks != 3 {
		t.Errorf("processed = %d, chunks = %d", stats.TotalProcessed, stats.Chunks)
	}
	// Key-list chunks use the page pause, not the chunk delay.
	if len(h.delays) != 0 {
		t.Errorf("chunk delays = %v, want none", h.delays)
	}

	counts, _ := h.store.Counts(context.Background(), ingest.DataTypeInventory)
	if counts.Staging != 5 {
		t.Errorf("staging = %d, groups of one run must accumulate", counts.Staging)
	}
}

func TestProcessInventory_KeyChunkSizeCaps(t *testing.T) {
	source := &fakeSource{}
	cfg := DefaultConfig()
	cfg.KeyChunkSize = 50
	h := newHarness(t, source, cfg)

	skus := make([]string, 120)
	for i := range skus {
		skus[i] = fmt.Sprintf("SKU-%03d", i)
	}
	if _, err := h.orch.ProcessInventory(context.Background(), skus); err != nil {
		t.Fatal(err)
	}
	if len(source.skuRequests) != 3 || len(source.skuRequests[0]) != 50 {
		t.Errorf("sku requests = %d groups, first %d", len(source.skuRequests), len(source.skuRequests[0]))
	}
}

func TestProcessInventory_RejectedCounted(t *testing.T) {
	source := &fakeSource{summaries: paged(ingest.Page{Records: []ingest.Record{record("S1", time.Time{})}, Rejected: 2})}
	h := newHarness(t, source, DefaultConfig())

	stats, err := h.orch.ProcessInventory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rejected != 2 || stats.TotalProcessed != 1 {
		t.Errorf("rejected = %d, processed = %d", stats.Rejected, stats.TotalProcessed)
	}
}

func TestProcessOrderItems(t *testing.T) {
	source := &fakeSource{items: map[string]pagination.FetchFunc{
		"o1": paged(ingest.Page{Records: []ingest.Record{record("o1|i1", time.Time{}), record("o1|i2", time.Time{})}}),
		"o2": failing(&ingest.UpstreamError{StatusCode: 404, Class: ingest.ErrorClassClient}),
		"o3": paged(ingest.Page{Records: []ingest.Record{record("o3|i1", time.Time{})}}),
	}}
	h := newHarness(t, source, DefaultConfig())

	stats, err := h.orch.ProcessOrderItems(context.Background(), []string{"o1", "o2", "o3"})
	if err != nil {
		t.Fatalf("ProcessOrderItems() error = %v", err)
	}
	if stats.DataType != ingest.DataTypeOrderItems || stats.TotalProcessed != 3 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if n := len(h.repo.Rows("stage_order_items")); n != 3 {
		t.Errorf("staged items = %d, want 3", n)
	}
}
