// Package orchestrator drives ingestion runs. A run splits its input into
// chunks (date windows or SKU groups), pages each chunk through the
// paginator, groups records into batches and writes them to staging. Chunk
// failures are counted and the run moves on; only setup failures abort it.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/batch"
	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/Sternrassler/sp-api-ingest/pkg/pagination"
	"github.com/Sternrassler/sp-api-ingest/pkg/staging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for runs.
var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_chunks_total",
		Help: "Total chunks processed by data type and status",
	}, []string{"data_type", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Run duration in seconds by data type",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"data_type"})

	runRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_run_records_total",
		Help: "Total records written to staging by data type",
	}, []string{"data_type"})
)

// Source builds the upstream fetches for each entity. *upstream.Client
// implements it.
type Source interface {
	Orders(start, end time.Time) pagination.FetchFunc
	OrderItems(orderID string) pagination.FetchFunc
	InventorySummaries() pagination.FetchFunc
	InventoryBySKU(skus []string) pagination.FetchFunc
}

// Endpoint labels used for rate limiting and metrics.
const (
	EndpointOrders     = "orders"
	EndpointOrderItems = "order_items"
	EndpointInventory  = "inventory"
)

// Config holds orchestrator configuration.
type Config struct {
	// BatchSize is the number of records per staging write.
	BatchSize int

	// OrderChunkDays is the date window size for order runs.
	OrderChunkDays int

	// ChunkDelay is the pause between chunks on top of the paginator's pacing.
	ChunkDelay time.Duration

	// DefaultLookback is the start of an incremental run without checkpoint.
	DefaultLookback time.Duration

	// KeyChunkSize caps SKUs per lookup in key-list mode (0 means BatchSize).
	KeyChunkSize int
}

// DefaultConfig returns 30 day order windows, a 2s pause between chunks and a
// 30 day lookback for the first incremental run.
func DefaultConfig() Config {
	return Config{
		BatchSize:       batch.DefaultSize,
		OrderChunkDays:  30,
		ChunkDelay:      2 * time.Second,
		DefaultLookback: 30 * 24 * time.Hour,
	}
}

// Orchestrator runs ingestion flows. Runs of different DataTypes may execute
// concurrently; runs of the same DataType exclude each other via the Locker.
type Orchestrator struct {
	source    Source
	paginator *pagination.Paginator
	store     *staging.Store
	locker    staging.Locker
	config    Config
	logger    zerolog.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(source Source, paginator *pagination.Paginator, store *staging.Store, locker staging.Locker, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if paginator == nil {
		return nil, fmt.Errorf("paginator is required")
	}
	if store == nil {
		return nil, fmt.Errorf("staging store is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %d)", cfg.BatchSize)
	}
	if cfg.OrderChunkDays <= 0 {
		return nil, fmt.Errorf("order chunk days must be > 0 (got %d)", cfg.OrderChunkDays)
	}
	if cfg.ChunkDelay < 0 || cfg.DefaultLookback < 0 || cfg.KeyChunkSize < 0 {
		return nil, fmt.Errorf("durations and key chunk size must be >= 0")
	}

	return &Orchestrator{
		source:    source,
		paginator: paginator,
		store:     store,
		locker:    locker,
		config:    cfg,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		sleep:     sleepContext,
	}, nil
}

// chunk is one unit of work inside a run.
type chunk struct {
	label    string
	endpoint string
	fetch    pagination.FetchFunc

	// single issues one fetch instead of walking the cursor chain.
	single bool

	// fallback is the checkpoint for batches whose records carry no timestamp.
	fallback time.Time
}

// run is a started run holding its lock.
type run struct {
	id       string
	dataType ingest.DataType
	mode     ingest.Mode
	stats    *ingest.Stats
	lock     staging.Lock
	started  time.Time
}

// ProcessOrders ingests orders created in [start, end) in APPEND mode. A zero
// end means now. The range is split into OrderChunkDays windows.
func (o *Orchestrator) ProcessOrders(ctx context.Context, start, end time.Time) (*ingest.Stats, error) {
	if end.IsZero() {
		end = o.now()
	}
	if start.IsZero() || start.After(end) {
		return nil, fmt.Errorf("invalid order range %s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	r, err := o.begin(ctx, ingest.DataTypeOrders, ingest.ModeAppend)
	if err != nil {
		return r.statsOrNil(), err
	}
	defer o.release(ctx, r)

	return o.execute(ctx, r, o.orderChunks(start, end)), nil
}

// ProcessOrdersIncremental ingests orders from the last checkpoint up to end.
// Without a checkpoint it starts DefaultLookback before end.
func (o *Orchestrator) ProcessOrdersIncremental(ctx context.Context, end time.Time) (*ingest.Stats, error) {
	if end.IsZero() {
		end = o.now()
	}

	r, err := o.begin(ctx, ingest.DataTypeOrders, ingest.ModeAppend)
	if err != nil {
		return r.statsOrNil(), err
	}
	defer o.release(ctx, r)

	start := end.Add(-o.config.DefaultLookback)
	if r.stats.Checkpoint != nil {
		start = *r.stats.Checkpoint
	}
	o.logger.Info().
		Str("run_id", r.id).
		Time("start", start).
		Time("end", end).
		Bool("from_checkpoint", r.stats.Checkpoint != nil).
		Msg("Incremental order run")

	return o.execute(ctx, r, o.orderChunks(start, end)), nil
}

func (o *Orchestrator) orderChunks(start, end time.Time) []chunk {
	windows := pagination.ChunkDates(start, end, o.config.OrderChunkDays)
	chunks := make([]chunk, len(windows))
	for i, w := range windows {
		chunks[i] = chunk{
			label:    fmt.Sprintf("orders %s..%s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)),
			endpoint: EndpointOrders,
			fetch:    o.source.Orders(w.Start, w.End),
			fallback: w.End,
		}
	}
	return chunks
}

// ProcessOrderItems ingests the line items of the given orders in APPEND
// mode, one chunk per order.
func (o *Orchestrator) ProcessOrderItems(ctx context.Context, orderIDs []string) (*ingest.Stats, error) {
	r, err := o.begin(ctx, ingest.DataTypeOrderItems, ingest.ModeAppend)
	if err != nil {
		return r.statsOrNil(), err
	}
	defer o.release(ctx, r)

	chunks := make([]chunk, 0, len(orderIDs))
	for _, id := range orderIDs {
		chunks = append(chunks, chunk{
			label:    "order items " + id,
			endpoint: EndpointOrderItems,
			fetch:    o.source.OrderItems(id),
		})
	}
	return o.executeWithDelay(ctx, r, chunks, o.paginator.Pause), nil
}

// ProcessInventory refreshes the inventory in REPLACE mode. With skus it
// looks them up in groups (one request per group); otherwise it pages
// through the full marketplace summary.
func (o *Orchestrator) ProcessInventory(ctx context.Context, skus []string) (*ingest.Stats, error) {
	r, err := o.begin(ctx, ingest.DataTypeInventory, ingest.ModeReplace)
	if err != nil {
		return r.statsOrNil(), err
	}
	defer o.release(ctx, r)

	if len(skus) == 0 {
		full := []chunk{{
			label:    "inventory summaries",
			endpoint: EndpointInventory,
			fetch:    o.source.InventorySummaries(),
		}}
		return o.execute(ctx, r, full), nil
	}

	size := o.config.BatchSize
	if o.config.KeyChunkSize > 0 && o.config.KeyChunkSize < size {
		size = o.config.KeyChunkSize
	}
	groups := pagination.ChunkKeys(skus, size)
	chunks := make([]chunk, len(groups))
	for i, g := range groups {
		chunks[i] = chunk{
			label:    fmt.Sprintf("inventory skus %d/%d", i+1, len(groups)),
			endpoint: EndpointInventory,
			fetch:    o.source.InventoryBySKU(g),
			single:   true,
		}
	}
	return o.executeWithDelay(ctx, r, chunks, o.paginator.Pause), nil
}

// begin obtains the DataType lock and reads the checkpoint. On error the
// returned run may be nil.
func (o *Orchestrator) begin(ctx context.Context, dataType ingest.DataType, mode ingest.Mode) (*run, error) {
	r := &run{id: o.newID(), dataType: dataType, mode: mode}
	r.stats = ingest.NewStats(r.id, dataType, mode)

	lock, err := o.locker.Obtain(ctx, dataType, r.id)
	if err != nil {
		o.logger.Warn().Err(err).Str("data_type", string(dataType)).Msg("Run rejected")
		return r, err
	}
	r.lock = lock

	checkpoint, ok, err := o.store.LastProcessedDate(ctx, dataType)
	if err != nil {
		o.release(ctx, r)
		return r, fmt.Errorf("read checkpoint for %s: %w", dataType, err)
	}
	if ok {
		r.stats.SetCheckpoint(checkpoint)
	}

	r.started = o.now()
	r.stats.StartedAt = r.started
	r.stats.State = ingest.RunRunning
	return r, nil
}

func (o *Orchestrator) release(ctx context.Context, r *run) {
	if r == nil || r.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.lock.Release(ctx); err != nil {
		o.logger.Error().Err(err).Str("run_id", r.id).Msg("Failed to release run lock")
	}
	r.lock = nil
}

func (r *run) statsOrNil() *ingest.Stats {
	if r == nil {
		return nil
	}
	return r.stats
}

func (o *Orchestrator) execute(ctx context.Context, r *run, chunks []chunk) *ingest.Stats {
	return o.executeWithDelay(ctx, r, chunks, func(ctx context.Context) error {
		if o.config.ChunkDelay <= 0 {
			return ctx.Err()
		}
		return o.sleep(ctx, o.config.ChunkDelay)
	})
}

// executeWithDelay processes chunks in order, calling delay between them.
// Cancellation is observed between chunks; the chunk that would have run
// next gets an ERROR control entry.
func (o *Orchestrator) executeWithDelay(ctx context.Context, r *run, chunks []chunk, delay func(context.Context) error) *ingest.Stats {
	log := o.logger.With().
		Str("run_id", r.id).
		Str("data_type", string(r.dataType)).
		Str("mode", string(r.mode)).
		Logger()
	log.Info().Int("chunks", len(chunks)).Msg("Run started")

	cancelled := false
	for i, c := range chunks {
		err := ctx.Err()
		if err == nil && i > 0 {
			err = delay(ctx)
		}
		if err != nil {
			o.interrupted(ctx, r, c, err)
			cancelled = true
			break
		}

		log.Info().
			Str("chunk", c.label).
			Int("index", i+1).
			Int("of", len(chunks)).
			Msg("Processing chunk")

		err = o.processChunk(ctx, r, c)
		r.stats.Chunks++
		if err != nil {
			if ctx.Err() != nil {
				o.interrupted(ctx, r, c, err)
				cancelled = true
				break
			}
			r.stats.Errors++
			chunksTotal.WithLabelValues(string(r.dataType), "error").Inc()
			log.Error().Err(err).Str("chunk", c.label).Msg("Chunk failed, continuing")
			continue
		}
		chunksTotal.WithLabelValues(string(r.dataType), "ok").Inc()
	}

	if r.mode == ingest.ModeReplace && !cancelled && r.stats.Errors == 0 && r.stats.TotalBatches == 0 {
		if err := o.replaceWithEmpty(ctx, r); err != nil {
			r.stats.Errors++
			log.Error().Err(err).Msg("Failed to archive previous snapshot")
		}
	}

	r.stats.Finish(o.now(), cancelled)
	runDuration.WithLabelValues(string(r.dataType)).Observe(r.stats.FinishedAt.Sub(r.started).Seconds())
	runRecordsTotal.WithLabelValues(string(r.dataType)).Add(float64(r.stats.TotalProcessed))

	event := log.Info()
	if r.stats.State != ingest.RunCompleted {
		event = log.Warn()
	}
	event.
		Str("state", string(r.stats.State)).
		Int("total_processed", r.stats.TotalProcessed).
		Int("duplicates_skipped", r.stats.DuplicatesSkipped).
		Int("total_batches", r.stats.TotalBatches).
		Int("errors", r.stats.Errors).
		Int("rejected", r.stats.Rejected).
		Int("discarded", r.stats.Discarded).
		Dur("duration", r.stats.FinishedAt.Sub(r.started)).
		Msg("Run finished")
	return r.stats
}

// processChunk fetches one chunk and writes its batches. Records buffered
// when the chunk fails are counted as discarded.
func (o *Orchestrator) processChunk(ctx context.Context, r *run, c chunk) error {
	flush := func(ctx context.Context, b ingest.Batch) error {
		res, err := o.store.Write(ctx, r.dataType, b, c.fallback)
		if err != nil {
			return err
		}
		r.stats.RecordBatch(res.BatchID, res.RecordsProcessed, res.DuplicatesSkipped, res.LastProcessedDate)
		return nil
	}
	batcher, err := batch.New(o.config.BatchSize, r.mode, r.id, flush)
	if err != nil {
		return err
	}

	handle := func(page ingest.Page) error {
		r.stats.Rejected += page.Rejected
		return batcher.Add(ctx, page.Records...)
	}

	if c.single {
		var page ingest.Page
		page, err = o.paginator.Fetch(ctx, c.endpoint, c.fetch, "")
		if err == nil {
			err = handle(page)
		}
	} else {
		_, err = o.paginator.Pages(ctx, c.endpoint, c.fetch, handle)
	}
	if err == nil {
		err = batcher.Close(ctx)
	}

	r.stats.Discarded += batcher.Discarded()
	if err != nil {
		r.stats.Discarded += batcher.Pending()
		return fmt.Errorf("%s: %w", c.label, err)
	}
	return nil
}

// replaceWithEmpty archives the staged rows of earlier runs when a REPLACE
// run completed cleanly without writing a batch.
func (o *Orchestrator) replaceWithEmpty(ctx context.Context, r *run) error {
	b := ingest.Batch{ID: o.newID(), RunID: r.id, Mode: ingest.ModeReplace}
	res, err := o.store.Replace(ctx, r.dataType, b, time.Time{})
	if err != nil {
		return err
	}
	r.stats.RecordBatch(res.BatchID, 0, 0, res.LastProcessedDate)
	o.logger.Info().
		Str("run_id", r.id).
		Str("data_type", string(r.dataType)).
		Int("archived", res.Archived).
		Msg("Empty snapshot replaced staged rows")
	return nil
}

func (o *Orchestrator) interrupted(ctx context.Context, r *run, c chunk, cause error) {
	chunksTotal.WithLabelValues(string(r.dataType), "cancelled").Inc()
	o.logger.Warn().
		Str("run_id", r.id).
		Str("chunk", c.label).
		Err(cause).
		Msg("Run cancelled")
	if err := o.store.RecordInterrupted(ctx, r.dataType, r.id, fmt.Errorf("%s: %w", c.label, cause)); err != nil {
		o.logger.Error().Err(err).Str("run_id", r.id).Msg("Failed to record interrupted chunk")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
