package core

// loader.go implements the concurrent LOAD pipeline.
//
// A single producer goroutine pulls records from the extractor and hands
// them to a bounded pool of workers over an unbuffered channel. Each worker
// resolves the record's mapping, writes complete records through the
// RecordWriter and counts the outcome.
//
// Failures are tracked against a shared budget. After every record a
// worker re-reads the failure counter; once it reaches the budget the
// worker trips the abort flag. Workers check the flag before starting a
// record, so records already in flight still finish and the final failure
// count may overshoot the budget by up to concurrency-1.

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RecordWriter persists complete records. Implementations must be safe for
// concurrent use. An *EngineUnavailableError ends the whole load; any other
// error fails only the record being written.
type RecordWriter interface {
	WriteRecord(ctx context.Context, rec Record) error
}

const (
	// DefaultConcurrency is the worker count when none is configured.
	DefaultConcurrency = 4

	// DefaultSingleWorkerThreshold is the input size below which a load
	// runs on one worker.
	DefaultSingleWorkerThreshold = 1000

	// DefaultTopErrorLimit caps the per-record failure sample.
	DefaultTopErrorLimit = 10

	// DefaultProgressInterval is how many records pass between progress
	// callbacks.
	DefaultProgressInterval = 100
)

// LoaderProgress is a snapshot of a running load.
type LoaderProgress struct {
	Attempted  int
	Loaded     int
	Failed     int
	Incomplete int
	BytesRead  int64
	BytesTotal int64
}

// LoadOptions configures one load.
type LoadOptions struct {
	Mapping MappingTables

	// Concurrency is the worker count. Values below 1 use DefaultConcurrency.
	Concurrency int

	// MaxFailures is the failure budget. Nil or negative means unlimited.
	MaxFailures *int

	// SingleWorkerThreshold is the number of records prefetched before
	// deciding on the worker count. Inputs that end inside the prefetch
	// run on a single worker.
	SingleWorkerThreshold int

	TopErrorLimit    int
	ProgressInterval int

	// OnProgress is called from worker goroutines and must be safe for
	// concurrent use.
	OnProgress func(LoaderProgress)
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.SingleWorkerThreshold < 1 {
		o.SingleWorkerThreshold = DefaultSingleWorkerThreshold
	}
	if o.TopErrorLimit < 1 {
		o.TopErrorLimit = DefaultTopErrorLimit
	}
	if o.ProgressInterval < 1 {
		o.ProgressInterval = DefaultProgressInterval
	}
	return o
}

// failureLimit returns the failure count that trips the abort, or -1 when
// the budget is unlimited. A budget of zero aborts on the first failure.
func (o LoadOptions) failureLimit() int64 {
	if o.MaxFailures == nil || *o.MaxFailures < 0 {
		return -1
	}
	return int64(max(*o.MaxFailures, 1))
}

// Loader runs loads against a RecordWriter.
type Loader struct {
	writer RecordWriter
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil logger uses slog.Default.
func NewLoader(writer RecordWriter, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{writer: writer, logger: logger}
}

type workItem struct {
	seq int64
	rec RawRecord
	err error // *MalformedRecordError, if any
}

// loadRun is the shared state of one load.
type loadRun struct {
	writer RecordWriter
	opts   LoadOptions
	logger *slog.Logger
	in     *Input
	limit  int64

	stats  *loadAccumulator
	errors *errorSample

	attempted atomic.Int64
	failures  atomic.Int64
	aborted   atomic.Bool
	skipped   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// Run loads every record of in. It returns an error only for fatal
// conditions: an unreadable input, an unavailable engine or a cancelled
// context. Crossing the failure budget is not an error; it yields a result
// with status ABORTED.
func (l *Loader) Run(ctx context.Context, in *Input, opts LoadOptions) (*BulkLoadResult, error) {
	opts = opts.withDefaults()
	start := time.Now()

	run := &loadRun{
		writer: l.writer,
		opts:   opts,
		logger: l.logger,
		in:     in,
		limit:  opts.failureLimit(),
		stats:  newLoadAccumulator(),
		errors: newErrorSample(opts.TopErrorLimit),
		stop:   make(chan struct{}),
	}

	records := in.Records()
	buffered, exhausted, err := prefetch(records, opts.SingleWorkerThreshold)
	if err != nil {
		return nil, err
	}

	workers := opts.Concurrency
	if exhausted {
		workers = 1
	}
	l.logger.Debug("load started",
		"format", in.Info.Format,
		"workers", workers,
		"max_failures", run.limit,
	)

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan workItem)

	g.Go(func() error {
		defer close(work)
		return run.produce(gctx, records, buffered, exhausted, work)
	})
	for range workers {
		g.Go(func() error {
			return run.consume(gctx, work)
		})
	}

	if err := g.Wait(); err != nil {
		l.logger.Error("load failed",
			"error", err,
			"attempted", run.attempted.Load(),
			"failures", run.failures.Load(),
		)
		return nil, err
	}

	result := run.result(time.Since(start))
	l.logger.Info("load finished",
		"status", result.Status,
		"records", result.RecordCount,
		"loaded", result.LoadedRecordCount,
		"failed", result.FailedRecordCount,
		"incomplete", result.IncompleteRecordCount,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// readItem pulls the next record. ok is false at the end of input.
func readItem(records RecordReader, seq int64) (item workItem, ok bool, err error) {
	rec, err := records.Next()
	if err != nil {
		if err == io.EOF {
			return workItem{}, false, nil
		}
		var malformed *MalformedRecordError
		if errors.As(err, &malformed) {
			return workItem{seq: seq, rec: rec, err: err}, true, nil
		}
		return workItem{}, false, err
	}
	return workItem{seq: seq, rec: rec}, true, nil
}

// prefetch reads up to n records. exhausted reports that the input ended
// within them.
func prefetch(records RecordReader, n int) ([]workItem, bool, error) {
	items := make([]workItem, 0, n)
	for len(items) < n {
		item, ok, err := readItem(records, int64(len(items)))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return items, true, nil
		}
		items = append(items, item)
	}
	return items, false, nil
}

func (r *loadRun) produce(ctx context.Context, records RecordReader, buffered []workItem, exhausted bool, work chan<- workItem) error {
	for _, item := range buffered {
		if !r.send(ctx, work, item) {
			return ctx.Err()
		}
	}
	if exhausted {
		return nil
	}

	seq := int64(len(buffered))
	for {
		item, ok, err := readItem(records, seq)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		seq++
		if !r.send(ctx, work, item) {
			return ctx.Err()
		}
	}
}

// send hands an item to a worker. It returns false once the load is
// aborted or ctx is done; an item dropped by the abort is marked skipped.
func (r *loadRun) send(ctx context.Context, work chan<- workItem, item workItem) bool {
	select {
	case work <- item:
		return true
	case <-r.stop:
		r.skipped.Store(true)
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *loadRun) consume(ctx context.Context, work <-chan workItem) error {
	for item := range work {
		if r.aborted.Load() {
			r.skipped.Store(true)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.process(ctx, item); err != nil {
			return err
		}
		r.afterRecord()
	}
	return nil
}

func (r *loadRun) process(ctx context.Context, item workItem) error {
	res := Resolve(item.rec, r.opts.Mapping)

	if item.err != nil {
		r.fail(item, res, item.err)
		return nil
	}
	if res.Incomplete() {
		r.stats.record(item.seq, res, outcomeIncomplete)
		return nil
	}

	err := r.writer.WriteRecord(ctx, Record{
		Line:       item.rec.Line,
		DataSource: res.DataSource.Value,
		EntityType: res.EntityType.Value,
		RecordID:   item.rec.RecordID,
		Fields:     item.rec.Fields,
	})
	if err == nil {
		r.stats.record(item.seq, res, outcomeLoaded)
		return nil
	}
	if IsFatal(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var we *WriteError
	if !errors.As(err, &we) {
		err = &WriteError{Line: item.rec.Line, RecordID: item.rec.RecordID, Err: err}
	}
	r.fail(item, res, err)
	return nil
}

func (r *loadRun) fail(item workItem, res Resolution, err error) {
	r.failures.Add(1)
	r.stats.record(item.seq, res, outcomeFailed)
	r.errors.add(BulkLoadError{
		Line:       item.rec.Line,
		RecordID:   item.rec.RecordID,
		DataSource: res.DataSource,
		EntityType: res.EntityType,
		Code:       MapError(err).Code,
		Message:    err.Error(),
	})
}

func (r *loadRun) afterRecord() {
	n := r.attempted.Add(1)

	if r.limit >= 0 && r.failures.Load() >= r.limit {
		r.abort()
	}

	if r.opts.OnProgress != nil && n%int64(r.opts.ProgressInterval) == 0 {
		r.opts.OnProgress(r.progress())
	}
}

func (r *loadRun) abort() {
	r.stopOnce.Do(func() {
		r.aborted.Store(true)
		close(r.stop)
		r.logger.Warn("failure budget reached, stopping load",
			"failures", r.failures.Load(),
			"limit", r.limit,
		)
	})
}

func (r *loadRun) progress() LoaderProgress {
	total := r.stats.totals()
	return LoaderProgress{
		Attempted:  total.RecordCount,
		Loaded:     total.LoadedRecordCount,
		Failed:     total.FailedRecordCount,
		Incomplete: total.IncompleteRecordCount,
		BytesRead:  r.in.BytesRead(),
		BytesTotal: r.in.Size(),
	}
}

// status is ABORTED only when the budget tripped and at least one record
// was left unattempted.
func (r *loadRun) status() LoadStatus {
	if r.aborted.Load() && r.skipped.Load() {
		return LoadAborted
	}
	return LoadCompleted
}
