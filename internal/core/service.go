package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultLoadTimeout bounds a single invocation.
	DefaultLoadTimeout = 30 * time.Minute

	// DefaultResultRetention is how long a finished async load stays queryable.
	DefaultResultRetention = 5 * time.Minute

	historyTimeout = 10 * time.Second
)

// Source is one bulk input.
type Source struct {
	// Name identifies the input in history and logs (file name or URI).
	Name string

	// MediaType is the declared media type, possibly with a charset
	// parameter. Empty means sniff.
	MediaType string

	// Size is the raw byte size for progress, or 0 if unknown.
	Size int64

	Reader io.Reader
}

// LoadParams are the per-invocation parameters of a load.
type LoadParams struct {
	Mapping     MappingTables
	MaxFailures *int

	// Concurrency overrides the configured worker count when positive.
	Concurrency int
}

// Terminal states recorded in history for loads that produced no result.
const (
	LoadFailed    LoadStatus = "FAILED"
	LoadCancelled LoadStatus = "CANCELLED"
)

// LoadRecord is one entry of the load history.
type LoadRecord struct {
	ID                    string     `json:"id"`
	FileName              string     `json:"fileName"`
	MediaType             string     `json:"mediaType"`
	Format                Format     `json:"format"`
	Status                LoadStatus `json:"status"`
	RecordCount           int        `json:"recordCount"`
	LoadedRecordCount     int        `json:"loadedRecordCount"`
	FailedRecordCount     int        `json:"failedRecordCount"`
	IncompleteRecordCount int        `json:"incompleteRecordCount"`
	DurationMs            int64      `json:"durationMs"`
	Error                 string     `json:"error,omitempty"`
	ClientIP              string     `json:"clientIp,omitempty"`
	UserAgent             string     `json:"userAgent,omitempty"`
	StartedAt             time.Time  `json:"startedAt"`

	// Result is the full result when the load finished with one.
	Result *BulkLoadResult `json:"-"`
}

// LoadEvent is published when a load ends.
type LoadEvent struct {
	LoadID                string     `json:"loadId"`
	FileName              string     `json:"fileName"`
	Status                LoadStatus `json:"status"`
	RecordCount           int        `json:"recordCount"`
	LoadedRecordCount     int        `json:"loadedRecordCount"`
	FailedRecordCount     int        `json:"failedRecordCount"`
	IncompleteRecordCount int        `json:"incompleteRecordCount"`
	DurationMs            int64      `json:"durationMs"`
	Error                 string     `json:"error,omitempty"`
	FinishedAt            time.Time  `json:"finishedAt"`
}

// LoadHistory persists finished loads.
type LoadHistory interface {
	SaveLoad(ctx context.Context, rec LoadRecord) error
	ListLoads(ctx context.Context, limit int) ([]LoadRecord, error)
}

// Notifier announces finished loads.
type Notifier interface {
	LoadFinished(ctx context.Context, ev LoadEvent) error
}

// ServiceConfig holds the service-wide limits and loader defaults.
type ServiceConfig struct {
	MaxConcurrent   int
	MaxWait         time.Duration
	Lookahead       int
	LoadTimeout     time.Duration
	ResultRetention time.Duration

	Concurrency           int
	SingleWorkerThreshold int
	TopErrorLimit         int
	ProgressInterval      int
}

// Service runs ANALYZE and LOAD invocations against a RecordWriter. History
// and notifier are optional.
type Service struct {
	writer   RecordWriter
	history  LoadHistory
	notifier Notifier
	limiter  *InvocationLimiter
	cfg      ServiceConfig
	logger   *slog.Logger

	mu    sync.RWMutex
	loads map[string]*activeLoad
}

// NewService creates a Service. A nil logger uses slog.Default.
func NewService(writer RecordWriter, history LoadHistory, notifier Notifier, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = DefaultResultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		writer:   writer,
		history:  history,
		notifier: notifier,
		limiter:  NewInvocationLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		cfg:      cfg,
		logger:   logger,
		loads:    make(map[string]*activeLoad),
	}
}

// Analyze runs an ANALYZE invocation over src.
func (s *Service) Analyze(ctx context.Context, src Source) (*BulkDataAnalysis, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	in, err := s.open(src)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	analysis, err := Analyze(ctx, in)
	if err != nil {
		s.logger.Error("analyze failed", "source", src.Name, "error", err)
		return nil, err
	}

	s.logger.Info("analyze finished",
		"source", src.Name,
		"format", analysis.Format,
		"records", analysis.RecordCount,
		"malformed", analysis.MalformedRecordCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return analysis, nil
}

func (s *Service) open(src Source) (*Input, error) {
	if src.Reader == nil {
		return nil, fmt.Errorf("no file provided")
	}
	return OpenInput(src.Reader, src.MediaType, src.Size, s.cfg.Lookahead)
}

func (s *Service) loadOptions(params LoadParams) LoadOptions {
	opts := LoadOptions{
		Mapping:               params.Mapping,
		MaxFailures:           params.MaxFailures,
		Concurrency:           s.cfg.Concurrency,
		SingleWorkerThreshold: s.cfg.SingleWorkerThreshold,
		TopErrorLimit:         s.cfg.TopErrorLimit,
		ProgressInterval:      s.cfg.ProgressInterval,
	}
	if params.Concurrency > 0 {
		opts.Concurrency = params.Concurrency
	}
	return opts
}

// ListLoads returns the most recent loads, newest first. Without a history
// store it returns an empty list.
func (s *Service) ListLoads(ctx context.Context, limit int) ([]LoadRecord, error) {
	if s.history == nil {
		return []LoadRecord{}, nil
	}
	return s.history.ListLoads(ctx, limit)
}

// WaitForLoads blocks until every running invocation has finished.
func (s *Service) WaitForLoads(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// LimiterStatus reports the invocation limiter state.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// record saves the finished load to history and announces it. Failures
// here are logged and never change the load's outcome.
func (s *Service) record(ctx context.Context, rec LoadRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if s.history != nil {
		if err := s.history.SaveLoad(ctx, rec); err != nil {
			s.logger.Warn("save load history failed", "load_id", rec.ID, "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.LoadFinished(ctx, rec.event()); err != nil {
			s.logger.Warn("publish load event failed", "load_id", rec.ID, "error", err)
		}
	}
}

func newLoadRecord(ctx context.Context, id string, src Source, started time.Time) LoadRecord {
	return LoadRecord{
		ID:        id,
		FileName:  src.Name,
		MediaType: src.MediaType,
		ClientIP:  ClientIPFromContext(ctx),
		UserAgent: UserAgentFromContext(ctx),
		StartedAt: started,
	}
}

// finish fills the outcome of a load into rec.
func (rec *LoadRecord) finish(res *BulkLoadResult, err error, elapsed time.Duration) {
	rec.DurationMs = elapsed.Milliseconds()
	if res != nil {
		rec.MediaType = res.MediaType
		rec.Format = res.Format
		rec.Status = res.Status
		rec.RecordCount = res.RecordCount
		rec.LoadedRecordCount = res.LoadedRecordCount
		rec.FailedRecordCount = res.FailedRecordCount
		rec.IncompleteRecordCount = res.IncompleteRecordCount
		rec.Result = res
		return
	}
	rec.Status = LoadFailed
	if err != nil {
		if errors.Is(err, context.Canceled) {
			rec.Status = LoadCancelled
		}
		rec.Error = err.Error()
	}
}

func (rec LoadRecord) event() LoadEvent {
	return LoadEvent{
		LoadID:                rec.ID,
		FileName:              rec.FileName,
		Status:                rec.Status,
		RecordCount:           rec.RecordCount,
		LoadedRecordCount:     rec.LoadedRecordCount,
		FailedRecordCount:     rec.FailedRecordCount,
		IncompleteRecordCount: rec.IncompleteRecordCount,
		DurationMs:            rec.DurationMs,
		Error:                 rec.Error,
		FinishedAt:            rec.StartedAt.Add(time.Duration(rec.DurationMs) * time.Millisecond),
	}
}
