package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoadPhase indicates the stage of an async load.
type LoadPhase string

const (
	PhaseStarting  LoadPhase = "starting"
	PhaseLoading   LoadPhase = "loading"
	PhaseComplete  LoadPhase = "complete"
	PhaseAborted   LoadPhase = "aborted"
	PhaseFailed    LoadPhase = "failed"
	PhaseCancelled LoadPhase = "cancelled"
)

// Finished reports whether the phase is terminal.
func (p LoadPhase) Finished() bool {
	switch p {
	case PhaseComplete, PhaseAborted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// LoadProgress is the current state of an async load.
type LoadProgress struct {
	LoadID     string    `json:"loadId"`
	FileName   string    `json:"fileName"`
	Phase      LoadPhase `json:"phase"`
	Attempted  int       `json:"attempted"`
	Loaded     int       `json:"loaded"`
	Failed     int       `json:"failed"`
	Incomplete int       `json:"incomplete"`
	BytesRead  int64     `json:"bytesRead"`
	BytesTotal int64     `json:"bytesTotal"`
	Error      string    `json:"error,omitempty"`
}

// Percent returns byte-based progress (0-100), or 0 when the size is
// unknown. Finished loads report 100.
func (p LoadProgress) Percent() int {
	if p.Phase.Finished() {
		return 100
	}
	if p.BytesTotal <= 0 {
		return 0
	}
	return int(min(p.BytesRead*100/p.BytesTotal, 100))
}

type activeLoad struct {
	id       string
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	progress  LoadProgress
	result    *BulkLoadResult
	err       error
	listeners []chan LoadProgress
}

func newActiveLoad(id string, src Source, cancel context.CancelFunc) *activeLoad {
	return &activeLoad{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		progress: LoadProgress{
			LoadID:     id,
			FileName:   src.Name,
			Phase:      PhaseStarting,
			BytesTotal: src.Size,
		},
	}
}

// update applies fn to the progress and notifies listeners.
func (l *activeLoad) update(fn func(p *LoadProgress)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.progress)
	l.notifyProgress()
}

// notifyProgress sends the progress to every listener. Slow listeners miss
// intermediate updates. The caller holds l.mu.
func (l *activeLoad) notifyProgress() {
	for _, ch := range l.listeners {
		select {
		case ch <- l.progress:
		default:
		}
	}
}

// closeListeners closes every listener channel. The caller holds l.mu.
func (l *activeLoad) closeListeners() {
	for _, ch := range l.listeners {
		close(ch)
	}
	l.listeners = nil
}

func (l *activeLoad) onLoaderProgress(p LoaderProgress) {
	l.update(func(lp *LoadProgress) {
		lp.Attempted = p.Attempted
		lp.Loaded = p.Loaded
		lp.Failed = p.Failed
		lp.Incomplete = p.Incomplete
		lp.BytesRead = p.BytesRead
		if p.BytesTotal > 0 {
			lp.BytesTotal = p.BytesTotal
		}
	})
}

// complete records the outcome, sends the final progress and closes the
// listeners. Only the first call has an effect.
func (l *activeLoad) complete(res *BulkLoadResult, err error) {
	l.doneOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.result, l.err = res, err
		switch {
		case res != nil:
			l.progress.Phase = PhaseComplete
			if res.Status == LoadAborted {
				l.progress.Phase = PhaseAborted
			}
			l.progress.Attempted = res.RecordCount
			l.progress.Loaded = res.LoadedRecordCount
			l.progress.Failed = res.FailedRecordCount
			l.progress.Incomplete = res.IncompleteRecordCount
		case errors.Is(err, context.Canceled):
			l.progress.Phase = PhaseCancelled
			l.progress.Error = err.Error()
		default:
			l.progress.Phase = PhaseFailed
			if err != nil {
				l.progress.Error = err.Error()
			}
		}

		for _, ch := range l.listeners {
			sendFinal(ch, l.progress)
		}
		l.closeListeners()
		close(l.done)
	})
}

// sendFinal delivers the terminal progress, dropping the oldest buffered
// update when the listener is full. Only the owning load sends on ch.
func sendFinal(ch chan LoadProgress, p LoadProgress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// Load runs a LOAD invocation over src and waits for it to finish.
func (s *Service) Load(ctx context.Context, src Source, params LoadParams) (*BulkLoadResult, error) {
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
	return s.runLoad(ctx, uuid.New().String(), src, in, params, nil)
}

// StartLoad detects the format of src and starts the load in the
// background. Detection errors are returned directly. It takes ownership
// of src.Reader and closes it, if it is an io.Closer, once the load ends.
// Use SubscribeProgress and GetLoadResult to follow the load.
func (s *Service) StartLoad(ctx context.Context, src Source, params LoadParams) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		closeSource(src)
		return "", err
	}

	in, err := s.open(src)
	if err != nil {
		s.limiter.Release()
		closeSource(src)
		return "", err
	}

	id := uuid.New().String()
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LoadTimeout)
	load := newActiveLoad(id, src, cancel)

	s.mu.Lock()
	s.loads[id] = load
	s.mu.Unlock()

	go func() {
		defer s.limiter.Release()
		defer closeSource(src)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in load", "load_id", id, "source", src.Name, "panic", r)
				load.complete(nil, fmt.Errorf("internal error: %v", r))
				s.cleanup(id)
			}
		}()

		load.update(func(p *LoadProgress) { p.Phase = PhaseLoading })
		res, err := s.runLoad(loadCtx, id, src, in, params, load.onLoaderProgress)
		load.complete(res, err)
		s.cleanup(id)
	}()

	return id, nil
}

func (s *Service) runLoad(ctx context.Context, id string, src Source, in *Input, params LoadParams, onProgress func(LoaderProgress)) (*BulkLoadResult, error) {
	started := time.Now()
	opts := s.loadOptions(params)
	opts.OnProgress = onProgress

	loader := NewLoader(s.writer, s.logger.With("load_id", id, "source", src.Name))
	res, err := loader.Run(ctx, in, opts)
	if res != nil {
		res.LoadID = id
	}

	rec := newLoadRecord(ctx, id, src, started)
	rec.MediaType = in.Info.MediaType
	rec.Format = in.Info.Format
	rec.finish(res, err, time.Since(started))
	s.record(ctx, rec)

	return res, err
}

func closeSource(src Source) {
	if c, ok := src.Reader.(io.Closer); ok {
		_ = c.Close()
	}
}

func (s *Service) lookup(id string) (*activeLoad, error) {
	s.mu.RLock()
	load, ok := s.loads[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoadNotFound, id)
	}
	return load, nil
}

// SubscribeProgress returns a channel of progress updates for an async
// load. The current progress is sent first and the channel is closed when
// the load ends.
func (s *Service) SubscribeProgress(id string) (<-chan LoadProgress, error) {
	load, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan LoadProgress, 10)

	load.mu.Lock()
	defer load.mu.Unlock()

	ch <- load.progress
	if load.progress.Phase.Finished() {
		close(ch)
		return ch, nil
	}
	load.listeners = append(load.listeners, ch)
	return ch, nil
}

// CancelLoad cancels a running async load. Records already written stay.
func (s *Service) CancelLoad(id string) error {
	load, err := s.lookup(id)
	if err != nil {
		return err
	}
	load.cancel()
	return nil
}

// GetLoadResult waits for an async load to end and returns its outcome.
func (s *Service) GetLoadResult(ctx context.Context, id string) (*BulkLoadResult, error) {
	load, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-load.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	load.mu.Lock()
	defer load.mu.Unlock()
	return load.result, load.err
}

// GetLoadProgress returns the current progress without blocking.
func (s *Service) GetLoadProgress(id string) (LoadProgress, error) {
	load, err := s.lookup(id)
	if err != nil {
		return LoadProgress{}, err
	}
	load.mu.Lock()
	defer load.mu.Unlock()
	return load.progress, nil
}

// cleanup forgets a finished load after the retention period.
func (s *Service) cleanup(id string) {
	time.AfterFunc(s.cfg.ResultRetention, func() {
		s.mu.Lock()
		delete(s.loads, id)
		s.mu.Unlock()
	})
}
