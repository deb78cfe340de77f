package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	mu      sync.Mutex
	records []LoadRecord
}

func (h *fakeHistory) SaveLoad(_ context.Context, rec LoadRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHistory) ListLoads(_ context.Context, limit int) ([]LoadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LoadRecord, 0, len(h.records))
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

func (h *fakeHistory) last(t *testing.T) LoadRecord {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.records)
	return h.records[len(h.records)-1]
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []LoadEvent
	err    error
}

func (n *fakeNotifier) LoadFinished(_ context.Context, ev LoadEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

// blockingWriter holds every write until its context ends.
type blockingWriter struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{started: make(chan struct{})}
}

func (w *blockingWriter) WriteRecord(ctx context.Context, _ Record) error {
	w.once.Do(func() { close(w.started) })
	<-ctx.Done()
	return ctx.Err()
}

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}

func csvSource(data string) Source {
	return Source{Name: "records.csv", MediaType: "text/csv", Size: int64(len(data)), Reader: strings.NewReader(data)}
}

func TestService_Analyze(t *testing.T) {
	svc := NewService(&fakeWriter{}, nil, nil, ServiceConfig{}, nil)

	a, err := svc.Analyze(context.Background(), csvSource("DATA_SOURCE,RECORD_ID\nA,1\nB,2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.RecordCount)
	assert.Equal(t, 0, svc.LimiterStatus().Active)

	_, err = svc.Analyze(context.Background(), Source{Name: "none"})
	assert.Equal(t, "FILE004", MapError(err).Code)
}

func TestService_LoadRecordsHistoryAndEvent(t *testing.T) {
	history := &fakeHistory{}
	notifier := &fakeNotifier{err: errors.New("nats down")}
	svc := NewService(&fakeWriter{}, history, notifier, ServiceConfig{}, nil)

	ctx := WithUserAgent(WithClientIP(context.Background(), "10.0.0.1"), "curl/8")
	res, err := svc.Load(ctx, csvSource(loadCSV(append(validRows(3), badRows(1)...))), LoadParams{})
	require.NoError(t, err, "notifier failures do not fail the load")

	assert.NotEmpty(t, res.LoadID)
	assert.Equal(t, LoadCompleted, res.Status)

	rec := history.last(t)
	assert.Equal(t, res.LoadID, rec.ID)
	assert.Equal(t, "records.csv", rec.FileName)
	assert.Equal(t, FormatCSV, rec.Format)
	assert.Equal(t, LoadCompleted, rec.Status)
	assert.Equal(t, 4, rec.RecordCount)
	assert.Equal(t, 1, rec.FailedRecordCount)
	assert.Equal(t, "10.0.0.1", rec.ClientIP)
	assert.Equal(t, "curl/8", rec.UserAgent)
	assert.Same(t, res, rec.Result)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, res.LoadID, notifier.events[0].LoadID)
	assert.Equal(t, 3, notifier.events[0].LoadedRecordCount)

	loads, err := svc.ListLoads(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, loads, 1)
}

func TestService_LoadPassesParameters(t *testing.T) {
	w := &fakeWriter{}
	svc := NewService(w, nil, nil, ServiceConfig{}, nil)

	res, err := svc.Load(context.Background(), csvSource("RECORD_ID\n1\nbad-2\nbad-3\n4\n"), LoadParams{
		Mapping: MappingTables{
			DataSource: Mapping{Default: CodeOf("TEST")},
			EntityType: Mapping{Default: CodeOf("GENERIC")},
		},
		MaxFailures: intPtr(1),
		Concurrency: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, LoadAborted, res.Status)
	assert.Equal(t, 1, res.FailedRecordCount)
	assert.Equal(t, 1, w.count())
}

func TestService_UnsupportedFormatIsReturnedBeforeLoading(t *testing.T) {
	history := &fakeHistory{}
	svc := NewService(&fakeWriter{}, history, nil, ServiceConfig{}, nil)

	src := &closeTracker{Reader: strings.NewReader("just some prose\n")}
	_, err := svc.StartLoad(context.Background(), Source{Name: "x", Reader: src}, LoadParams{})

	var ufe *UnsupportedFormatError
	require.ErrorAs(t, err, &ufe)
	assert.True(t, src.closed.Load())
	assert.Equal(t, 0, svc.LimiterStatus().Active)
	assert.Empty(t, history.records)
}

func TestService_StartLoad(t *testing.T) {
	history := &fakeHistory{}
	svc := NewService(&fakeWriter{}, history, nil, ServiceConfig{ProgressInterval: 1}, nil)

	data := loadCSV(validRows(20))
	src := &closeTracker{Reader: strings.NewReader(data)}
	id, err := svc.StartLoad(context.Background(), Source{Name: "async.csv", MediaType: "text/csv", Size: int64(len(data)), Reader: src}, LoadParams{})
	require.NoError(t, err)

	updates, err := svc.SubscribeProgress(id)
	require.NoError(t, err)

	res, err := svc.GetLoadResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, res.LoadID)
	assert.Equal(t, 20, res.LoadedRecordCount)

	var last LoadProgress
	for p := range updates {
		last = p
	}
	assert.Equal(t, PhaseComplete, last.Phase)
	assert.Equal(t, 20, last.Loaded)
	assert.Equal(t, 100, last.Percent())

	progress, err := svc.GetLoadProgress(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, progress.Phase)

	late, err := svc.SubscribeProgress(id)
	require.NoError(t, err)
	first, ok := <-late
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, first.Phase)
	_, ok = <-late
	assert.False(t, ok, "a finished load closes new subscriptions")

	assert.Equal(t, id, history.last(t).ID)
	require.Eventually(t, func() bool {
		return src.closed.Load() && svc.LimiterStatus().Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestService_CancelLoad(t *testing.T) {
	history := &fakeHistory{}
	w := newBlockingWriter()
	svc := NewService(w, history, nil, ServiceConfig{}, nil)

	id, err := svc.StartLoad(context.Background(), csvSource(loadCSV(validRows(5))), LoadParams{})
	require.NoError(t, err)

	select {
	case <-w.started:
	case <-time.After(time.Second):
		t.Fatal("load never reached the writer")
	}
	require.NoError(t, svc.CancelLoad(id))

	res, err := svc.GetLoadResult(context.Background(), id)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)

	progress, err := svc.GetLoadProgress(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, progress.Phase)
	assert.Equal(t, LoadCancelled, history.last(t).Status)

	require.NoError(t, svc.WaitForLoads(context.Background()))
}

func TestService_UnknownLoad(t *testing.T) {
	svc := NewService(&fakeWriter{}, nil, nil, ServiceConfig{}, nil)

	assert.ErrorIs(t, svc.CancelLoad("missing"), ErrLoadNotFound)
	_, err := svc.GetLoadResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrLoadNotFound)
	_, err = svc.SubscribeProgress("missing")
	assert.ErrorIs(t, err, ErrLoadNotFound)
	_, err = svc.GetLoadProgress("missing")
	assert.ErrorIs(t, err, ErrLoadNotFound)
}

func TestService_TooManyInvocations(t *testing.T) {
	w := newBlockingWriter()
	svc := NewService(w, nil, nil, ServiceConfig{MaxConcurrent: 1, MaxWait: 20 * time.Millisecond}, nil)

	id, err := svc.StartLoad(context.Background(), csvSource(loadCSV(validRows(2))), LoadParams{})
	require.NoError(t, err)
	<-w.started

	_, err = svc.Load(context.Background(), csvSource(loadCSV(validRows(2))), LoadParams{})
	assert.ErrorIs(t, err, ErrTooManyInvocations)

	require.NoError(t, svc.CancelLoad(id))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForLoads(ctx))
}

func TestService_ListLoadsWithoutHistory(t *testing.T) {
	svc := NewService(&fakeWriter{}, nil, nil, ServiceConfig{}, nil)
	loads, err := svc.ListLoads(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, loads)
}

func TestLoadProgress_Percent(t *testing.T) {
	assert.Equal(t, 0, LoadProgress{Phase: PhaseLoading}.Percent())
	assert.Equal(t, 50, LoadProgress{Phase: PhaseLoading, BytesRead: 5, BytesTotal: 10}.Percent())
	assert.Equal(t, 100, LoadProgress{Phase: PhaseLoading, BytesRead: 20, BytesTotal: 10}.Percent())
	assert.Equal(t, 100, LoadProgress{Phase: PhaseFailed}.Percent())
}
