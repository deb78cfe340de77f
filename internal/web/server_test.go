package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/bulkload/internal/config"
	"github.com/JonMunkholm/bulkload/internal/core"
)

// recordWriter rejects records whose ID starts with "bad" and reports the
// engine down for downID.
type recordWriter struct {
	mu      sync.Mutex
	written []core.Record
	downID  string
}

func (w *recordWriter) WriteRecord(_ context.Context, rec core.Record) error {
	if w.downID != "" && rec.RecordID.Value == w.downID {
		return &core.EngineUnavailableError{Err: errors.New("connection refused")}
	}
	if strings.HasPrefix(rec.RecordID.Value, "bad") {
		return errors.New("record rejected")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, rec)
	return nil
}

type resultStore map[string]*core.BulkLoadResult

func (s resultStore) GetLoadResult(_ context.Context, id string) (*core.BulkLoadResult, error) {
	if res, ok := s[id]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrLoadNotFound, id)
}

func testConfig() *config.Config {
	return &config.Config{
		Load: config.LoadConfig{
			MaxFileSize:   1 << 20,
			MaxConcurrent: 5,
			MaxWaitTime:   time.Second,
			Concurrency:   4,
			Timeout:       time.Minute,
		},
		Rate: config.RateLimitConfig{Enabled: false},
	}
}

func newTestServer(t *testing.T, w core.RecordWriter, cfg *config.Config, results ResultStore) *Server {
	t.Helper()
	svc := core.NewService(w, nil, nil, cfg.Load.ServiceConfig(), nil)
	srv := NewServer(svc, results, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.WaitForLoads(ctx)
		srv.Shutdown(ctx)
	})
	return srv
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func csvRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	return req
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02")

const peopleCSV = "DATA_SOURCE,ENTITY_TYPE,RECORD_ID\nCRM,PERSON,1\nCRM,PERSON,2\nERP,,3\n"

func TestHandleAnalyze_RawBody(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	rec := do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/analyze", peopleCSV))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a := decode[core.BulkDataAnalysis](t, rec)
	assert.Equal(t, 3, a.RecordCount)
	assert.Equal(t, 2, a.RecordsWithEntityType)
	assert.Equal(t, core.FormatCSV, a.Format)
	assert.Len(t, a.BySource, 2)
}

func TestHandleAnalyze_Multipart(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	part, err := mw.CreateFormFile("file", "people.jsonl")
	require.NoError(t, err)
	io.WriteString(part, `{"DATA_SOURCE":"CRM","RECORD_ID":"1"}`+"\n"+`{"DATA_SOURCE":"CRM","RECORD_ID":"2"}`+"\n")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/bulk-data/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a := decode[core.BulkDataAnalysis](t, rec)
	assert.Equal(t, 2, a.RecordCount)
	assert.Equal(t, core.FormatJSONLines, a.Format)
}

func TestHandleAnalyze_Errors(t *testing.T) {
	small := testConfig()
	small.Load.MaxFileSize = 16

	noFile := func() *http.Request {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("other", "x")
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/bulk-data/analyze", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req
	}

	binary := httptest.NewRequest(http.MethodPost, "/api/bulk-data/analyze", bytes.NewReader(pngHeader))
	binary.Header.Set("Content-Type", "application/octet-stream")

	tests := []struct {
		name   string
		cfg    *config.Config
		req    *http.Request
		status int
		code   string
	}{
		{name: "unsupported format", cfg: testConfig(), req: binary, status: http.StatusUnsupportedMediaType, code: "FMT002"},
		{name: "no file part", cfg: testConfig(), req: noFile(), status: http.StatusBadRequest, code: "FILE004"},
		{name: "body too large", cfg: small, req: csvRequest(http.MethodPost, "/api/bulk-data/analyze", peopleCSV), status: http.StatusRequestEntityTooLarge, code: "FILE001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &recordWriter{}, tt.cfg, nil)
			rec := do(t, srv, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestHandleLoad_Sync(t *testing.T) {
	w := &recordWriter{}
	srv := newTestServer(t, w, testConfig(), nil)

	rec := do(t, srv, csvRequest(http.MethodPost,
		"/api/bulk-data/load?entityType=GENERIC&mapDataSource=ERP:FINANCE", peopleCSV))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", rec.Header().Get(LoadStatusHeader))

	res := decode[core.BulkLoadResult](t, rec)
	assert.NotEmpty(t, res.LoadID)
	assert.Equal(t, 3, res.LoadedRecordCount)

	require.Len(t, w.written, 3)
	byID := map[string]core.Record{}
	for _, r := range w.written {
		byID[r.RecordID.Value] = r
	}
	assert.Equal(t, "FINANCE", byID["3"].DataSource)
	assert.Equal(t, "GENERIC", byID["3"].EntityType)
	assert.Equal(t, "PERSON", byID["1"].EntityType)
}

func TestHandleLoad_Aborted(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	body := "DATA_SOURCE,ENTITY_TYPE,RECORD_ID\nA,P,bad-1\nA,P,bad-2\nA,P,3\nA,P,4\n"
	rec := do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/load?maxFailures=1&concurrency=1", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABORTED", rec.Header().Get(LoadStatusHeader))

	res := decode[core.BulkLoadResult](t, rec)
	assert.Equal(t, 1, res.FailedRecordCount)
	assert.Equal(t, 0, res.LoadedRecordCount)
}

func TestHandleLoad_BadParameters(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	for _, query := range []string{
		"maxFailures=lots",
		"concurrency=0",
		"async=maybe",
		"mapDataSource=NOCOLON",
		"mapEntityTypes=%5B%5D",
	} {
		t.Run(query, func(t *testing.T) {
			rec := do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/load?"+query, peopleCSV))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "LOAD001", decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestHandleLoad_EngineUnavailable(t *testing.T) {
	srv := newTestServer(t, &recordWriter{downID: "2"}, testConfig(), nil)

	rec := do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/load?concurrency=1", peopleCSV))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ENG001", decode[ErrorResponse](t, rec).Code)
}

func TestHandleLoad_Async(t *testing.T) {
	w := &recordWriter{}
	srv := newTestServer(t, w, testConfig(), nil)

	rec := do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/load?async=true&entityType=X", peopleCSV))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[map[string]string](t, rec)["loadId"]
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/bulk-data/loads/"+id, rec.Header().Get("Location"))

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/"+id+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", rec.Header().Get(LoadStatusHeader))
	res := decode[core.BulkLoadResult](t, rec)
	assert.Equal(t, id, res.LoadID)
	assert.Equal(t, 3, res.LoadedRecordCount)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[progressResponse](t, rec)
	assert.Equal(t, core.PhaseComplete, progress.Phase)
	assert.Equal(t, 100, progress.Percent)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/"+id+"/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "id: 100\nevent: progress\n")
	assert.Contains(t, rec.Body.String(), "event: complete\n")
	assert.Contains(t, rec.Body.String(), `"phase":"complete"`)
}

func TestHandleLoad_AsyncUnsupportedFormat(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/bulk-data/load?async=1", bytes.NewReader(pngHeader))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := do(t, srv, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHandleLoadResult_FallsBackToStore(t *testing.T) {
	stored := &core.BulkLoadResult{LoadID: "old", Status: core.LoadAborted}
	srv := newTestServer(t, &recordWriter{}, testConfig(), resultStore{"old": stored})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/old/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABORTED", rec.Header().Get(LoadStatusHeader))

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/missing/result", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "LOAD003", decode[ErrorResponse](t, rec).Code)
}

func TestHandleUnknownLoad(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/nope", nil),
		httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/nope/progress", nil),
		httptest.NewRequest(http.MethodPost, "/api/bulk-data/loads/nope/cancel", nil),
		httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads/nope/result", nil),
	} {
		rec := do(t, srv, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, req.URL.Path)
	}
}

func TestHandleListLoadsAndStatus(t *testing.T) {
	srv := newTestServer(t, &recordWriter{}, testConfig(), nil)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/loads?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[core.LimiterStatus](t, rec)
	assert.Equal(t, 0, status.Active)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 100, LoadLimit: 1}
	srv := newTestServer(t, &recordWriter{}, cfg, nil)

	rec := do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/analyze", peopleCSV))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, csvRequest(http.MethodPost, "/api/bulk-data/analyze", peopleCSV))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE001", decode[ErrorResponse](t, rec).Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "the load limit only covers invocations")
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	srv := newTestServer(t, &recordWriter{}, cfg, nil)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/bulk-data/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/bulk-data/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = do(t, srv, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health checks skip auth")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{badRequest(errors.New("x")), http.StatusBadRequest},
		{errNoFile, http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{&core.UnsupportedFormatError{Reason: "no content"}, http.StatusUnsupportedMediaType},
		{core.ErrTooManyInvocations, http.StatusTooManyRequests},
		{&core.EngineUnavailableError{Err: errors.New("down")}, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: x", core.ErrLoadNotFound), http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRateLimiter_PerClientBucket(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	defer rl.stop()

	for i := range 3 {
		assert.True(t, rl.allow("192.0.2.1"), "request %d", i)
	}
	assert.False(t, rl.allow("192.0.2.1"))
	assert.True(t, rl.allow("192.0.2.2"), "other clients have their own bucket")

	assert.Equal(t, "20", rl.retryAfter())
	busy := newRateLimiter(100, time.Minute)
	defer busy.stop()
	assert.Equal(t, "1", busy.retryAfter())
}
