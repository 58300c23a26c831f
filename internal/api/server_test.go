package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/checkpoint"
	"github.com/JakeFAU/continuous-crawler/internal/controller"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
)

type fakeEngine struct {
	mu       sync.Mutex
	phase    controller.Phase
	calls    []string
	buildErr error
	cpErr    error
	panicky  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{phase: controller.PhaseNascent}
}

func (f *fakeEngine) record(verb string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verb)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Status() controller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicky {
		panic("status exploded")
	}
	return controller.Status{Job: "job", Phase: f.phase}
}

func (f *fakeEngine) Build(context.Context) error {
	f.record("build")
	if f.buildErr != nil {
		return f.buildErr
	}
	f.set(controller.PhasePreparing)
	return nil
}

func (f *fakeEngine) Launch(context.Context) error {
	f.record("launch")
	if f.Status().Phase == controller.PhaseRunning {
		return fmt.Errorf("%w: can't relaunch running job", controller.ErrInvalidPhase)
	}
	f.set(controller.PhaseRunning)
	return nil
}

func (f *fakeEngine) Pause() error {
	f.record("pause")
	if f.Status().Phase != controller.PhaseRunning {
		return fmt.Errorf("%w: can't pause job in phase %s", controller.ErrInvalidPhase, f.Status().Phase)
	}
	f.set(controller.PhasePaused)
	return nil
}

func (f *fakeEngine) Unpause() error {
	f.record("unpause")
	f.set(controller.PhaseRunning)
	return nil
}

func (f *fakeEngine) Checkpoint(context.Context) (checkpoint.Metadata, error) {
	f.record("checkpoint")
	if f.cpErr != nil {
		return checkpoint.Metadata{}, f.cpErr
	}
	return checkpoint.Metadata{Name: "cp00001-20240301120000", Sequence: 1}, nil
}

func (f *fakeEngine) Terminate() error {
	f.record("terminate")
	f.set(controller.PhaseFinished)
	return nil
}

func (f *fakeEngine) Teardown(context.Context) error {
	f.record("teardown")
	f.set(controller.PhaseNascent)
	return nil
}

func (f *fakeEngine) ReportTo(reporter, kind string, w io.Writer) error {
	switch reporter {
	case controller.ReporterFrontier:
		_, err := fmt.Fprintf(w, "frontier %s report\n", kind)
		return err
	case controller.ReporterThreads:
		return controller.ErrNotBuilt
	default:
		return fmt.Errorf("unknown reporter %q", reporter)
	}
}

func (f *fakeEngine) QueueSummaries() []frontier.QueueSummary {
	return []frontier.QueueSummary{{Key: "com,example,", Pending: 3}}
}

func (f *fakeEngine) set(p controller.Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = p
}

type fakeLister struct {
	list []checkpoint.Metadata
	err  error
}

func (f fakeLister) List(context.Context) ([]checkpoint.Metadata, error) {
	return f.list, f.err
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServerVerbsDriveEngine(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	server := NewServer(engine, Options{}, zap.NewNop())

	for _, verb := range []string{"build", "launch", "pause", "unpause", "terminate", "teardown"} {
		rec := serve(t, server, http.MethodPost, "/v1/crawl/"+verb)
		require.Equal(t, http.StatusAccepted, rec.Code, verb)
		require.NotContains(t, decode(t, rec), "notice", verb)
	}
	require.Equal(t, []string{"build", "launch", "pause", "unpause", "terminate", "teardown"}, engine.Calls())
	require.Equal(t, controller.PhaseNascent, engine.Status().Phase)
}

func TestServerMisuseIsANotice(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	server := NewServer(engine, Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/crawl/pause")
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "NASCENT", body["phase"])
	assert.Contains(t, body["notice"], "can't pause job")
}

func TestServerBuildFailure(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.buildErr = errors.New("build job: open history: permission denied")
	server := NewServer(engine, Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/crawl/build")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission denied")
}

func TestServerCheckpoint(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	server := NewServer(engine, Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/crawl/checkpoint")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "cp00001-20240301120000", decode(t, rec)["name"])

	engine.cpErr = controller.ErrCheckpointInProgress
	rec = serve(t, server, http.MethodPost, "/v1/crawl/checkpoint")
	require.Equal(t, http.StatusConflict, rec.Code)

	engine.cpErr = fmt.Errorf("%w: can't checkpoint job in phase NASCENT", controller.ErrInvalidPhase)
	rec = serve(t, server, http.MethodPost, "/v1/crawl/checkpoint")
	require.Equal(t, http.StatusAccepted, rec.Code)

	engine.cpErr = errors.New("write frontier: disk full")
	rec = serve(t, server, http.MethodPost, "/v1/crawl/checkpoint")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerStatusAndQueues(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeEngine(), Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/crawl/phase")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NASCENT", decode(t, rec)["phase"])

	rec = serve(t, server, http.MethodGet, "/v1/crawl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job", decode(t, rec)["job"])

	rec = serve(t, server, http.MethodGet, "/v1/crawl/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "com,example,")
}

func TestServerReports(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeEngine(), Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/crawl/reports/frontier?kind=short")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "frontier short report\n", rec.Body.String())

	rec = serve(t, server, http.MethodGet, "/v1/crawl/reports/threads")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/crawl/reports/bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/crawl/reports")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Reporters []string            `json:"reporters"`
		Kinds     map[string][]string `json:"kinds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Contains(t, listing.Reporters, "threads")
	assert.Equal(t, []string{"standard", "short"}, listing.Kinds["frontier"])
	assert.Equal(t, []string{"standard"}, listing.Kinds["totals"])
}

func TestServerCheckpointList(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeEngine(), Options{}, zap.NewNop())
	rec := serve(t, server, http.MethodGet, "/v1/checkpoints")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	lister := fakeLister{list: []checkpoint.Metadata{{Name: "cp00002-20240301120130"}}}
	server = NewServer(newFakeEngine(), Options{Checkpoints: lister}, zap.NewNop())
	rec = serve(t, server, http.MethodGet, "/v1/checkpoints")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cp00002-20240301120130")

	server = NewServer(newFakeEngine(), Options{Checkpoints: fakeLister{err: errors.New("bucket gone")}}, zap.NewNop())
	rec = serve(t, server, http.MethodGet, "/v1/checkpoints")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeEngine(), Options{APIKey: "secret"}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/crawl/phase")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawl/phase", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/crawl/phase?api_key=secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code, "probes skip auth")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeEngine(), Options{MetricsPath: "/metrics"}, zap.NewNop())
	rec := serve(t, server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.panicky = true
	server := NewServer(engine, Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
