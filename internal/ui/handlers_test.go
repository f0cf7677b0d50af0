package ui

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/kiln/pkg/model"
)

type fakeBackend struct {
	jobs    []model.JobInfo
	logs    map[string]string
	workers []model.WorkerInfo
	listErr error
	lastOpt model.ListOptions
}

func (f *fakeBackend) ListJobs(_ context.Context, opts model.ListOptions) ([]model.JobInfo, int, error) {
	f.lastOpt = opts
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var out []model.JobInfo
	for _, j := range f.jobs {
		if opts.State == "" || j.State == opts.State {
			out = append(out, j)
		}
	}
	lo, hi := opts.Window(len(out))
	return out[lo:hi], len(out), nil
}

func (f *fakeBackend) JobDetail(_ context.Context, id string) (model.JobInfo, []byte, error) {
	for _, j := range f.jobs {
		if j.ID == id {
			return j, []byte(f.logs[id]), nil
		}
	}
	return model.JobInfo{}, nil, errors.New("unknown job")
}

func (f *fakeBackend) Workers() []model.WorkerInfo { return f.workers }

func newTestUI(b Backend) http.Handler {
	r := chi.NewRouter()
	r.Route("/ui", New(b, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func testBackend() *fakeBackend {
	now := time.Now()
	done := now.Add(-time.Minute)
	return &fakeBackend{
		jobs: []model.JobInfo{
			{ID: "job-running", State: model.JobStateRunning, Attempt: 1, WorkerID: "w-1", CreatedAt: now, Descriptor: "FROM alpine"},
			{ID: "job-failed", State: model.JobStateFailed, Attempt: 2, CreatedAt: now.Add(-time.Hour), CompletedAt: &done,
				Result: &model.Result{Succeeded: false, ExitCode: 2, Detail: "exit code 2"}},
		},
		logs: map[string]string{
			"job-running": "#1 <load> Dockerfile\n",
			"job-failed":  "boom\n",
		},
		workers: []model.WorkerInfo{
			{ID: "w-1", Name: "builder-a", Hostname: "host-a", Capacity: 2, Free: 1, Assigned: []string{"job-running"}, ConnectedAt: now},
		},
	}
}

func TestHandleDashboard(t *testing.T) {
	w := get(t, newTestUI(testBackend()), "/ui/")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type=%q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"builder-a", "job-running", "job-failed", "1/2", "1 failed"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestHandleDashboard_BackendError(t *testing.T) {
	b := testBackend()
	b.listErr = errors.New("disk on fire")
	w := get(t, newTestUI(b), "/ui/")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status=%d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "disk on fire") {
		t.Error("internal error leaked into page")
	}
}

func TestHandleJobList_FilterAndPaginate(t *testing.T) {
	b := testBackend()
	h := newTestUI(b)

	w := get(t, h, "/ui/jobs/?state=FAILED&limit=500&offset=-3")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if b.lastOpt.State != model.JobStateFailed || b.lastOpt.Limit != 20 || b.lastOpt.Offset != 0 {
		t.Errorf("options = %+v", b.lastOpt)
	}
	body := w.Body.String()
	if !strings.Contains(body, "job-failed") || strings.Contains(body, "job-running") {
		t.Errorf("filter not applied:\n%s", body)
	}

	w = get(t, h, "/ui/jobs/?limit=1")
	body = w.Body.String()
	if !strings.Contains(body, "offset=1") {
		t.Errorf("expected a next page link:\n%s", body)
	}
}

func TestHandleJobDetail(t *testing.T) {
	h := newTestUI(testBackend())

	w := get(t, h, "/ui/jobs/job-running")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "#1 &lt;load&gt; Dockerfile") {
		t.Errorf("log not escaped or missing:\n%s", body)
	}
	if !strings.Contains(body, "/api/v1/sse/jobs/job-running/log?offset=21") {
		t.Errorf("live tail should resume at the rendered offset:\n%s", body)
	}

	w = get(t, h, "/ui/jobs/job-failed")
	body = w.Body.String()
	if strings.Contains(body, "EventSource") {
		t.Error("finished job should not tail")
	}
	if !strings.Contains(body, "exit code 2") {
		t.Errorf("missing result:\n%s", body)
	}
}

func TestHandleJobDetail_NotFound(t *testing.T) {
	w := get(t, newTestUI(testBackend()), "/ui/jobs/missing")
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", w.Code)
	}
}

func TestHandleWorkers_Empty(t *testing.T) {
	w := get(t, newTestUI(&fakeBackend{}), "/ui/workers")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "No workers connected.") {
		t.Error("expected empty-state message")
	}
}

func TestRenderTemplate_Unknown(t *testing.T) {
	if err := renderTemplate(io.Discard, "nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}
