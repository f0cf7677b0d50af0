package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/kiln/internal/config"
	"github.com/me/kiln/internal/handle"
	"github.com/me/kiln/internal/scheduler"
	"github.com/me/kiln/internal/server"
	"github.com/me/kiln/pkg/model"
)

// runtimeFunc adapts a function to the Runtime interface.
type runtimeFunc func(ctx context.Context, spec BuildSpec, out io.Writer) (int, error)

func (f runtimeFunc) Build(ctx context.Context, spec BuildSpec, out io.Writer) (int, error) {
	return f(ctx, spec, out)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	sched *scheduler.Scheduler
	ts    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith serves the API through wrap, when set.
func newHarnessWith(t *testing.T, wrap func(http.Handler) http.Handler) *harness {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.JobRetention = 0
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.LogPollTimeout = time.Second

	sched := scheduler.New(testLogger())
	var handler http.Handler = server.New(cfg, sched, testLogger())
	if wrap != nil {
		handler = wrap(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		sched.Close()
	})
	return &harness{sched: sched, ts: ts}
}

func (h *harness) workerConfig(t *testing.T, capacity int) config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.Server = h.ts.URL
	cfg.Name = "test-worker"
	cfg.Capacity = capacity
	cfg.Runtime = "shell"
	cfg.WorkDir = t.TempDir()
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.LogFlushSize = 16
	cfg.LogFlushInterval = 10 * time.Millisecond
	return cfg
}

// start runs the worker until the test ends.
func (h *harness) start(t *testing.T, cfg config.WorkerConfig, rt Runtime) {
	t.Helper()
	w := newWorker(cfg, NewClient(cfg.Server), rt, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (h *harness) submit(t *testing.T, descriptor string) *handle.Handle[*scheduler.Job] {
	t.Helper()
	jh, err := h.sched.Submit(descriptor, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	t.Cleanup(func() { jh.Release() })
	return jh
}

func waitResult(t *testing.T, jh *handle.Handle[*scheduler.Job]) (model.Result, string) {
	t.Helper()
	job, err := jh.Get()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := job.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v (state %s)", err, job.State())
	}
	log, _, _ := job.ReadLog(context.Background(), 0)
	return res, string(log)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker_RunsShellBuild(t *testing.T) {
	h := newHarness(t)
	h.start(t, h.workerConfig(t, 1), NewShellRuntime())

	ok := h.submit(t, "echo step one\necho step two\n")
	res, log := waitResult(t, ok)
	if !res.Succeeded {
		t.Fatalf("result = %+v, log:\n%s", res, log)
	}
	if !strings.Contains(log, "step one\nstep two\n==> build succeeded\n") {
		t.Errorf("log = %q", log)
	}

	bad := h.submit(t, "echo compiling\nfalse\necho unreachable\n")
	res, log = waitResult(t, bad)
	if res.Succeeded || res.ExitCode != 1 {
		t.Errorf("result = %+v, want exit 1", res)
	}
	if strings.Contains(log, "unreachable") {
		t.Errorf("sh -e did not stop at the failing command: %q", log)
	}
	if strings.Count(log, "==> build failed") != 1 {
		t.Errorf("log = %q, want exactly one failure line", log)
	}
}

func TestWorker_LogUploadHiccupIsNotABuildFailure(t *testing.T) {
	fastRetries(t)
	var rejected atomic.Bool
	h := newHarnessWith(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/log") && rejected.CompareAndSwap(false, true) {
				http.Error(w, "upstream busy", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	h.start(t, h.workerConfig(t, 1), NewShellRuntime())

	jh := h.submit(t, "echo first\nsleep 0.3\necho second\necho third\n")
	res, log := waitResult(t, jh)
	if !rejected.Load() {
		t.Fatal("no log upload was rejected")
	}
	if !res.Succeeded || res.ExitCode != 0 {
		t.Fatalf("result = %+v, want success; log:\n%s", res, log)
	}
	if !strings.Contains(log, "first\nsecond\nthird\n==> build succeeded\n") {
		t.Errorf("log = %q, want all output delivered once", log)
	}
	if strings.Count(log, "first\n") != 1 {
		t.Errorf("log = %q, want no duplicated output", log)
	}
}

func TestWorker_StartRejectedFailsJob(t *testing.T) {
	fastRetries(t)
	h := newHarnessWith(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/start") {
				http.Error(w, "upstream busy", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	var ran atomic.Bool
	h.start(t, h.workerConfig(t, 1), runtimeFunc(func(ctx context.Context, spec BuildSpec, out io.Writer) (int, error) {
		ran.Store(true)
		return 0, nil
	}))

	jh := h.submit(t, "FROM alpine\n")
	res, log := waitResult(t, jh)
	if ran.Load() {
		t.Error("build ran without being started")
	}
	if res.Succeeded || !strings.Contains(res.Detail, "start build") {
		t.Errorf("result = %+v, want a start failure", res)
	}
	if strings.Contains(log, "build started") || !strings.Contains(log, "==> build failed: start build") {
		t.Errorf("log = %q", log)
	}
}

func TestWorker_ConcurrentBuildsUpToCapacity(t *testing.T) {
	h := newHarness(t)

	var running, peak atomic.Int32
	release := make(chan struct{})
	rt := runtimeFunc(func(ctx context.Context, spec BuildSpec, out io.Writer) (int, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		fmt.Fprintf(out, "building %s\n", spec.JobID)
		select {
		case <-release:
			return 0, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	})
	h.start(t, h.workerConfig(t, 2), rt)

	jobs := []*handle.Handle[*scheduler.Job]{
		h.submit(t, "FROM a\n"), h.submit(t, "FROM b\n"), h.submit(t, "FROM c\n"),
	}
	waitFor(t, "two builds running", func() bool { return running.Load() == 2 })
	if s := h.sched.Stats(); len(s.Queued) != 1 {
		t.Errorf("queued = %v, want 1 job", s.Queued)
	}
	close(release)

	for _, jh := range jobs {
		res, log := waitResult(t, jh)
		job, _ := jh.Get()
		if !res.Succeeded || !strings.Contains(log, "building "+job.ID()+"\n") {
			t.Errorf("job %s: result=%+v log=%q", job.ID(), res, log)
		}
	}
	if p := peak.Load(); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}
}

func TestWorker_ReconnectsAfterDisconnect(t *testing.T) {
	h := newHarness(t)

	var attempts atomic.Int32
	rt := runtimeFunc(func(ctx context.Context, spec BuildSpec, out io.Writer) (int, error) {
		if attempts.Add(1) == 1 {
			// Hold the first attempt until the registration is dropped.
			<-ctx.Done()
			return -1, ctx.Err()
		}
		io.WriteString(out, "second attempt\n")
		return 0, nil
	})
	h.start(t, h.workerConfig(t, 1), rt)

	jh := h.submit(t, "FROM alpine\n")
	waitFor(t, "first attempt running", func() bool { return attempts.Load() == 1 })

	workers := h.sched.Workers()
	if len(workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(workers))
	}
	first := workers[0].ID
	req, _ := http.NewRequest(http.MethodDelete, h.ts.URL+"/api/v1/workers/"+first, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	res, log := waitResult(t, jh)
	if !res.Succeeded {
		t.Fatalf("result = %+v, log:\n%s", res, log)
	}
	if !strings.Contains(log, "worker "+first+" lost; job requeued") || !strings.Contains(log, "second attempt\n") {
		t.Errorf("log = %q", log)
	}
	job, _ := jh.Get()
	if info := job.Snapshot(); info.Attempt != 2 || info.WorkerID == first {
		t.Errorf("info = %+v, want attempt 2 on a new registration", info)
	}
}

func TestWorker_BacksOffWhenServerUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cfg := config.DefaultWorkerConfig()
	cfg.Server = ts.URL
	cfg.Runtime = "shell"
	cfg.WorkDir = t.TempDir()
	cfg.MinBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	w := newWorker(cfg, NewClient(ts.URL), NewShellRuntime(), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 5+10+20+20+... ms between attempts within 200ms.
	if n := calls.Load(); n < 3 || n > 20 {
		t.Errorf("registration attempts = %d", n)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultWorkerConfig()
	cfg.Capacity = 0
	if _, err := New(cfg, testLogger()); err == nil {
		t.Error("expected error for capacity 0")
	}
}
