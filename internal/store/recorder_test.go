package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/kiln/pkg/model"
)

func TestRecorder_ArchivesEventsInOrder(t *testing.T) {
	st := testStore(t)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	rec := NewRecorder(st, logger, 4)

	job := sampleJob("job_rec")
	rec.JobChanged(model.JobEvent{Job: job})

	job.State = model.JobStateAssigned
	job.WorkerID = "wrk_1"
	job.Revision = 2
	rec.JobChanged(model.JobEvent{Job: job})

	job.State = model.JobStateSucceeded
	job.Revision = 3
	job.Result = &model.Result{Succeeded: true}
	rec.JobChanged(model.JobEvent{Job: job, Log: []byte("==> build succeeded\n")})

	connected := time.Now().UTC().Truncate(time.Millisecond)
	info := model.WorkerInfo{ID: "wrk_1", Name: "builder", Capacity: 1, ConnectedAt: connected}
	rec.WorkerChanged(model.WorkerEvent{Worker: info, Connected: true, Time: connected})
	rec.WorkerChanged(model.WorkerEvent{Worker: info, Connected: false, Time: connected.Add(time.Second)})
	rec.JobReleased(job.ID, connected.Add(2*time.Second))

	rec.Close()
	// Events after Close are dropped without blocking.
	rec.JobChanged(model.JobEvent{Job: sampleJob("job_late")})
	rec.Close()

	ctx := context.Background()
	got, err := st.GetJob(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Job.State != model.JobStateSucceeded {
		t.Errorf("state = %q, want succeeded", got.Job.State)
	}
	if string(got.Log) != "==> build succeeded\n" {
		t.Errorf("log = %q", got.Log)
	}
	if !got.Released {
		t.Error("expected released")
	}

	sessions, err := st.ListWorkerSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].DisconnectedAt == nil {
		t.Errorf("sessions = %+v, want one disconnected session", sessions)
	}

	if late, _ := st.GetJob(ctx, "job_late"); late != nil {
		t.Errorf("event after close was archived: %+v", late)
	}
}
