package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/me/kiln/pkg/model"
)

// FuzzCapacityInvariant drives the scheduler through arbitrary interleavings
// of submissions, registrations, receipts, completions and disconnects, and
// checks after every step that no worker holds more jobs than its capacity
// and that every job is either queued, in flight or terminal.
func FuzzCapacityInvariant(f *testing.F) {
	f.Add([]byte{0, 0, 1, 2, 3, 4, 0, 4, 0, 2, 0})
	f.Add([]byte{1, 0, 1, 1, 0, 0, 0, 0, 3, 4, 1, 2, 1, 3, 4, 0})
	f.Add([]byte{0, 1, 2, 3, 0, 1, 0, 2, 0, 1, 1, 3, 4, 0, 4, 1})

	f.Fuzz(func(t *testing.T, ops []byte) {
		s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
		defer s.Close()

		var (
			workers []*WorkerConn
			held    []*Assignment
			jobs    []*Job
		)
		arg := func(i *int) int {
			*i++
			if *i < len(ops) {
				return int(ops[*i])
			}
			return 0
		}

		for i := 0; i < len(ops); i++ {
			switch ops[i] % 5 {
			case 0:
				h, err := s.Submit("FROM scratch\n", "")
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				j, _ := h.Get()
				jobs = append(jobs, j)
			case 1:
				h, err := s.Register(t.Context(), WorkerSpec{Name: "fuzz", Capacity: 1 + arg(&i)%3})
				if err != nil {
					t.Fatalf("register: %v", err)
				}
				w, _ := h.Get()
				workers = append(workers, w)
			case 2:
				if len(workers) == 0 {
					continue
				}
				k := arg(&i) % len(workers)
				workers[k].Close()
				workers = append(workers[:k], workers[k+1:]...)
			case 3:
				for _, w := range workers {
					for drained := false; !drained; {
						select {
						case a, ok := <-w.Assignments():
							if !ok {
								drained = true
								continue
							}
							held = append(held, a)
						default:
							drained = true
						}
					}
				}
			case 4:
				if len(held) == 0 {
					continue
				}
				k := arg(&i) % len(held)
				a := held[k]
				held = append(held[:k], held[k+1:]...)
				outcome := model.Outcome{ExitCode: arg(&i) % 2}
				if err := a.Start(); err != nil && !errors.Is(err, ErrStaleAssignment) {
					t.Fatalf("start: %v", err)
				}
				if err := a.Complete(outcome); err != nil && !errors.Is(err, ErrStaleAssignment) {
					t.Fatalf("complete: %v", err)
				}
			}

			st := s.Stats()
			for _, w := range st.Workers {
				if len(w.Assigned) > w.Capacity || w.Free < 0 {
					t.Fatalf("worker %s holds %d jobs with capacity %d", w.ID, len(w.Assigned), w.Capacity)
				}
			}
			terminal := 0
			for _, j := range jobs {
				if j.State().IsTerminal() {
					terminal++
				}
			}
			if got := len(st.Queued) + st.InFlight + terminal; got != len(jobs) {
				t.Fatalf("queued %d + in flight %d + terminal %d != submitted %d",
					len(st.Queued), st.InFlight, terminal, len(jobs))
			}
			if len(st.Queued) > 0 {
				for _, w := range st.Workers {
					if w.Free > 0 {
						t.Fatalf("job %s queued while worker %s has %d free slots", st.Queued[0], w.ID, w.Free)
					}
				}
			}
		}
	})
}
