package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Upload retry policy. A failed upload keeps its bytes buffered and is
// retried; only a lost assignment stops the stream for good.
var (
	logRetryMin      = 200 * time.Millisecond
	logRetryMax      = 5 * time.Second
	logDrainAttempts = 8
	logBufferLimit   = 8 << 20
)

// logStreamer buffers build output and uploads it in order, when the buffer
// reaches size or every interval, whichever comes first. Uploads run on a
// background goroutine so a slow or failing server never blocks or fails
// the build's writes. Output beyond the buffer limit is dropped and the gap
// is noted in the log.
type logStreamer struct {
	ctx      context.Context
	upload   func(ctx context.Context, p []byte) error
	onFail   func(err error)
	size     int
	limit    int
	retryMin time.Duration
	retryMax time.Duration

	mu      sync.Mutex
	buf     []byte
	dropped int
	lost    error

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newLogStreamer(ctx context.Context, size int, interval time.Duration, upload func(context.Context, []byte) error, onFail func(error)) *logStreamer {
	l := &logStreamer{
		ctx:      ctx,
		upload:   upload,
		onFail:   onFail,
		size:     size,
		limit:    max(logBufferLimit, size),
		retryMin: logRetryMin,
		retryMax: logRetryMax,
		buf:      make([]byte, 0, size),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.loop(interval)
	return l
}

func (l *logStreamer) loop(interval time.Duration) {
	defer close(l.done)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var retry <-chan time.Time
	delay := l.retryMin
	for {
		select {
		case <-l.stop:
			return
		case <-tick:
			if retry != nil {
				continue
			}
		case <-l.kick:
			if retry != nil {
				continue
			}
		case <-retry:
			retry = nil
		}

		switch err := l.flush(); {
		case err == nil:
			delay = l.retryMin
		case errors.Is(err, ErrAssignmentLost):
			return
		default:
			retry = time.After(delay)
			delay = min(delay*2, l.retryMax)
		}
	}
}

// Write implements io.Writer. It only fails once the assignment is lost.
func (l *logStreamer) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.lost != nil {
		err := l.lost
		l.mu.Unlock()
		return 0, err
	}
	keep := min(max(l.limit-len(l.buf), 0), len(p))
	l.buf = append(l.buf, p[:keep]...)
	l.dropped += len(p) - keep
	full := len(l.buf) >= l.size
	l.mu.Unlock()

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// flush uploads everything buffered so far. On success the uploaded bytes
// leave the buffer; on failure they stay for the next attempt.
func (l *logStreamer) flush() error {
	l.mu.Lock()
	if l.lost != nil {
		l.mu.Unlock()
		return l.lost
	}
	n := len(l.buf)
	if n == 0 {
		l.mu.Unlock()
		return nil
	}
	chunk := make([]byte, n)
	copy(chunk, l.buf)
	l.mu.Unlock()

	err := l.upload(l.ctx, chunk)

	l.mu.Lock()
	if err != nil {
		lost := errors.Is(err, ErrAssignmentLost)
		if lost {
			l.lost = err
			l.buf = nil
		}
		l.mu.Unlock()
		if lost && l.onFail != nil {
			l.onFail(err)
		}
		return err
	}
	l.buf = append(l.buf[:0], l.buf[n:]...)
	// Drops only happen while the buffer is full, so the gap sits after
	// everything still buffered.
	if l.dropped > 0 {
		l.buf = fmt.Appendf(l.buf, "\n==> %d bytes of build output dropped while the log upload was failing\n", l.dropped)
		l.dropped = 0
	}
	l.mu.Unlock()
	return nil
}

func (l *logStreamer) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Close stops the background uploads and delivers whatever is buffered,
// retrying transient failures a bounded number of times. It returns the
// lost-assignment error, or an error describing undelivered output.
func (l *logStreamer) Close() error {
	close(l.stop)
	<-l.done

	delay := l.retryMin
	for attempt := 1; ; attempt++ {
		err := l.flush()
		switch {
		case errors.Is(err, ErrAssignmentLost):
			return err
		case err == nil:
			if l.pending() == 0 {
				return nil
			}
			continue
		case attempt >= logDrainAttempts:
			return fmt.Errorf("%d bytes of build output not delivered: %w", l.pending(), err)
		}

		select {
		case <-l.ctx.Done():
			return fmt.Errorf("%d bytes of build output not delivered: %w", l.pending(), err)
		case <-time.After(delay):
		}
		delay = min(delay*2, l.retryMax)
	}
}
