package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/me/kiln/pkg/model"
)

// ErrAssignmentLost is returned when the server no longer recognizes the
// worker or its assignment. The job has been requeued or finished elsewhere.
var ErrAssignmentLost = errors.New("assignment lost")

// Client communicates with the kiln server API on behalf of a worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; the registration stream is
	// long-lived and guarded by the heartbeat watchdog instead.
	streamClient *http.Client
}

// NewClient creates a new worker API client with connection pooling.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		streamClient: &http.Client{Transport: transport},
	}
}

// RegisterRequest describes the worker to the server.
type RegisterRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Capacity int    `json:"capacity"`
}

// Registration is the server's acknowledgement of a registration.
type Registration struct {
	WorkerID  string `json:"worker_id"`
	Capacity  int    `json:"capacity"`
	Heartbeat string `json:"heartbeat"`
}

// Register opens the registration stream. The worker stays registered until
// the returned Stream is closed or the connection drops.
func (c *Client) Register(ctx context.Context, reg RegisterRequest) (*Stream, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/workers/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	s := newStream(resp.Body)
	ev, err := s.next()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	if ev.name != "registered" {
		s.Close()
		return nil, fmt.Errorf("register: unexpected %q event", ev.name)
	}
	if err := json.Unmarshal(ev.data, &s.Registration); err != nil {
		s.Close()
		return nil, fmt.Errorf("register: decode registration: %w", err)
	}
	if hb, err := time.ParseDuration(s.Registration.Heartbeat); err == nil && hb > 0 {
		s.watch(3 * hb)
	}
	return s, nil
}

// Start reports that the build for jobID has begun.
func (c *Client) Start(ctx context.Context, workerID, jobID string) error {
	resp, err := c.doRequest(ctx, http.MethodPut, assignmentPath(workerID, jobID, "start"), "", nil)
	if err != nil {
		return fmt.Errorf("start %s: %w", jobID, err)
	}
	resp.Body.Close()
	return nil
}

// AppendLog uploads a chunk of build output.
func (c *Client) AppendLog(ctx context.Context, workerID, jobID string, p []byte) error {
	resp, err := c.doRequest(ctx, http.MethodPost, assignmentPath(workerID, jobID, "log"), "application/octet-stream", p)
	if err != nil {
		return fmt.Errorf("append log %s: %w", jobID, err)
	}
	resp.Body.Close()
	return nil
}

// Complete reports the build outcome.
func (c *Client) Complete(ctx context.Context, workerID, jobID string, outcome model.Outcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPut, assignmentPath(workerID, jobID, "complete"), "application/json", body)
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	resp.Body.Close()
	return nil
}

func assignmentPath(workerID, jobID, action string) string {
	return fmt.Sprintf("/api/v1/workers/%s/jobs/%s/%s", workerID, jobID, action)
}

// doRequest executes an HTTP request and returns the response.
func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkStatus consumes and closes the body of an error response.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()

	var envelope struct {
		Error *model.APIError `json:"error"`
	}
	respBody, _ := io.ReadAll(resp.Body)
	var err error = fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
		err = fmt.Errorf("HTTP %d: %w", resp.StatusCode, envelope.Error)
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return fmt.Errorf("%w: %w", ErrAssignmentLost, err)
	}
	return err
}

// Stream is an open registration. Next yields assignments in the order the
// server sent them.
type Stream struct {
	Registration Registration

	body   io.ReadCloser
	reader *bufio.Reader

	mu       sync.Mutex
	watchdog *time.Timer
	idle     time.Duration
}

type sseEvent struct {
	name string
	data []byte
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body)}
}

// watch closes the stream if nothing, not even a heartbeat, arrives within
// idle.
func (s *Stream) watch(idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = idle
	s.watchdog = time.AfterFunc(idle, func() { s.body.Close() })
}

func (s *Stream) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Reset(s.idle)
	}
}

// Next blocks until the server assigns a job. It returns io.EOF when the
// server ends the stream.
func (s *Stream) Next() (model.Assignment, error) {
	for {
		ev, err := s.next()
		if err != nil {
			return model.Assignment{}, err
		}
		if ev.name != "assign" {
			continue
		}
		var a model.Assignment
		if err := json.Unmarshal(ev.data, &a); err != nil {
			return model.Assignment{}, fmt.Errorf("decode assignment: %w", err)
		}
		return a, nil
	}
}

// next reads one event, skipping comments.
func (s *Stream) next() (sseEvent, error) {
	var ev sseEvent
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return sseEvent{}, err
		}
		s.touch()
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ev.name != "" || ev.data != nil {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if ev.data != nil {
				ev.data = append(ev.data, '\n')
			}
			ev.data = append(ev.data, data...)
		}
	}
}

// Close ends the registration.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.mu.Unlock()
	return s.body.Close()
}
