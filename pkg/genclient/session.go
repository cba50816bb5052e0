package genclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPollInterval matches the website's status timer.
const DefaultPollInterval = 15 * time.Second

type State string

const (
	StateIdle       State = "IDLE"
	StateSubmitting State = "SUBMITTING"
	StatePolling    State = "POLLING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
)

func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

var (
	ErrTaskPending      = errors.New("genclient: a task is already pending")
	ErrNoCredits        = errors.New("genclient: no credits left")
	ErrFreeLimitReached = errors.New("genclient: free generations used up")
	ErrNoTask           = errors.New("genclient: no task to wait for")
	ErrClosed           = errors.New("genclient: session closed")
	ErrMissingUsage     = errors.New("genclient: anonymous sessions need a usage counter")
)

const msgGenerationFailed = "Image generation failed"

// Result is the outcome of the tracked task.
type Result struct {
	State  State
	TaskID string
	Image  string
	Error  string
}

type SessionOptions struct {
	Client *Client
	// Store defaults to an in-memory slot.
	Store PendingStore
	// Usage gates anonymous submissions; required without an access token.
	Usage    *UsageCounter
	Interval time.Duration
	// OnPoll observes every status answer, GENERATING included.
	OnPoll func(*StatusResponse)
}

// Input is one generation request as the user enters it.
type Input struct {
	Prompt         string
	Size           string
	Images         []string
	TurnstileToken string
}

// Session tracks at most one task from submission to a terminal state:
// IDLE -> SUBMITTING -> POLLING -> SUCCEEDED | FAILED.
type Session struct {
	client   *Client
	store    PendingStore
	usage    *UsageCounter
	interval time.Duration
	onPoll   func(*StatusResponse)

	mu     sync.Mutex
	state  State
	result Result
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Client == nil {
		return nil, errors.New("genclient: client is required")
	}
	if opts.Usage == nil && !opts.Client.Authenticated() {
		return nil, ErrMissingUsage
	}
	store := opts.Store
	if store == nil {
		store = &MemoryPendingStore{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Session{
		client:   opts.Client,
		store:    store,
		usage:    opts.Usage,
		interval: interval,
		onPoll:   opts.OnPoll,
		state:    StateIdle,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Submit gates, submits and starts polling. A failed submission returns the
// session to IDLE; nothing is retried. Once the server has accepted the task
// it is always polled: a non-empty task id returned with an error means local
// bookkeeping (usage counter, pending record) failed, not the task.
func (s *Session) Submit(ctx context.Context, in Input) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.state == StateSubmitting || s.state == StatePolling {
		s.mu.Unlock()
		return "", ErrTaskPending
	}
	s.state = StateSubmitting
	s.result = Result{State: StateSubmitting}
	s.mu.Unlock()

	taskID, err := s.submit(ctx, in)
	if taskID == "" {
		s.mu.Lock()
		s.state = StateIdle
		s.result = Result{State: StateIdle, Error: err.Error()}
		s.mu.Unlock()
	}
	return taskID, err
}

func (s *Session) submit(ctx context.Context, in Input) (string, error) {
	if err := s.gate(ctx); err != nil {
		return "", err
	}
	resp, err := s.client.Submit(ctx, SubmitRequest{
		Images:         in.Images,
		Prompt:         in.Prompt,
		Size:           in.Size,
		TurnstileToken: in.TurnstileToken,
	})
	if err != nil {
		return "", err
	}

	var errs []error
	if !s.client.Authenticated() {
		if _, err := s.usage.Increment(); err != nil {
			errs = append(errs, fmt.Errorf("genclient: count free generation: %w", err))
		}
		// The server mirror is informational only.
		if visitorID, err := s.usage.VisitorID(); err == nil {
			_, _ = s.client.RecordUsage(ctx, visitorID)
		}
	}
	if err := s.store.Save(PendingTask{
		TaskID:         resp.TaskID,
		UploadedImages: in.Images,
		Prompt:         in.Prompt,
		Size:           in.Size,
	}); err != nil {
		errs = append(errs, fmt.Errorf("genclient: save pending task: %w", err))
	}

	s.mu.Lock()
	if s.closed {
		// Closed mid-submit: leave the record for a later Resume.
		s.state = StateIdle
		s.result = Result{State: StateIdle, TaskID: resp.TaskID}
		s.mu.Unlock()
		return resp.TaskID, errors.Join(append(errs, ErrClosed)...)
	}
	s.startPollingLocked(resp.TaskID)
	s.mu.Unlock()
	return resp.TaskID, errors.Join(errs...)
}

func (s *Session) gate(ctx context.Context) error {
	if s.client.Authenticated() {
		balance, err := s.client.Credits(ctx)
		if err != nil {
			return err
		}
		if balance <= 0 {
			return ErrNoCredits
		}
		return nil
	}
	ok, err := s.usage.Allowed()
	if err != nil {
		return err
	}
	if !ok {
		return ErrFreeLimitReached
	}
	return nil
}

// Resume picks up a task persisted by an earlier process. It reports false
// when the slot is empty. Records in an unknown layout are dropped.
func (s *Session) Resume() (bool, error) {
	rec, err := s.store.Load()
	if errors.Is(err, ErrUnsupportedVersion) {
		return false, s.store.Clear()
	}
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.state == StateSubmitting || s.state == StatePolling {
		return false, ErrTaskPending
	}
	s.startPollingLocked(rec.TaskID)
	return true, nil
}

// startPollingLocked moves to POLLING and starts the loop. s.mu must be held.
func (s *Session) startPollingLocked(taskID string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.state = StatePolling
	s.result = Result{State: StatePolling, TaskID: taskID}
	s.cancel = cancel
	s.done = done

	go s.poll(ctx, taskID, done)
}

// poll runs one status query per tick. A slow query delays the next tick
// instead of overlapping it.
func (s *Session) poll(ctx context.Context, taskID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := s.client.Status(ctx, taskID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.finish(Result{State: StateFailed, TaskID: taskID, Error: err.Error()})
			return
		}
		if s.onPoll != nil {
			s.onPoll(resp)
		}

		switch {
		case resp.Success && resp.Status == StatusGenerating:
			continue
		case resp.Success && resp.Status == StatusSuccess && resp.GeneratedImage != "":
			s.finish(Result{State: StateSucceeded, TaskID: taskID, Image: resp.GeneratedImage})
		default:
			msg := resp.Error
			if msg == "" {
				msg = msgGenerationFailed
			}
			s.finish(Result{State: StateFailed, TaskID: taskID, Error: msg})
		}
		return
	}
}

func (s *Session) finish(res Result) {
	// The task is over either way; a stale record would only replay it.
	_ = s.store.Clear()
	s.mu.Lock()
	s.state = res.State
	s.result = res
	s.mu.Unlock()
}

// Wait blocks until the tracked task reaches a terminal state, the session
// is closed or ctx ends.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	s.mu.Lock()
	done, state, res := s.done, s.state, s.result
	s.mu.Unlock()

	if state.Terminal() {
		return res, nil
	}
	if done == nil || state != StatePolling {
		return res, ErrNoTask
	}

	select {
	case <-ctx.Done():
		return s.Result(), ctx.Err()
	case <-done:
	}
	res = s.Result()
	if !res.State.Terminal() {
		return res, ErrClosed
	}
	return res, nil
}

// Close stops polling and waits for the loop to exit. A pending record is
// kept so a later Resume can continue.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
