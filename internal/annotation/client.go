package annotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig configures StateClient retries with exponential backoff and
// full jitter.
type RetryConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	// MaxJitter bounds the uniform jitter added to each delay: [0, MaxJitter).
	MaxJitter time.Duration `yaml:"max_jitter" validate:"min=0"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		MaxJitter:    time.Second,
	}
}

// Backoff is the delay before retry i (0-indexed), excluding jitter.
func (c RetryConfig) Backoff(i int) time.Duration {
	delay := c.InitialDelay
	for n := 0; n < i; n++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Desired is the record state an update must leave behind. Reply, when set,
// is appended as the newest reply unless it already is. A resolved record is
// only reopened when Reopen is set; otherwise the update fails with
// ErrResolved.
type Desired struct {
	Content  string
	Resolved bool
	Reopen   bool
	State    State
	Reply    string
	Author   string
}

// AttemptFailure describes one failed attempt.
type AttemptFailure struct {
	Attempt int           `json:"attempt"`
	Err     string        `json:"error"`
	Delay   time.Duration `json:"delay"`
}

// ErrVerification marks an attempt whose echoed record did not match.
var ErrVerification = errors.New("annotation update not reflected in store response")

// UpdateError is returned once all attempts are exhausted, or immediately
// when the record is missing or already resolved. The record may or may not have changed.
type UpdateError struct {
	ID       string
	Attempts int
	LastErr  error
	Failures []AttemptFailure
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update annotation %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.LastErr)
}

func (e *UpdateError) Unwrap() error { return e.LastErr }

// UpdateResult reports a successful update.
type UpdateResult struct {
	Record   Record
	Attempts int
	Elapsed  time.Duration
}

type ClientOption func(*StateClient)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) ClientOption {
	return func(c *StateClient) { c.sleep = sleep }
}

// WithJitter replaces the jitter source. It receives MaxJitter.
func WithJitter(jitter func(time.Duration) time.Duration) ClientOption {
	return func(c *StateClient) { c.jitter = jitter }
}

// WithAttemptHook is called after every attempt with its error (nil on
// success).
func WithAttemptHook(hook func(attempt int, err error)) ClientOption {
	return func(c *StateClient) { c.onAttempt = hook }
}

// StateClient writes lifecycle transitions to the annotation store and
// verifies them against the store's echo.
type StateClient struct {
	store     Store
	cfg       RetryConfig
	sleep     func(context.Context, time.Duration) error
	jitter    func(time.Duration) time.Duration
	onAttempt func(int, error)
	now       func() time.Time
}

func NewStateClient(store Store, cfg RetryConfig, opts ...ClientOption) *StateClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	c := &StateClient{
		store:  store,
		cfg:    cfg,
		sleep:  sleepContext,
		jitter: uniformJitter,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the underlying store for read paths.
func (c *StateClient) Store() Store {
	return c.store
}

// UpdateRecord drives the record to want, retrying failed attempts.
func (c *StateClient) UpdateRecord(ctx context.Context, id string, want Desired) (UpdateResult, error) {
	started := c.now()
	failures := make([]AttemptFailure, 0, c.cfg.MaxAttempts)
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		record, err := c.attempt(ctx, id, want)
		if c.onAttempt != nil {
			c.onAttempt(attempt, err)
		}
		if err == nil {
			return UpdateResult{Record: record, Attempts: attempt, Elapsed: c.now().Sub(started)}, nil
		}
		lastErr = err
		failure := AttemptFailure{Attempt: attempt, Err: err.Error()}

		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrResolved) {
			failures = append(failures, failure)
			return UpdateResult{}, &UpdateError{ID: id, Attempts: attempt, LastErr: err, Failures: failures}
		}
		if attempt == c.cfg.MaxAttempts {
			failures = append(failures, failure)
			break
		}

		failure.Delay = c.cfg.Backoff(attempt-1) + c.jitter(c.cfg.MaxJitter)
		failures = append(failures, failure)
		if err := c.sleep(ctx, failure.Delay); err != nil {
			return UpdateResult{}, &UpdateError{ID: id, Attempts: attempt, LastErr: err, Failures: failures}
		}
	}

	return UpdateResult{}, &UpdateError{ID: id, Attempts: c.cfg.MaxAttempts, LastErr: lastErr, Failures: failures}
}

func (c *StateClient) attempt(ctx context.Context, id string, want Desired) (Record, error) {
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("fetch record: %w", err)
	}

	action := ActionNone
	switch {
	case want.Resolved && !current.Resolved:
		action = ActionResolve
	case !want.Resolved && current.Resolved && want.Reopen:
		action = ActionReopen
	case !want.Resolved && current.Resolved:
		return Record{}, fmt.Errorf("%w: %s", ErrResolved, id)
	}
	needReply := strings.TrimSpace(want.Reply) != "" && !latestReplyIs(current, want.Reply)
	if needReply || action != ActionNone {
		if _, err := c.store.CreateReply(ctx, id, ReplyInput{Content: want.Reply, Action: action, Author: want.Author}); err != nil {
			return Record{}, fmt.Errorf("create reply: %w", err)
		}
	}

	content := want.Content
	state := want.State
	echo, err := c.store.Update(ctx, id, Patch{Content: &content, State: &state})
	if err != nil {
		return Record{}, fmt.Errorf("submit update: %w", err)
	}

	if echo.Content != want.Content || echo.Resolved != want.Resolved || echo.State != want.State {
		return Record{}, fmt.Errorf("%w: content match=%t resolved=%t (want %t) state=%s (want %s)",
			ErrVerification, echo.Content == want.Content, echo.Resolved, want.Resolved, echo.State, want.State)
	}
	return echo, nil
}

func latestReplyIs(record Record, content string) bool {
	latest, ok := record.LatestReply()
	return ok && latest.Content == content
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
