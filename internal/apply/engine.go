// Package apply applies an accept or reject decision for an anchored edit
// request to a document surface and records the outcome on the request.
package apply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chronicle/anchoredit/internal/anchor"
	"chronicle/anchoredit/internal/annotation"
	"chronicle/anchoredit/internal/conflict"
	"chronicle/anchoredit/internal/document"
	"chronicle/anchoredit/internal/lifecycle"
	"chronicle/anchoredit/internal/util"
)

type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

type Outcome string

const (
	Applied Outcome = "APPLIED"
	Blocked Outcome = "BLOCKED"
	Failed  Outcome = "FAILED"
)

// Stage is the furthest point an apply reached.
type Stage string

const (
	StageStart           Stage = "START"
	StageAnchorResolved  Stage = "ANCHOR_RESOLVED"
	StageConflictChecked Stage = "CONFLICT_CHECKED"
	StageMutated         Stage = "MUTATED"
	StageVerified        Stage = "VERIFIED"
	StageStoreUpdated    Stage = "STORE_UPDATED"
)

// Config holds engine parameters. Zero values fall back to defaults.
type Config struct {
	Threshold     float64       `yaml:"threshold" validate:"gte=0,lte=1"`
	ContextWindow int           `yaml:"context_window" validate:"gte=0"`
	FlagDuration  time.Duration `yaml:"flag_duration" validate:"gte=0"`
	// Author is recorded on replies written by the engine.
	Author string `yaml:"author"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:     anchor.DefaultConfig().Threshold,
		ContextWindow: anchor.DefaultConfig().ContextWindow,
		FlagDuration:  3 * time.Second,
		Author:        "anchoredit",
	}
}

type Request struct {
	RequestID string
	Decision  Decision
	// Replacement defaults to the text proposed by the latest review reply.
	Replacement string
	// Reason is recorded on rejection.
	Reason string
}

type Result struct {
	RequestID    string
	DocumentID   string
	Decision     Decision
	Outcome      Outcome
	Stage        Stage
	Location     *anchor.Location
	Conflict     *conflict.Report
	Original     string
	Replacement  string
	ArchiveKey   string
	Warnings     []string
	Inconsistent bool
	// Degraded is set when the document changed but the record update was
	// exhausted; the record needs external reconciliation.
	Degraded bool
	// Record is the store's echo of the final record, when the update landed.
	Record *annotation.Record
}

// Archiver stores the pre-apply snapshot and returns a retrieval key.
type Archiver interface {
	Archive(ctx context.Context, documentID, requestID string, snapshot document.Snapshot) (string, error)
}

type Option func(*Engine)

func WithArchiver(archiver Archiver) Option {
	return func(e *Engine) { e.archiver = archiver }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSleep replaces the wait used while a conflicting span is flagged.
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// Engine applies decisions to a single document surface. It is not safe for
// concurrent use against the same document; callers serialize applies.
type Engine struct {
	surface  document.Surface
	client   *annotation.StateClient
	resolver *anchor.Resolver
	detector *conflict.Detector
	cfg      Config
	archiver Archiver
	log      *zap.Logger
	sleep    func(context.Context, time.Duration)
}

func NewEngine(surface document.Surface, client *annotation.StateClient, cfg Config, opts ...Option) *Engine {
	if cfg.Author == "" {
		cfg.Author = DefaultConfig().Author
	}
	e := &Engine{
		surface:  surface,
		client:   client,
		resolver: anchor.NewResolver(anchor.Config{Threshold: cfg.Threshold, ContextWindow: cfg.ContextWindow}),
		detector: conflict.NewDetector(),
		cfg:      cfg,
		log:      zap.NewNop(),
		sleep:    waitFor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs one decision to a terminal outcome. The error is an *Error
// whenever the outcome is not Applied; an Applied result may still carry
// warnings about degraded bookkeeping.
func (e *Engine) Apply(ctx context.Context, req Request) (Result, error) {
	result := Result{RequestID: req.RequestID, Decision: req.Decision, Stage: StageStart}

	if !util.ValidID(req.RequestID) {
		return failed(result, newError(KindInvalidInput, req.RequestID, "malformed request id", nil))
	}
	if req.Decision != Accept && req.Decision != Reject {
		return failed(result, newError(KindInvalidInput, req.RequestID, fmt.Sprintf("unknown decision %q", req.Decision), nil))
	}
	if err := ctx.Err(); err != nil {
		return failed(result, newError(KindCancelled, req.RequestID, "apply cancelled before start", err))
	}

	record, err := e.client.Store().Get(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, annotation.ErrNotFound) {
			return failed(result, newError(KindRecordNotFound, req.RequestID, "request record not found", err))
		}
		return failed(result, newError(KindStoreUpdateFailed, req.RequestID, "fetch request record", err))
	}
	result.DocumentID = record.DocumentID
	if record.Resolved {
		return failed(result, newError(KindAlreadyResolved, req.RequestID, "request already resolved", nil))
	}
	if strings.TrimSpace(record.QuotedText) == "" {
		return failed(result, newError(KindInvalidInput, req.RequestID, "request has no quoted text", nil))
	}

	if req.Decision == Reject {
		return e.reject(ctx, result, record, req.Reason)
	}
	return e.accept(ctx, result, record, req.Replacement)
}

func (e *Engine) reject(ctx context.Context, result Result, record annotation.Record, reason string) (Result, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "Rejected by reviewer."
	}
	update, err := e.client.UpdateRecord(ctx, record.ID, annotation.Desired{
		Content:  record.Content,
		Resolved: false,
		State:    annotation.StateRejected,
		Reply:    lifecycle.MarkerReply(annotation.StateRejected, reason),
		Author:   e.cfg.Author,
	})
	if err != nil {
		return failed(result, newError(KindStoreUpdateFailed, record.ID, "record rejection", err))
	}
	result.Outcome = Applied
	result.Stage = StageStoreUpdated
	result.Record = &update.Record
	return result, nil
}

func (e *Engine) accept(ctx context.Context, result Result, record annotation.Record, replacement string) (Result, error) {
	initial, err := document.Capture(ctx, e.surface)
	if err != nil {
		return blocked(result, newError(KindSurfaceUnavailable, record.ID, "capture initial snapshot", err))
	}

	loc, err := e.resolver.Resolve(ctx, e.surface, anchor.Request{
		QuotedText:    record.QuotedText,
		QuotedContext: record.QuotedContext,
		Hint:          anchor.ParseHint(record.AnchorHint),
	})
	if err != nil {
		return blocked(result, resolveError(record.ID, err))
	}
	result.Stage = StageAnchorResolved
	result.Location = &loc
	result.Original = loc.Text

	// From here the apply always reaches a terminal state.
	ctx = context.WithoutCancel(ctx)

	live, err := document.Capture(ctx, e.surface)
	if err != nil {
		return blocked(result, newError(KindSurfaceUnavailable, record.ID, "capture live snapshot", err))
	}
	report := e.detector.Detect(initial, live, conflict.Target{
		GlobalStart: loc.GlobalStart,
		GlobalEnd:   loc.GlobalEnd,
		Text:        loc.Text,
	})
	result.Conflict = &report
	if report.Blocks() {
		kind := KindConflictElsewhere
		if report.Status == conflict.ChangedInTarget {
			kind = KindConflictInTarget
		}
		e.flag(ctx, loc, kind)
		return blocked(result, newError(kind, record.ID, UserMessage(kind), nil).
			with("global_start", loc.GlobalStart).
			with("global_end", loc.GlobalEnd).
			with("live_start", report.LiveStart).
			with("first_change", report.FirstChange))
	}
	result.Stage = StageConflictChecked

	if replacement == "" {
		replacement, _ = lifecycle.ProposedText(record)
	}
	replacement = Sanitize(replacement)
	if replacement == "" {
		return failed(result, newError(KindEmptyReplacement, record.ID, UserMessage(KindEmptyReplacement), nil))
	}
	result.Replacement = replacement

	if e.archiver != nil {
		key, err := e.archiver.Archive(ctx, record.DocumentID, record.ID, initial)
		if err != nil {
			e.log.Warn("snapshot archive failed", zap.String("request_id", record.ID), zap.Error(err))
			result.Warnings = append(result.Warnings, "pre-apply snapshot was not archived: "+err.Error())
		} else {
			result.ArchiveKey = key
		}
	}

	before, err := e.surface.Container(ctx, loc.Container)
	if err != nil {
		return failed(result, newError(KindSurfaceUnavailable, record.ID, "read target container", err))
	}
	m := mutation{loc: loc, before: before, initial: initial, replacement: replacement}

	return e.mutate(ctx, result, record, m)
}

// mutation is everything the rollback routine needs to restore the document.
type mutation struct {
	loc         anchor.Location
	before      document.Container
	initial     document.Snapshot
	replacement string
}

func (m mutation) expected() string {
	return m.before.Text[:m.loc.Start] + m.replacement + m.before.Text[m.loc.End+1:]
}

func (e *Engine) mutate(ctx context.Context, result Result, record annotation.Record, m mutation) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			if res.Stage == StageStoreUpdated {
				panic(r)
			}
			res, err = e.rollback(ctx, res, m, newError(KindMutationFailed, record.ID, "apply aborted after mutation", fmt.Errorf("panic: %v", r)))
		}
	}()
	res = result

	if err := e.surface.DeleteRange(ctx, m.loc.Container, m.loc.Start, m.loc.End); err != nil {
		res.Stage = StageMutated
		return e.rollback(ctx, res, m, newError(KindMutationFailed, record.ID, "delete target span", err))
	}
	res.Stage = StageMutated
	if err := e.surface.InsertAt(ctx, m.loc.Container, m.loc.Start, m.replacement); err != nil {
		return e.rollback(ctx, res, m, newError(KindMutationFailed, record.ID, "insert replacement", err))
	}

	if verr := e.verify(ctx, m); verr != nil {
		verr.RequestID = record.ID
		return e.rollback(ctx, res, m, verr)
	}
	res.Stage = StageVerified

	update, uerr := e.client.UpdateRecord(ctx, record.ID, annotation.Desired{
		Content:  summary(record, m.loc.Text, m.replacement),
		Resolved: true,
		State:    annotation.StateAccepted,
		Reply:    lifecycle.MarkerReply(annotation.StateAccepted, "Change applied."),
		Author:   e.cfg.Author,
	})
	res.Outcome = Applied
	if uerr != nil {
		e.log.Warn("document updated but request record is stale",
			zap.String("request_id", record.ID),
			zap.String("document_id", record.DocumentID),
			zap.Error(uerr))
		res.Degraded = true
		res.Warnings = append(res.Warnings, "document updated but the request record could not be marked accepted: "+uerr.Error())
		return res, nil
	}
	res.Stage = StageStoreUpdated
	res.Record = &update.Record
	return res, nil
}

// verify checks that the container now holds exactly the replacement in
// place of the original span.
func (e *Engine) verify(ctx context.Context, m mutation) *Error {
	got, err := e.surface.ReadRange(ctx, m.loc.Container, m.loc.Start, m.loc.Start+len(m.replacement)-1)
	if err != nil {
		return newError(KindVerificationFailed, "", "read back replacement", err).
			with("expected_len", len(m.replacement))
	}
	if got != m.replacement {
		return newError(KindVerificationFailed, "", "replacement text mismatch", nil).
			with("expected_len", len(m.replacement)).
			with("actual_len", len(got)).
			with("start", m.loc.Start)
	}
	after, err := e.surface.Container(ctx, m.loc.Container)
	if err != nil {
		return newError(KindVerificationFailed, "", "read back container", err)
	}
	if want := m.expected(); after.Text != want {
		return newError(KindVerificationFailed, "", "container text mismatch", nil).
			with("expected_len", len(want)).
			with("actual_len", len(after.Text))
	}
	return nil
}

// rollback restores the original span after a failed mutation. It is the
// single recovery path for every post-mutation failure.
func (e *Engine) rollback(ctx context.Context, result Result, m mutation, cause *Error) (Result, error) {
	cause.with("container", int(m.loc.Container)).
		with("start", m.loc.Start).
		with("end", m.loc.End)

	if rerr := e.restore(ctx, m); rerr != nil {
		result.Inconsistent = true
		fatal := newError(KindInconsistent, cause.RequestID, UserMessage(KindInconsistent), errors.Join(cause, rerr))
		for k, v := range cause.Details {
			fatal.Details[k] = v
		}
		if result.ArchiveKey != "" {
			fatal.Details["archive_key"] = result.ArchiveKey
		}
		e.log.Error("rollback failed, document may be inconsistent",
			zap.String("request_id", cause.RequestID),
			zap.String("archive_key", result.ArchiveKey),
			zap.Error(fatal))
		return failed(result, fatal)
	}
	return failed(result, cause)
}

func (e *Engine) restore(ctx context.Context, m mutation) error {
	current, err := e.surface.Container(ctx, m.loc.Container)
	if err != nil {
		return fmt.Errorf("read container for rollback: %w", err)
	}
	// Bytes that replaced the original span, whatever was actually written.
	written := len(current.Text) - (len(m.before.Text) - m.loc.Len())
	if written > 0 {
		if err := e.surface.DeleteRange(ctx, m.loc.Container, m.loc.Start, m.loc.Start+written-1); err != nil {
			return fmt.Errorf("delete written text: %w", err)
		}
	}
	if err := e.surface.InsertAt(ctx, m.loc.Container, m.loc.Start, m.loc.Text); err != nil {
		return fmt.Errorf("reinsert original text: %w", err)
	}
	restored, err := document.Capture(ctx, e.surface)
	if err != nil {
		return fmt.Errorf("read document after rollback: %w", err)
	}
	if !restored.Equal(m.initial) {
		return fmt.Errorf("document differs from pre-apply snapshot after rollback (%d vs %d bytes)", len(restored.Text), len(m.initial.Text))
	}
	return nil
}

// flag marks the target span for FlagDuration when the surface supports it.
func (e *Engine) flag(ctx context.Context, loc anchor.Location, kind Kind) {
	flagger, ok := e.surface.(document.Flagger)
	if !ok || e.cfg.FlagDuration <= 0 {
		return
	}
	if text, err := e.surface.ReadRange(ctx, loc.Container, loc.Start, loc.End); err != nil || text != loc.Text {
		return
	}
	if err := flagger.Flag(ctx, loc.Container, loc.Start, loc.End, string(kind)); err != nil {
		return
	}
	e.sleep(ctx, e.cfg.FlagDuration)
	_ = flagger.ClearFlag(ctx, loc.Container, loc.Start, loc.End)
}

func resolveError(requestID string, err error) *Error {
	var aerr *anchor.Error
	if !errors.As(err, &aerr) {
		return newError(KindSurfaceUnavailable, requestID, "resolve anchor", err)
	}
	kind := KindAnchorNotFound
	switch {
	case errors.Is(err, anchor.ErrAmbiguous):
		kind = KindAnchorAmbiguous
	case errors.Is(err, anchor.ErrInvalidInput):
		kind = KindInvalidInput
	}
	return newError(kind, requestID, UserMessage(kind), err).
		with("candidates", aerr.Candidates).
		with("best_score", aerr.BestScore)
}

func summary(record annotation.Record, original, replacement string) string {
	return fmt.Sprintf("%s\n\n%s\nOriginal: %q\nNew: %q",
		strings.TrimSpace(record.Content), lifecycle.Marker(annotation.StateAccepted), original, replacement)
}

func blocked(result Result, err *Error) (Result, error) {
	result.Outcome = Blocked
	return result, err
}

func failed(result Result, err *Error) (Result, error) {
	result.Outcome = Failed
	return result, err
}

func waitFor(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
