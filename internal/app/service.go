package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"chronicle/anchoredit/internal/anchor"
	"chronicle/anchoredit/internal/annotation"
	"chronicle/anchoredit/internal/apply"
	"chronicle/anchoredit/internal/archive"
	"chronicle/anchoredit/internal/auth"
	"chronicle/anchoredit/internal/authpw"
	"chronicle/anchoredit/internal/config"
	"chronicle/anchoredit/internal/docrepo"
	"chronicle/anchoredit/internal/document"
	"chronicle/anchoredit/internal/events"
	"chronicle/anchoredit/internal/generate"
	"chronicle/anchoredit/internal/lease"
	"chronicle/anchoredit/internal/lifecycle"
	"chronicle/anchoredit/internal/metrics"
	"chronicle/anchoredit/internal/rbac"
	"chronicle/anchoredit/internal/search"
	"chronicle/anchoredit/internal/session"
	"chronicle/anchoredit/internal/store"
	"chronicle/anchoredit/internal/util"
)

type Session struct {
	UserID    string
	UserName  string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

type CreateRequestInput struct {
	Content       string `json:"content" validate:"required,max=4000"`
	QuotedText    string `json:"quotedText" validate:"required,max=4000"`
	QuotedContext string `json:"quotedContext" validate:"max=16000"`
	AnchorHint    string `json:"anchorHint" validate:"max=256"`
}

type ApplyInput struct {
	Decision    string `json:"decision" validate:"required,oneof=accept reject"`
	Replacement string `json:"replacement" validate:"max=16000"`
	Reason      string `json:"reason" validate:"max=2000"`
}

type SignInInput struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

type PutDocumentInput struct {
	Text    string `json:"text" validate:"max=1048576"`
	Message string `json:"message" validate:"max=500"`
}

// requestStore is the persistence the service needs beyond annotation.Store.
type requestStore interface {
	annotation.Store
	Create(ctx context.Context, input annotation.NewRecord) (annotation.Record, error)
	InsertOutcome(ctx context.Context, entry store.Outcome) (int64, error)
	ListOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]store.Outcome, error)
	Ping(ctx context.Context) error
}

type documentRepo interface {
	EnsureDocument(documentID, initial, author string) (bool, error)
	Head(documentID string) (string, docrepo.CommitInfo, error)
	Commit(documentID, text, author, message string) (docrepo.CommitInfo, error)
	History(documentID string, limit int) ([]docrepo.CommitInfo, error)
	TextAt(documentID, hash string) (string, error)
}

// snapshotArchiver stores pre-apply snapshots and reads them back.
type snapshotArchiver interface {
	apply.Archiver
	Fetch(ctx context.Context, key string) (document.Snapshot, error)
}

// Deps are the collaborators of a Service. Store, Docs and Locker are
// required; the rest may be nil.
type Deps struct {
	Store     requestStore
	Docs      documentRepo
	Locker    lease.Locker
	Sessions  session.Revocations
	Search    *search.Service
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Generator generate.Generator
	Archiver  snapshotArchiver
	Log       *zap.Logger
}

type Service struct {
	cfg        config.Config
	store      requestStore
	docs       documentRepo
	locker     lease.Locker
	sessions   session.Revocations
	search     *search.Service
	events     events.Publisher
	metrics    *metrics.Metrics
	generator  generate.Generator
	archiver   snapshotArchiver
	log        *zap.Logger
	passwords  *authpw.Service
	validate   *validator.Validate
	clientOpts []annotation.ClientOption
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		docs:      deps.Docs,
		locker:    deps.Locker,
		sessions:  deps.Sessions,
		search:    deps.Search,
		events:    deps.Events,
		metrics:   deps.Metrics,
		generator: deps.Generator,
		archiver:  deps.Archiver,
		log:       deps.Log,
		passwords: authpw.NewService(cfg.Users),
		validate:  validator.New(),
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.locker == nil {
		s.locker = lease.NewLocalLocker()
	}
	if s.sessions == nil {
		s.sessions = session.NewMemoryStore()
	}
	s.log = s.log.With(zap.String("module", "app"))
	if s.metrics != nil {
		s.clientOpts = append(s.clientOpts, annotation.WithAttemptHook(s.metrics.StoreAttemptHook))
	}
	return s
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the database and any networked lease or revocation backend.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	for _, dep := range []any{s.locker, s.sessions} {
		if p, ok := dep.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.Revoked(ctx, claims.ID)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, fmt.Errorf("token %s revoked: %w", claims.ID, auth.ErrInvalidToken)
	}
	session := Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     string(rbac.Normalize(claims.Role)),
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// SignIn exchanges a configured user's password for an access token.
func (s *Service) SignIn(ctx context.Context, input SignInInput) (string, Session, error) {
	if err := s.validate.Struct(input); err != nil {
		return "", Session{}, validationError(err)
	}
	if !s.passwords.Enabled() {
		return "", Session{}, domainError(http.StatusNotFound, "NOT_FOUND", "Password sign-in is not configured", nil)
	}
	user, err := s.passwords.SignIn(input.Username, input.Password)
	if err != nil {
		s.log.Info("sign-in failed", zap.String("username", input.Username))
		return "", Session{}, err
	}
	token, err := s.IssueToken(user.ID, user.Name, user.Role)
	if err != nil {
		return "", Session{}, err
	}
	current, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", Session{}, err
	}
	return token, current, nil
}

// RevokeSession rejects the session's token from now until it expires.
func (s *Service) RevokeSession(ctx context.Context, current Session) error {
	if err := s.sessions.Revoke(ctx, current.TokenID, current.UserID, current.ExpiresAt); err != nil {
		return err
	}
	s.log.Info("token revoked", zap.String("user_id", current.UserID), zap.String("token_id", current.TokenID))
	return nil
}

// IssueToken signs an access token for subject.
func (s *Service) IssueToken(subject, name, role string) (string, error) {
	return auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(subject, name, string(rbac.Normalize(role)), s.cfg.TokenTTL))
}

func (s *Service) stateClient() *annotation.StateClient {
	return annotation.NewStateClient(s.store, s.cfg.Retry, s.clientOpts...)
}

func (s *Service) newEngine(surface document.Surface) *apply.Engine {
	opts := []apply.Option{apply.WithLogger(s.log)}
	if s.archiver != nil {
		opts = append(opts, apply.WithArchiver(s.archiver))
	}
	return apply.NewEngine(surface, s.stateClient(), s.cfg.Engine, opts...)
}

func checkID(kind, id string) error {
	if !util.ValidID(id) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid "+kind+" id", map[string]any{kind + "Id": id})
	}
	return nil
}

// Documents

type DocumentView struct {
	ID      string             `json:"id"`
	Text    string             `json:"text"`
	Head    docrepo.CommitInfo `json:"head"`
	Version string             `json:"version,omitempty"`
}

// GetDocument returns the head text, or the text at version when one is given.
func (s *Service) GetDocument(_ context.Context, documentID, version string) (DocumentView, error) {
	if err := checkID("document", documentID); err != nil {
		return DocumentView{}, err
	}
	text, head, err := s.docs.Head(documentID)
	if err != nil {
		return DocumentView{}, err
	}
	view := DocumentView{ID: documentID, Text: text, Head: head}
	if version = strings.TrimSpace(version); version != "" {
		old, err := s.docs.TextAt(documentID, version)
		if err != nil {
			s.log.Debug("document version lookup failed", zap.String("document_id", documentID), zap.String("version", version), zap.Error(err))
			return DocumentView{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Document version not found", nil)
		}
		view.Text, view.Version = old, version
	}
	return view, nil
}

type SnapshotView struct {
	Key        string `json:"key"`
	DocumentID string `json:"documentId"`
	RequestID  string `json:"requestId"`
	Version    string `json:"version"`
	Text       string `json:"text"`
}

// Snapshot reads back the text archived before an apply mutated the document.
func (s *Service) Snapshot(ctx context.Context, documentID, key string) (SnapshotView, error) {
	if err := checkID("document", documentID); err != nil {
		return SnapshotView{}, err
	}
	if s.archiver == nil {
		return SnapshotView{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "No snapshot archive is configured", nil)
	}
	keyDocument, requestID, version, err := archive.ParseKey(key)
	if err != nil || keyDocument != documentID {
		return SnapshotView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid snapshot key", nil)
	}
	snapshot, err := s.archiver.Fetch(ctx, key)
	if err != nil {
		return SnapshotView{}, err
	}
	return SnapshotView{
		Key:        key,
		DocumentID: documentID,
		RequestID:  requestID,
		Version:    version,
		Text:       snapshot.Text,
	}, nil
}

// PutDocument creates the document or commits a new revision of its text.
// Direct writes share the apply lease so they never interleave with one.
func (s *Service) PutDocument(ctx context.Context, documentID string, input PutDocumentInput, actor string) (DocumentView, error) {
	if err := checkID("document", documentID); err != nil {
		return DocumentView{}, err
	}
	if err := s.validate.Struct(input); err != nil {
		return DocumentView{}, validationError(err)
	}
	held, err := s.locker.Acquire(ctx, lease.DocumentKey(documentID), s.cfg.LeaseTTL)
	if err != nil {
		return DocumentView{}, err
	}
	defer s.release(ctx, held)

	created, err := s.docs.EnsureDocument(documentID, input.Text, actor)
	if err != nil {
		return DocumentView{}, err
	}
	if !created {
		message := strings.TrimSpace(input.Message)
		if message == "" {
			message = "Update document"
		}
		if _, err := s.docs.Commit(documentID, input.Text, actor, message); err != nil {
			return DocumentView{}, err
		}
	}
	return s.GetDocument(ctx, documentID, "")
}

func (s *Service) DocumentHistory(_ context.Context, documentID string, limit int) ([]docrepo.CommitInfo, error) {
	if err := checkID("document", documentID); err != nil {
		return nil, err
	}
	return s.docs.History(documentID, limit)
}

// Requests

type RequestView struct {
	annotation.Record
	DerivedState annotation.State `json:"derivedState"`
	Instruction  string           `json:"instruction,omitempty"`
	ProposedText string           `json:"proposedText,omitempty"`
	Eligible     bool             `json:"eligible"`
}

func requestView(record annotation.Record) RequestView {
	view := RequestView{Record: record, DerivedState: lifecycle.Derive(record), Eligible: lifecycle.Eligible(record)}
	view.Instruction, _ = lifecycle.Instruction(record)
	view.ProposedText, _ = lifecycle.ProposedText(record)
	return view
}

func (s *Service) CreateRequest(ctx context.Context, documentID string, input CreateRequestInput, actor string) (RequestView, error) {
	if err := checkID("document", documentID); err != nil {
		return RequestView{}, err
	}
	if err := s.validate.Struct(input); err != nil {
		return RequestView{}, validationError(err)
	}
	if _, ok := lifecycle.Instruction(annotation.Record{Content: input.Content, QuotedText: input.QuotedText}); !ok {
		return RequestView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content must start with @ai or /ai", nil)
	}
	if _, _, err := s.docs.Head(documentID); err != nil {
		return RequestView{}, err
	}
	record, err := s.store.Create(ctx, annotation.NewRecord{
		DocumentID:    documentID,
		Content:       input.Content,
		QuotedText:    input.QuotedText,
		QuotedContext: input.QuotedContext,
		AnchorHint:    input.AnchorHint,
		Author:        actor,
	})
	if err != nil {
		return RequestView{}, err
	}
	s.indexRequest(record)
	return requestView(record), nil
}

func (s *Service) ListRequests(ctx context.Context, documentID string) ([]RequestView, error) {
	if err := checkID("document", documentID); err != nil {
		return nil, err
	}
	records, err := s.store.ListForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	views := make([]RequestView, 0, len(records))
	for _, record := range records {
		views = append(views, requestView(record))
	}
	return views, nil
}

type LocationView struct {
	Container   int     `json:"container"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	GlobalStart int     `json:"globalStart"`
	GlobalEnd   int     `json:"globalEnd"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
}

func locationView(loc *anchor.Location) *LocationView {
	if loc == nil {
		return nil
	}
	return &LocationView{
		Container:   int(loc.Container),
		Start:       loc.Start,
		End:         loc.End,
		GlobalStart: loc.GlobalStart,
		GlobalEnd:   loc.GlobalEnd,
		Text:        loc.Text,
		Score:       loc.Score,
	}
}

type EligibleView struct {
	RequestID   string           `json:"requestId"`
	State       annotation.State `json:"state"`
	Instruction string           `json:"instruction"`
	QuotedText  string           `json:"quotedText"`
	Location    *LocationView    `json:"location,omitempty"`
	ErrorCode   string           `json:"errorCode,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (s *Service) eligibleAnchors(ctx context.Context, documentID string) ([]apply.AnchorRequest, *document.Buffer, error) {
	if err := checkID("document", documentID); err != nil {
		return nil, nil, err
	}
	text, _, err := s.docs.Head(documentID)
	if err != nil {
		return nil, nil, err
	}
	records, err := s.store.ListForDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	buffer := document.NewBuffer(text)
	items, err := s.newEngine(buffer).ListEligibleAnchors(ctx, records)
	if err != nil {
		return nil, nil, err
	}
	return items, buffer, nil
}

func (s *Service) ListEligible(ctx context.Context, documentID string) ([]EligibleView, error) {
	items, _, err := s.eligibleAnchors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	views := make([]EligibleView, 0, len(items))
	for _, item := range items {
		view := EligibleView{
			RequestID:   item.Record.ID,
			State:       item.State,
			Instruction: item.Instruction,
			QuotedText:  item.Record.QuotedText,
			Location:    locationView(item.Location),
		}
		if item.Err != nil {
			view.ErrorCode = string(item.Kind)
			view.Error = apply.UserMessage(item.Kind)
		}
		views = append(views, view)
	}
	return views, nil
}

// Apply

type ApplyView struct {
	RequestID    string           `json:"requestId"`
	DocumentID   string           `json:"documentId"`
	Decision     string           `json:"decision"`
	Outcome      string           `json:"outcome"`
	Stage        string           `json:"stage"`
	Location     *LocationView    `json:"location,omitempty"`
	Conflict     string           `json:"conflict,omitempty"`
	Original     string           `json:"original,omitempty"`
	Replacement  string           `json:"replacement,omitempty"`
	ArchiveKey   string           `json:"archiveKey,omitempty"`
	CommitHash   string           `json:"commitHash,omitempty"`
	Warnings     []string         `json:"warnings"`
	Inconsistent bool             `json:"inconsistent"`
	Degraded     bool             `json:"degraded"`
	State        annotation.State `json:"state,omitempty"`
}

func applyView(result apply.Result, commitHash string) ApplyView {
	view := ApplyView{
		RequestID:    result.RequestID,
		DocumentID:   result.DocumentID,
		Decision:     string(result.Decision),
		Outcome:      string(result.Outcome),
		Stage:        string(result.Stage),
		Location:     locationView(result.Location),
		Original:     result.Original,
		Replacement:  result.Replacement,
		ArchiveKey:   result.ArchiveKey,
		CommitHash:   commitHash,
		Warnings:     result.Warnings,
		Inconsistent: result.Inconsistent,
		Degraded:     result.Degraded,
	}
	if view.Warnings == nil {
		view.Warnings = []string{}
	}
	if result.Conflict != nil {
		view.Conflict = string(result.Conflict.Status)
	}
	if result.Record != nil {
		view.State = lifecycle.Derive(*result.Record)
	}
	return view
}

// Apply runs one reviewer decision against the current head of the document
// and commits the new text when an accept lands. The returned error is a
// *DomainError whenever the outcome is not APPLIED.
func (s *Service) Apply(ctx context.Context, documentID, requestID string, input ApplyInput, actor string) (ApplyView, error) {
	if err := checkID("document", documentID); err != nil {
		return ApplyView{}, err
	}
	if err := checkID("request", requestID); err != nil {
		return ApplyView{}, err
	}
	if err := s.validate.Struct(input); err != nil {
		return ApplyView{}, validationError(err)
	}
	record, err := s.store.Get(ctx, requestID)
	if err != nil {
		return ApplyView{}, err
	}
	if record.DocumentID != documentID {
		return ApplyView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Request not found on this document", nil)
	}

	held, err := s.locker.Acquire(ctx, lease.DocumentKey(documentID), s.cfg.LeaseTTL)
	if err != nil {
		return ApplyView{}, err
	}
	defer s.release(ctx, held)
	// A request being generated cannot be decided until generation finishes.
	claim, err := s.locker.Acquire(ctx, lease.RequestKey(requestID), s.cfg.LeaseTTL)
	if err != nil {
		return ApplyView{}, err
	}
	defer s.release(ctx, claim)

	text, head, err := s.docs.Head(documentID)
	if err != nil {
		return ApplyView{}, err
	}

	started := time.Now()
	buffer := document.NewBuffer(text)
	result, applyErr := s.newEngine(buffer).Apply(ctx, apply.Request{
		RequestID:   requestID,
		Decision:    apply.Decision(input.Decision),
		Replacement: input.Replacement,
		Reason:      input.Reason,
	})

	commitHash := ""
	reconcile := result.Degraded
	if result.Outcome == apply.Applied && result.Decision == apply.Accept {
		commit, err := s.docs.Commit(documentID, buffer.String(), actor, fmt.Sprintf("Apply edit request %s", requestID))
		if err != nil {
			s.log.Error("commit applied text failed",
				zap.String("document_id", documentID), zap.String("request_id", requestID), zap.Error(err))
			result.Warnings = append(result.Warnings, "document revision was not saved: "+err.Error())
			reconcile = true
		} else {
			commitHash = commit.Hash
		}
	} else {
		commitHash = head.Hash
	}

	view := applyView(result, commitHash)
	s.recordOutcome(context.WithoutCancel(ctx), result, applyErr, view, actor, time.Since(started), reconcile)
	if applyErr != nil {
		return view, applyDomainError(applyErr, view)
	}
	return view, nil
}

func (s *Service) recordOutcome(ctx context.Context, result apply.Result, applyErr error, view ApplyView, actor string, elapsed time.Duration, reconcile bool) {
	entry := store.Outcome{
		RequestID:  result.RequestID,
		DocumentID: result.DocumentID,
		Decision:   string(result.Decision),
		Outcome:    string(result.Outcome),
		Warnings:   result.Warnings,
		CommitHash: view.CommitHash,
		ArchiveKey: result.ArchiveKey,
		DecidedBy:  actor,
	}
	var details map[string]any
	var applyErrTyped *apply.Error
	if errors.As(applyErr, &applyErrTyped) {
		entry.Kind = string(applyErrTyped.Kind)
		entry.Message = applyErrTyped.Error()
		details = applyErrTyped.Details
	}
	if entry.DocumentID == "" {
		entry.DocumentID = view.DocumentID
	}

	id, err := s.store.InsertOutcome(ctx, entry)
	if err != nil {
		s.log.Error("record apply outcome failed", zap.String("request_id", result.RequestID), zap.Error(err))
	}
	s.metrics.ObserveApply(entry.Decision, entry.Outcome, entry.Kind, elapsed)

	if s.search != nil {
		if err == nil {
			s.search.IndexOutcome(search.OutcomeRecord{
				ID:         fmt.Sprintf("%d", id),
				RequestID:  entry.RequestID,
				DocumentID: entry.DocumentID,
				Outcome:    entry.Outcome,
				Kind:       entry.Kind,
				Message:    entry.Message,
			})
		}
		if result.Record != nil {
			s.indexRequest(*result.Record)
		}
	}

	event := events.Event{
		Type:       outcomeEventType(result),
		DocumentID: entry.DocumentID,
		RequestID:  entry.RequestID,
		Kind:       entry.Kind,
		Message:    entry.Message,
		CommitHash: entry.CommitHash,
		ArchiveKey: entry.ArchiveKey,
		Details:    details,
		At:         time.Now().UTC(),
	}
	s.publish(ctx, event)
	if reconcile {
		event.Type = events.TypeReconcile
		event.Details = map[string]any{"warnings": result.Warnings}
		s.publish(ctx, event)
	}
}

func outcomeEventType(result apply.Result) events.Type {
	switch {
	case result.Inconsistent:
		return events.TypeInconsistent
	case result.Outcome == apply.Blocked:
		return events.TypeBlocked
	case result.Outcome == apply.Failed:
		return events.TypeFailed
	case result.Decision == apply.Reject:
		return events.TypeRejected
	default:
		return events.TypeApplied
	}
}

// Generation

type ProcessItem struct {
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	ProposedText string `json:"proposedText,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type ProcessSummary struct {
	DocumentID string        `json:"documentId"`
	Items      []ProcessItem `json:"items"`
}

const (
	processProposed = "proposed"
	processFailed   = "failed"
	processSkipped  = "skipped"
)

// ProcessEligible generates proposals for every eligible request on the
// document whose anchor still resolves. Each request is claimed, marked
// PROCESSING, then left PENDING_REVIEW with the proposal or REJECTED with
// the failure so it stays eligible for a later run.
func (s *Service) ProcessEligible(ctx context.Context, documentID string) (ProcessSummary, error) {
	if s.generator == nil {
		return ProcessSummary{}, domainError(http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE", "No text generation backend is configured", nil)
	}
	items, buffer, err := s.eligibleAnchors(ctx, documentID)
	if err != nil {
		return ProcessSummary{}, err
	}

	summary := ProcessSummary{DocumentID: documentID, Items: make([]ProcessItem, 0, len(items))}
	client := s.stateClient()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if item.Err != nil {
			summary.Items = append(summary.Items, ProcessItem{RequestID: item.Record.ID, Status: processSkipped, Reason: string(item.Kind)})
			continue
		}
		summary.Items = append(summary.Items, s.processOne(ctx, client, buffer, item))
	}
	return summary, nil
}

func (s *Service) processOne(ctx context.Context, client *annotation.StateClient, buffer *document.Buffer, item apply.AnchorRequest) ProcessItem {
	claim, err := s.locker.Acquire(ctx, lease.RequestKey(item.Record.ID), s.cfg.LeaseTTL)
	if err != nil {
		return ProcessItem{RequestID: item.Record.ID, Status: processSkipped, Reason: "claimed elsewhere"}
	}
	defer s.release(ctx, claim)

	// The listing may be stale by the time the claim is held.
	record, err := s.store.Get(ctx, item.Record.ID)
	if err != nil {
		return ProcessItem{RequestID: item.Record.ID, Status: processFailed, Reason: err.Error()}
	}
	if !lifecycle.Eligible(record) {
		return ProcessItem{RequestID: record.ID, Status: processSkipped, Reason: "no longer eligible (" + string(lifecycle.Derive(record)) + ")"}
	}

	if _, err := client.UpdateRecord(ctx, record.ID, annotation.Desired{
		Content: record.Content,
		State:   annotation.StateProcessing,
		Reply:   lifecycle.MarkerReply(annotation.StateProcessing, "Generating a proposal."),
		Author:  s.cfg.Engine.Author,
	}); err != nil {
		s.log.Warn("mark processing failed", zap.String("request_id", record.ID), zap.Error(err))
		return ProcessItem{RequestID: record.ID, Status: processFailed, Reason: err.Error()}
	}

	surrounding := record.QuotedContext
	if strings.TrimSpace(surrounding) == "" {
		if container, err := buffer.Container(ctx, item.Location.Container); err == nil {
			surrounding = container.Text
		}
	}
	proposal, genErr := s.generator.Generate(ctx, generate.Prompt{
		Instruction: item.Instruction,
		QuotedText:  record.QuotedText,
		Context:     surrounding,
	})
	s.metrics.ObserveGenerate(genErr)

	// The outcome must be recorded even if the caller went away mid-generation.
	ctx = context.WithoutCancel(ctx)
	state, body, status := annotation.StatePendingReview, proposal, processProposed
	if genErr == nil && strings.TrimSpace(proposal) == "" {
		genErr = generate.ErrEmptyResponse
	}
	if genErr != nil {
		s.log.Warn("generation failed", zap.String("request_id", record.ID), zap.Error(genErr))
		state, body, status = annotation.StateRejected, "Generation failed: "+genErr.Error(), processFailed
	}
	update, err := client.UpdateRecord(ctx, record.ID, annotation.Desired{
		Content: record.Content,
		State:   state,
		Reply:   lifecycle.MarkerReply(state, body),
		Author:  s.cfg.Engine.Author,
	})
	if errors.Is(err, annotation.ErrResolved) {
		s.log.Info("request resolved during generation", zap.String("request_id", record.ID))
		return ProcessItem{RequestID: record.ID, Status: processSkipped, Reason: "resolved during generation"}
	}
	if err != nil {
		s.log.Error("record generation result failed", zap.String("request_id", record.ID), zap.Error(err))
		return ProcessItem{RequestID: record.ID, Status: processFailed, Reason: err.Error()}
	}
	s.indexRequest(update.Record)

	out := ProcessItem{RequestID: record.ID, Status: status}
	if genErr != nil {
		out.Reason = genErr.Error()
		return out
	}
	out.ProposedText = proposal
	s.publish(ctx, events.Event{
		Type:       events.TypeProposed,
		DocumentID: record.DocumentID,
		RequestID:  record.ID,
		At:         time.Now().UTC(),
	})
	return out
}

// Outcomes and search

func (s *Service) ListOutcomes(ctx context.Context, documentID, outcome string, limit int) ([]store.Outcome, error) {
	if err := checkID("document", documentID); err != nil {
		return nil, err
	}
	return s.store.ListOutcomes(ctx, store.OutcomeFilter{DocumentID: documentID, Outcome: outcome, Limit: limit})
}

func (s *Service) Search(ctx context.Context, q, filterType, documentID string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(q) == "" {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	switch search.ResultType(filterType) {
	case "", search.ResultRequest, search.ResultOutcome:
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be request or outcome", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:       q,
		FilterType: search.ResultType(filterType),
		DocumentID: documentID,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func (s *Service) indexRequest(record annotation.Record) {
	if s.search == nil {
		return
	}
	s.search.IndexRequest(search.RequestRecord{
		ID:         record.ID,
		DocumentID: record.DocumentID,
		QuotedText: record.QuotedText,
		Content:    record.Content,
		State:      string(lifecycle.Derive(record)),
		Resolved:   record.Resolved,
	})
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("publish event failed", zap.String("type", string(event.Type)), zap.String("request_id", event.RequestID), zap.Error(err))
	}
}

func (s *Service) release(ctx context.Context, held *lease.Lease) {
	if err := held.Release(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("release lease failed", zap.String("key", held.Key), zap.Error(err))
	}
}
