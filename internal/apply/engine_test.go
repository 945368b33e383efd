package apply

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/anchoredit/internal/annotation"
	"chronicle/anchoredit/internal/document"
	"chronicle/anchoredit/internal/lifecycle"
)

const sampleDoc = "First paragraph.\nThe quick brown fox jumps.\nLast line."

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	buffer *document.Buffer
	store  *annotation.MemoryStore
	record annotation.Record
}

func newFixture(t *testing.T, text string, input annotation.NewRecord) fixture {
	t.Helper()
	store := annotation.NewMemoryStore()
	if input.DocumentID == "" {
		input.DocumentID = "doc-1"
	}
	if input.Content == "" {
		input.Content = "@ai make it livelier"
	}
	record, err := store.Create(context.Background(), input)
	require.NoError(t, err)
	return fixture{buffer: document.NewBuffer(text), store: store, record: record}
}

func (f fixture) engine(surface document.Surface, store annotation.Store, opts ...Option) *Engine {
	if surface == nil {
		surface = f.buffer
	}
	if store == nil {
		store = f.store
	}
	client := annotation.NewStateClient(store, annotation.DefaultRetryConfig(), annotation.WithSleep(noSleep))
	cfg := DefaultConfig()
	cfg.FlagDuration = 0
	return NewEngine(surface, client, cfg, opts...)
}

func (f fixture) stored(t *testing.T) annotation.Record {
	t.Helper()
	record, err := f.store.Get(context.Background(), f.record.ID)
	require.NoError(t, err)
	return record
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var applyErr *Error
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, kind, applyErr.Kind, applyErr.Error())
	return applyErr
}

func TestAcceptReplacesSpanExactly(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	engine := f.engine(nil, nil)

	result, err := engine.Apply(context.Background(), Request{
		RequestID:   f.record.ID,
		Decision:    Accept,
		Replacement: "  slow red\r\nfox\x07 ",
	})
	require.NoError(t, err)

	assert.Equal(t, Applied, result.Outcome)
	assert.Equal(t, StageStoreUpdated, result.Stage)
	assert.Equal(t, "quick brown fox", result.Original)
	assert.Equal(t, "slow red\nfox", result.Replacement)
	assert.Equal(t, "First paragraph.\nThe slow red\nfox jumps.\nLast line.", f.buffer.String())

	got, err := f.buffer.ReadRange(context.Background(), result.Location.Container, result.Location.Start, result.Location.Start+len(result.Replacement)-1)
	require.NoError(t, err)
	assert.Equal(t, result.Replacement, got)

	record := f.stored(t)
	assert.True(t, record.Resolved)
	assert.Equal(t, annotation.StateAccepted, record.State)
	assert.Contains(t, record.Content, `Original: "quick brown fox"`)
	assert.Equal(t, annotation.StateAccepted, lifecycle.Derive(record))
}

func TestAcceptFallsBackToProposedText(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	_, err := f.store.CreateReply(context.Background(), f.record.ID, annotation.ReplyInput{
		Content: lifecycle.MarkerReply(annotation.StatePendingReview, "nimble fox"),
	})
	require.NoError(t, err)

	result, err := f.engine(nil, nil).Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept})
	require.NoError(t, err)
	assert.Equal(t, "nimble fox", result.Replacement)
	assert.Contains(t, f.buffer.String(), "The nimble fox jumps.")
}

func TestRejectIsIdempotent(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	engine := f.engine(nil, nil)

	for i := 0; i < 2; i++ {
		result, err := engine.Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Reject, Reason: "not now"})
		require.NoError(t, err)
		assert.Equal(t, Applied, result.Outcome)
		assert.Equal(t, sampleDoc, f.buffer.String())

		record := f.stored(t)
		assert.False(t, record.Resolved)
		assert.Equal(t, annotation.StateRejected, record.State)
		assert.Len(t, record.Replies, 1)
		assert.True(t, lifecycle.Eligible(record))
	}
}

func TestPreconditions(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	engine := f.engine(nil, nil)
	ctx := context.Background()

	_, err := engine.Apply(ctx, Request{RequestID: "bad id!", Decision: Accept})
	requireKind(t, err, KindInvalidInput)

	_, err = engine.Apply(ctx, Request{RequestID: f.record.ID, Decision: "maybe"})
	requireKind(t, err, KindInvalidInput)

	_, err = engine.Apply(ctx, Request{RequestID: "req_missing", Decision: Accept})
	requireKind(t, err, KindRecordNotFound)

	_, err = f.store.CreateReply(ctx, f.record.ID, annotation.ReplyInput{Content: "ok", Action: annotation.ActionResolve})
	require.NoError(t, err)
	result, err := engine.Apply(ctx, Request{RequestID: f.record.ID, Decision: Reject})
	requireKind(t, err, KindAlreadyResolved)
	assert.Equal(t, Failed, result.Outcome)
	assert.Equal(t, sampleDoc, f.buffer.String())
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine(nil, nil).Apply(ctx, Request{RequestID: f.record.ID, Decision: Accept, Replacement: "x"})
	requireKind(t, err, KindCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, sampleDoc, f.buffer.String())
}

func TestEmptyReplacementFailsWithoutMutation(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})

	result, err := f.engine(nil, nil).Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: " \x00\r\n "})
	requireKind(t, err, KindEmptyReplacement)
	assert.Equal(t, Failed, result.Outcome)
	assert.Equal(t, sampleDoc, f.buffer.String())
}

func TestAnchorFailuresBlock(t *testing.T) {
	missing := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "purple elephant"})
	result, err := missing.engine(nil, nil).Apply(context.Background(), Request{RequestID: missing.record.ID, Decision: Accept, Replacement: "x"})
	requireKind(t, err, KindAnchorNotFound)
	assert.Equal(t, Blocked, result.Outcome)

	ambiguous := newFixture(t, "alpha same beta\nzzzz same yyyy", annotation.NewRecord{
		QuotedText:    "same",
		QuotedContext: "completely unrelated surrounding words",
	})
	result, err = ambiguous.engine(nil, nil).Apply(context.Background(), Request{RequestID: ambiguous.record.ID, Decision: Accept, Replacement: "x"})
	applyErr := requireKind(t, err, KindAnchorAmbiguous)
	assert.Equal(t, Blocked, result.Outcome)
	assert.Equal(t, 2, applyErr.Details["candidates"])
	assert.Equal(t, "alpha same beta\nzzzz same yyyy", ambiguous.buffer.String())
}

// racingSurface edits the document right after the initial snapshot, the way
// a concurrent editor would.
type racingSurface struct {
	*document.Buffer
	edit  func(*document.Buffer)
	reads int
}

func (r *racingSurface) FullText(ctx context.Context) (string, error) {
	r.reads++
	if r.reads == 2 {
		r.edit(r.Buffer)
	}
	return r.Buffer.FullText(ctx)
}

func TestConflictsBlock(t *testing.T) {
	cases := []struct {
		name string
		edit func(*document.Buffer)
		kind Kind
		flag bool
	}{
		{
			name: "edit in another paragraph",
			edit: func(b *document.Buffer) { _ = b.InsertAt(context.Background(), 0, 0, "Note: ") },
			kind: KindConflictElsewhere,
			flag: true,
		},
		{
			name: "edit inside the span",
			edit: func(b *document.Buffer) { _ = b.DeleteRange(context.Background(), 1, 10, 15) },
			kind: KindConflictInTarget,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
			surface := &racingSurface{Buffer: f.buffer, edit: tc.edit}
			var flagged []string
			client := annotation.NewStateClient(f.store, annotation.DefaultRetryConfig(), annotation.WithSleep(noSleep))
			cfg := DefaultConfig()
			cfg.FlagDuration = time.Millisecond
			engine := NewEngine(surface, client, cfg, WithSleep(func(context.Context, time.Duration) {
				flagged = f.buffer.Flags()
			}))

			result, err := engine.Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: "REPLACED"})
			requireKind(t, err, tc.kind)
			assert.Equal(t, Blocked, result.Outcome)
			require.NotNil(t, result.Conflict)
			assert.True(t, result.Conflict.Blocks())
			assert.NotContains(t, f.buffer.String(), "REPLACED")
			assert.False(t, f.stored(t).Resolved)
			assert.Empty(t, f.buffer.Flags(), "flags are cleared")
			if tc.flag {
				assert.Equal(t, []string{string(tc.kind)}, flagged)
			} else {
				assert.Empty(t, flagged)
			}
		})
	}
}

// faultySurface corrupts InsertAt writes. With every set, rollback writes are
// corrupted too.
type faultySurface struct {
	*document.Buffer
	every   bool
	inserts int
}

func (s *faultySurface) InsertAt(ctx context.Context, ref document.ContainerRef, offset int, text string) error {
	s.inserts++
	if s.every || s.inserts == 1 {
		text += "!!"
	}
	return s.Buffer.InsertAt(ctx, ref, offset, text)
}

func TestVerificationFailureRollsBack(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	surface := &faultySurface{Buffer: f.buffer}

	result, err := f.engine(surface, nil).Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: "slow fox"})
	applyErr := requireKind(t, err, KindVerificationFailed)
	assert.Equal(t, Failed, result.Outcome)
	assert.False(t, result.Inconsistent)
	assert.Equal(t, len("The slow fox jumps."), applyErr.Details["expected_len"])
	assert.Equal(t, len("The slow fox!! jumps."), applyErr.Details["actual_len"])
	assert.Equal(t, sampleDoc, f.buffer.String())

	record := f.stored(t)
	assert.False(t, record.Resolved)
	assert.Empty(t, record.Replies)
}

type staticArchiver struct {
	key string
	err error
}

func (a staticArchiver) Archive(context.Context, string, string, document.Snapshot) (string, error) {
	return a.key, a.err
}

func TestFailedRollbackIsFatal(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	surface := &faultySurface{Buffer: f.buffer, every: true}

	result, err := f.engine(surface, nil, WithArchiver(staticArchiver{key: "doc-1/req/snapshot.txt"})).
		Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: "slow fox"})
	applyErr := requireKind(t, err, KindInconsistent)
	assert.True(t, applyErr.Fatal())
	assert.True(t, result.Inconsistent)
	assert.Equal(t, Failed, result.Outcome)
	assert.Equal(t, "doc-1/req/snapshot.txt", applyErr.Details["archive_key"])
	assert.False(t, f.stored(t).Resolved)
}

type brokenUpdates struct {
	*annotation.MemoryStore
}

func (b brokenUpdates) Update(context.Context, string, annotation.Patch) (annotation.Record, error) {
	return annotation.Record{}, errors.New("connection reset")
}

func TestStoreFailureAfterMutationDegrades(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})

	result, err := f.engine(nil, brokenUpdates{f.store}).Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: "slow fox"})
	require.NoError(t, err)
	assert.Equal(t, Applied, result.Outcome)
	assert.Equal(t, StageVerified, result.Stage)
	assert.True(t, result.Degraded)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "connection reset")
	assert.Contains(t, f.buffer.String(), "The slow fox jumps.")
}

func TestArchiveFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})

	result, err := f.engine(nil, nil, WithArchiver(staticArchiver{err: errors.New("bucket missing")})).
		Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: "slow fox"})
	require.NoError(t, err)
	assert.Equal(t, Applied, result.Outcome)
	assert.Empty(t, result.ArchiveKey)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "bucket missing")
}

func TestContextSelectsIntendedOccurrence(t *testing.T) {
	f := newFixture(t, "Hello world. Greeting.\nHello world. Farewell.", annotation.NewRecord{
		QuotedText:    "Hello world.",
		QuotedContext: "Hello world. Farewell.",
	})

	result, err := f.engine(nil, nil).Apply(context.Background(), Request{RequestID: f.record.ID, Decision: Accept, Replacement: "Goodbye."})
	require.NoError(t, err)
	assert.Equal(t, document.ContainerRef(1), result.Location.Container)
	assert.Equal(t, "Hello world. Greeting.\nGoodbye. Farewell.", f.buffer.String())
}

func TestListEligibleAnchors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sampleDoc, annotation.NewRecord{QuotedText: "quick brown fox"})
	gone, err := f.store.Create(ctx, annotation.NewRecord{DocumentID: "doc-1", Content: "@ai fix", QuotedText: "not in the doc"})
	require.NoError(t, err)
	_, err = f.store.Create(ctx, annotation.NewRecord{DocumentID: "doc-1", Content: "just a comment", QuotedText: "Last line."})
	require.NoError(t, err)
	busy, err := f.store.Create(ctx, annotation.NewRecord{DocumentID: "doc-1", Content: "@ai fix", QuotedText: "Last line."})
	require.NoError(t, err)
	state := annotation.StateProcessing
	_, err = f.store.Update(ctx, busy.ID, annotation.Patch{State: &state})
	require.NoError(t, err)

	records, err := f.store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	items, err := f.engine(nil, nil).ListEligibleAnchors(ctx, records)
	require.NoError(t, err)

	require.Len(t, items, 2)
	byID := map[string]AnchorRequest{}
	for _, item := range items {
		byID[item.Record.ID] = item
	}
	require.Contains(t, byID, f.record.ID)
	require.NotNil(t, byID[f.record.ID].Location)
	assert.Equal(t, "quick brown fox", byID[f.record.ID].Location.Text)
	assert.Equal(t, "make it livelier", byID[f.record.ID].Instruction)
	require.Contains(t, byID, gone.ID)
	assert.Nil(t, byID[gone.ID].Location)
	assert.Error(t, byID[gone.ID].Err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a\nb\nc\nd\te", Sanitize("  a\r\nb\rc\u2028d\te\x1b "))
	assert.Equal(t, "", Sanitize("\x00  \t"))
	assert.Equal(t, "zero\u200bwidth", Sanitize("\ufeffzero\u200bwidth"))
}
