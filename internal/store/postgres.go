package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chronicle/anchoredit/internal/annotation"
	"chronicle/anchoredit/internal/util"
)

// PostgresStore persists edit requests, their replies and the apply log. It
// implements annotation.Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, document_id, content, quoted_text, quoted_context, anchor_hint, resolved, state, created_by_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (annotation.Record, error) {
	var item annotation.Record
	var state string
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Content,
		&item.QuotedText,
		&item.QuotedContext,
		&item.AnchorHint,
		&item.Resolved,
		&state,
		&item.Author,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	item.State = annotation.State(state)
	item.Replies = []annotation.Reply{}
	return item, err
}

func (s *PostgresStore) Create(ctx context.Context, input annotation.NewRecord) (annotation.Record, error) {
	id := util.NewID("req")
	record, err := scanRecord(s.db.QueryRowContext(ctx, `
		INSERT INTO edit_requests (id, document_id, content, quoted_text, quoted_context, anchor_hint, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+requestColumns,
		id, input.DocumentID, input.Content, input.QuotedText, input.QuotedContext, input.AnchorHint, input.Author))
	if err != nil {
		return annotation.Record{}, fmt.Errorf("insert edit request: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (annotation.Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM edit_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Record{}, fmt.Errorf("get %s: %w", id, annotation.ErrNotFound)
	}
	if err != nil {
		return annotation.Record{}, fmt.Errorf("get edit request: %w", err)
	}
	replies, err := s.listReplies(ctx, `WHERE request_id=$1`, id)
	if err != nil {
		return annotation.Record{}, err
	}
	record.Replies = replies[id]
	if record.Replies == nil {
		record.Replies = []annotation.Reply{}
	}
	return record, nil
}

// Update applies patch and echoes the stored row.
func (s *PostgresStore) Update(ctx context.Context, id string, patch annotation.Patch) (annotation.Record, error) {
	var content, state sql.NullString
	if patch.Content != nil {
		content = sql.NullString{String: *patch.Content, Valid: true}
	}
	if patch.State != nil {
		state = sql.NullString{String: string(*patch.State), Valid: true}
	}
	_, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE edit_requests
		SET content=COALESCE($2, content), state=COALESCE($3, state), updated_at=NOW()
		WHERE id=$1
		RETURNING `+requestColumns, id, content, state))
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Record{}, fmt.Errorf("update %s: %w", id, annotation.ErrNotFound)
	}
	if err != nil {
		return annotation.Record{}, fmt.Errorf("update edit request: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ListForDocument(ctx context.Context, documentID string) ([]annotation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM edit_requests
		WHERE document_id=$1
		ORDER BY created_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list edit requests: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.Record, 0)
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit requests: %w", err)
	}

	replies, err := s.listReplies(ctx, `WHERE request_id IN (SELECT id FROM edit_requests WHERE document_id=$1)`, documentID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if found := replies[items[i].ID]; found != nil {
			items[i].Replies = found
		}
	}
	return items, nil
}

func (s *PostgresStore) listReplies(ctx context.Context, where string, arg any) (map[string][]annotation.Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, id, body, action, author_name, created_at
		FROM edit_request_replies
		`+where+`
		ORDER BY seq ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	byRequest := map[string][]annotation.Reply{}
	for rows.Next() {
		var requestID, action string
		var item annotation.Reply
		if err := rows.Scan(&requestID, &item.ID, &item.Content, &action, &item.Author, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		item.Action = annotation.Action(action)
		byRequest[requestID] = append(byRequest[requestID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return byRequest, nil
}

// CreateReply appends a reply. Resolve and reopen actions flip the request's
// resolved flag in the same transaction.
func (s *PostgresStore) CreateReply(ctx context.Context, id string, input annotation.ReplyInput) (annotation.Reply, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return annotation.Reply{}, fmt.Errorf("begin reply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE edit_requests
		SET resolved = CASE $2 WHEN 'resolve' THEN TRUE WHEN 'reopen' THEN FALSE ELSE resolved END,
			updated_at=NOW()
		WHERE id=$1
	`, id, string(input.Action))
	if err != nil {
		return annotation.Reply{}, fmt.Errorf("touch edit request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return annotation.Reply{}, fmt.Errorf("touch edit request rows: %w", err)
	}
	if affected == 0 {
		return annotation.Reply{}, fmt.Errorf("reply to %s: %w", id, annotation.ErrNotFound)
	}

	reply := annotation.Reply{ID: util.NewID("rep"), Content: input.Content, Action: input.Action, Author: input.Author}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO edit_request_replies (id, request_id, body, action, author_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, reply.ID, id, reply.Content, string(reply.Action), reply.Author).Scan(&reply.CreatedAt); err != nil {
		return annotation.Reply{}, fmt.Errorf("insert reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return annotation.Reply{}, fmt.Errorf("commit reply: %w", err)
	}
	return reply, nil
}

// InsertOutcome appends an apply result to the log.
func (s *PostgresStore) InsertOutcome(ctx context.Context, entry Outcome) (int64, error) {
	warnings := entry.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	encoded, err := json.Marshal(warnings)
	if err != nil {
		return 0, fmt.Errorf("marshal outcome warnings: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO apply_outcomes (request_id, document_id, decision, outcome, kind, message, warnings, commit_hash, archive_key, decided_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
		RETURNING id
	`, entry.RequestID, entry.DocumentID, entry.Decision, entry.Outcome, entry.Kind, entry.Message, string(encoded), entry.CommitHash, entry.ArchiveKey, entry.DecidedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert apply outcome: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]Outcome, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, document_id, decision, outcome, kind, message, warnings, commit_hash, archive_key, decided_by_name, decided_at
		FROM apply_outcomes
		WHERE ($1='' OR document_id=$1)
		  AND ($2='' OR request_id=$2)
		  AND ($3='' OR outcome=$3)
		ORDER BY decided_at DESC, id DESC
		LIMIT $4
	`, filter.DocumentID, filter.RequestID, filter.Outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("list apply outcomes: %w", err)
	}
	defer rows.Close()

	items := make([]Outcome, 0)
	for rows.Next() {
		var item Outcome
		var warningsRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.RequestID,
			&item.DocumentID,
			&item.Decision,
			&item.Outcome,
			&item.Kind,
			&item.Message,
			&warningsRaw,
			&item.CommitHash,
			&item.ArchiveKey,
			&item.DecidedBy,
			&item.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan apply outcome: %w", err)
		}
		_ = json.Unmarshal(warningsRaw, &item.Warnings)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apply outcomes: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
