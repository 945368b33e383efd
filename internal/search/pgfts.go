package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, so is everything else.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over edit_requests and apply_outcomes using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	countSQL, dataSQL, args := buildFTSQuery(q)
	if countSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.State); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// buildFTSQuery returns empty strings when there is nothing to search.
func buildFTSQuery(q Query) (countSQL, dataSQL string, args []any) {
	if strings.TrimSpace(q.Text) == "" {
		return "", "", nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args = []any{q.Text}
	docFilter := ""
	if q.DocumentID != "" {
		docFilter = " AND document_id = $2"
		args = append(args, q.DocumentID)
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultRequest {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'request'::text AS type, id, quoted_text AS title,
				ts_headline('english', coalesce(content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				document_id, state,
				ts_rank(fts, %s) AS rank
			FROM edit_requests
			WHERE fts @@ %s%s`, tsQuery, tsQuery, tsQuery, docFilter))
	}

	if q.FilterType == "" || q.FilterType == ResultOutcome {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'outcome'::text AS type, id::text, outcome AS title,
				ts_headline('english', coalesce(message, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				document_id, kind AS state,
				ts_rank(fts, %s) AS rank
			FROM apply_outcomes
			WHERE fts @@ %s%s`, tsQuery, tsQuery, tsQuery, docFilter))
	}

	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, document_id, state
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RequestRecord, []OutcomeRecord, error) {
	requestRows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, quoted_text, content, state, resolved
		FROM edit_requests
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load edit requests: %w", err)
	}
	defer requestRows.Close()

	requests := make([]RequestRecord, 0)
	for requestRows.Next() {
		var r RequestRecord
		if err := requestRows.Scan(&r.ID, &r.DocumentID, &r.QuotedText, &r.Content, &r.State, &r.Resolved); err != nil {
			return nil, nil, fmt.Errorf("scan edit request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := requestRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate edit requests: %w", err)
	}

	outcomeRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, request_id, document_id, outcome, kind, message
		FROM apply_outcomes
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load apply outcomes: %w", err)
	}
	defer outcomeRows.Close()

	outcomes := make([]OutcomeRecord, 0)
	for outcomeRows.Next() {
		var o OutcomeRecord
		if err := outcomeRows.Scan(&o.ID, &o.RequestID, &o.DocumentID, &o.Outcome, &o.Kind, &o.Message); err != nil {
			return nil, nil, fmt.Errorf("scan apply outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := outcomeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate apply outcomes: %w", err)
	}

	return requests, outcomes, nil
}
