package apply

import (
	"context"

	"chronicle/anchoredit/internal/anchor"
	"chronicle/anchoredit/internal/annotation"
	"chronicle/anchoredit/internal/lifecycle"
)

// AnchorRequest is an eligible request with its resolution on the current
// document. Exactly one of Location and Err is set.
type AnchorRequest struct {
	Record      annotation.Record
	State       annotation.State
	Instruction string
	Location    *anchor.Location
	Err         error
	// Kind classifies Err.
	Kind Kind
}

// ListEligibleAnchors filters records down to those eligible for processing
// and resolves each against the engine's surface. Resolution failures are
// reported per request, not returned.
func (e *Engine) ListEligibleAnchors(ctx context.Context, records []annotation.Record) ([]AnchorRequest, error) {
	items := make([]AnchorRequest, 0, len(records))
	for _, record := range records {
		if !lifecycle.Eligible(record) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		instruction, _ := lifecycle.Instruction(record)
		item := AnchorRequest{Record: record, State: lifecycle.Derive(record), Instruction: instruction}
		loc, err := e.resolver.Resolve(ctx, e.surface, anchor.Request{
			QuotedText:    record.QuotedText,
			QuotedContext: record.QuotedContext,
			Hint:          anchor.ParseHint(record.AnchorHint),
		})
		if err != nil {
			item.Err = err
			item.Kind = resolveError(record.ID, err).Kind
		} else {
			item.Location = &loc
		}
		items = append(items, item)
	}
	return items, nil
}
