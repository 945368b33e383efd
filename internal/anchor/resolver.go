// Package anchor re-finds the span an edit request was anchored to.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"chronicle/anchoredit/internal/document"
	"chronicle/anchoredit/internal/textmatch"
)

var (
	ErrInvalidInput = errors.New("anchor: quoted text is empty")
	ErrNotFound     = errors.New("anchor: quoted text not found")
	ErrAmbiguous    = errors.New("anchor: quoted text is ambiguous")
)

// Error carries resolution diagnostics. It unwraps to one of the sentinel
// errors above.
type Error struct {
	Kind       error
	Candidates int
	BestScore  float64
}

func (e *Error) Error() string {
	if e.Candidates == 0 {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s (%d candidates, best score %.3f)", e.Kind, e.Candidates, e.BestScore)
}

func (e *Error) Unwrap() error { return e.Kind }

// Config holds the disambiguation parameters.
type Config struct {
	Threshold     float64
	ContextWindow int
}

func DefaultConfig() Config {
	return Config{Threshold: 0.8, ContextWindow: 50}
}

// Hint is the advisory locator stored with a request.
type Hint struct {
	Container int `json:"container"`
	Start     int `json:"start"`
	End       int `json:"end"`
}

// ParseHint decodes a stored hint. Malformed or empty hints yield nil.
func ParseHint(raw string) *Hint {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var hint Hint
	if err := json.Unmarshal([]byte(raw), &hint); err != nil {
		return nil
	}
	return &hint
}

func (h Hint) String() string {
	payload, _ := json.Marshal(h)
	return string(payload)
}

// Request is what the resolver needs from an annotation record.
type Request struct {
	QuotedText    string
	QuotedContext string
	Hint          *Hint
}

// Location is a resolved span. End and GlobalEnd are inclusive.
type Location struct {
	Container   document.ContainerRef
	Start       int
	End         int
	GlobalStart int
	GlobalEnd   int
	Text        string
	Score       float64
	Candidates  int
}

// Len is the matched span length in bytes.
func (l Location) Len() int {
	return l.End - l.Start + 1
}

type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultConfig().ContextWindow
	}
	return &Resolver{cfg: cfg}
}

type candidate struct {
	occurrence document.Occurrence
	container  document.Container
	score      float64
	hinted     bool
}

// Resolve finds the span for req on the current surface contents.
func (r *Resolver) Resolve(ctx context.Context, surface document.Surface, req Request) (Location, error) {
	needle := textmatch.Normalize(req.QuotedText)
	if needle == "" {
		return Location{}, &Error{Kind: ErrInvalidInput}
	}

	occurrences, err := surface.FindAllOccurrences(ctx, needle)
	if err != nil {
		return Location{}, fmt.Errorf("find occurrences: %w", err)
	}
	if len(occurrences) == 0 {
		return Location{}, &Error{Kind: ErrNotFound}
	}

	candidates := make([]candidate, 0, len(occurrences))
	for _, occurrence := range occurrences {
		container, err := surface.Container(ctx, occurrence.Container)
		if err != nil {
			return Location{}, fmt.Errorf("read container %d: %w", occurrence.Container, err)
		}
		candidates = append(candidates, candidate{
			occurrence: occurrence,
			container:  container,
			hinted:     matchesHint(req.Hint, occurrence),
		})
	}

	if len(candidates) == 1 {
		only := candidates[0]
		only.score = 1.0
		return toLocation(only, 1), nil
	}

	reference := req.QuotedContext
	if strings.TrimSpace(reference) == "" {
		reference = req.QuotedText
	}
	for i := range candidates {
		window := contextWindow(candidates[i].container.Text, candidates[i].occurrence, r.cfg.ContextWindow)
		candidates[i].score = textmatch.Similarity(window, reference)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.hinted != b.hinted {
			return a.hinted
		}
		if a.occurrence.Container != b.occurrence.Container {
			return a.occurrence.Container < b.occurrence.Container
		}
		return a.occurrence.Start < b.occurrence.Start
	})

	best := candidates[0]
	if best.score < r.cfg.Threshold {
		return Location{}, &Error{Kind: ErrAmbiguous, Candidates: len(candidates), BestScore: best.score}
	}
	return toLocation(best, len(candidates)), nil
}

// matchesHint compares offsets only; the candidate text itself was found by
// searching, so a stale hint can never point at text that does not match.
func matchesHint(hint *Hint, occurrence document.Occurrence) bool {
	if hint == nil {
		return false
	}
	return hint.Container == int(occurrence.Container) &&
		hint.Start == occurrence.Start &&
		hint.End == occurrence.End
}

// contextWindow returns the occurrence extended by up to width runes on each
// side, clipped to the container.
func contextWindow(text string, occurrence document.Occurrence, width int) string {
	start := occurrence.Start
	for n := 0; n < width && start > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	end := occurrence.End + 1
	for n := 0; n < width && end < len(text); n++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}
	return text[start:end]
}

func toLocation(c candidate, total int) Location {
	return Location{
		Container:   c.occurrence.Container,
		Start:       c.occurrence.Start,
		End:         c.occurrence.End,
		GlobalStart: c.container.GlobalOffset + c.occurrence.Start,
		GlobalEnd:   c.container.GlobalOffset + c.occurrence.End,
		Text:        c.container.Text[c.occurrence.Start : c.occurrence.End+1],
		Score:       c.score,
		Candidates:  total,
	}
}
