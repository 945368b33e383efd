// Package lifecycle derives the state of an edit request from its annotation
// record and decides whether it may be (re)processed.
package lifecycle

import (
	"regexp"
	"strings"

	"chronicle/anchoredit/internal/annotation"
)

type State = annotation.State

var instructionPrefixes = []string{"@ai", "/ai"}

// markerPattern matches both "[anchoredit:pending-review]" and the older
// "[AI:PENDING_REVIEW]" spelling.
var markerPattern = regexp.MustCompile(`(?i)\[(?:anchoredit|ai)\s*:\s*([a-z_ -]+?)\s*\]`)

var markerNames = map[string]State{
	"UNPROCESSED":    annotation.StateUnprocessed,
	"PROCESSING":     annotation.StateProcessing,
	"PENDING_REVIEW": annotation.StatePendingReview,
	"ACCEPTED":       annotation.StateAccepted,
	"REJECTED":       annotation.StateRejected,
	"INVALID":        annotation.StateInvalid,
}

// Marker returns the text marker for state, e.g. "[anchoredit:pending-review]".
func Marker(state State) string {
	name := strings.ToLower(strings.ReplaceAll(string(state), "_", "-"))
	return "[anchoredit:" + name + "]"
}

// MarkerReply composes a reply body carrying the state marker followed by
// body on its own lines.
func MarkerReply(state State, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return Marker(state)
	}
	return Marker(state) + "\n" + body
}

// ParseMarker returns the first state marker found in text.
func ParseMarker(text string) (State, bool) {
	for _, match := range markerPattern.FindAllStringSubmatch(text, -1) {
		name := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(match[1]))
		if state, ok := markerNames[name]; ok {
			return state, true
		}
	}
	return "", false
}

// Instruction returns the instruction text with its prefix removed. ok is
// false when content carries no recognized prefix.
func Instruction(record annotation.Record) (string, bool) {
	content := strings.TrimLeft(record.Content, " \t\r\n")
	lower := strings.ToLower(content)
	for _, prefix := range instructionPrefixes {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := content[len(prefix):]
		// "@aim" is not an instruction.
		if rest != "" && !isSeparator(rest[0]) {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(rest, ":,")), true
	}
	return "", false
}

func isSeparator(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', ':', ',':
		return true
	}
	return false
}

// Derive computes the logical state of record. A resolved record is always
// ACCEPTED, whatever its markers say.
func Derive(record annotation.Record) State {
	if record.Resolved {
		return annotation.StateAccepted
	}
	if strings.TrimSpace(record.QuotedText) == "" {
		return annotation.StateInvalid
	}
	if _, ok := Instruction(record); !ok {
		return annotation.StateInvalid
	}
	if record.State.Valid() {
		return record.State
	}
	for i := len(record.Replies) - 1; i >= 0; i-- {
		if state, ok := ParseMarker(record.Replies[i].Content); ok {
			return state
		}
	}
	return annotation.StateUnprocessed
}

// Eligible reports whether record may be submitted for processing. Records in
// PROCESSING are excluded to prevent double submission.
func Eligible(record annotation.Record) bool {
	if record.Resolved || strings.TrimSpace(record.QuotedText) == "" {
		return false
	}
	switch Derive(record) {
	case annotation.StateUnprocessed, annotation.StateRejected:
		return true
	default:
		return false
	}
}

// ProposedText returns the replacement proposed by the newest
// PENDING_REVIEW reply.
func ProposedText(record annotation.Record) (string, bool) {
	for i := len(record.Replies) - 1; i >= 0; i-- {
		content := record.Replies[i].Content
		state, ok := ParseMarker(content)
		if !ok {
			continue
		}
		if state != annotation.StatePendingReview {
			return "", false
		}
		loc := markerPattern.FindStringIndex(content)
		proposed := strings.TrimSpace(content[loc[1]:])
		return proposed, proposed != ""
	}
	return "", false
}
