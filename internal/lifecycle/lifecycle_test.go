package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chronicle/anchoredit/internal/annotation"
)

func request(content string, replies ...string) annotation.Record {
	record := annotation.Record{ID: "req_1", Content: content, QuotedText: "the quick fox"}
	for _, reply := range replies {
		record.Replies = append(record.Replies, annotation.Reply{Content: reply})
	}
	return record
}

func TestMarkerRoundTrip(t *testing.T) {
	for _, state := range []State{
		annotation.StateUnprocessed, annotation.StateProcessing, annotation.StatePendingReview,
		annotation.StateAccepted, annotation.StateRejected, annotation.StateInvalid,
	} {
		got, ok := ParseMarker("note " + Marker(state) + " trailing")
		assert.True(t, ok, state)
		assert.Equal(t, state, got)
	}
	assert.Equal(t, "[anchoredit:pending-review]", Marker(annotation.StatePendingReview))
}

func TestParseMarkerAcceptsLegacySpelling(t *testing.T) {
	got, ok := ParseMarker("[AI:PENDING_REVIEW] Proposed: hi")
	assert.True(t, ok)
	assert.Equal(t, annotation.StatePendingReview, got)

	_, ok = ParseMarker("[AI:SOMETHING_ELSE]")
	assert.False(t, ok)
}

func TestInstructionPrefixes(t *testing.T) {
	cases := map[string]struct {
		want string
		ok   bool
	}{
		"@ai make it formal": {"make it formal", true},
		"  /AI: shorten":     {"shorten", true},
		"@Ai":                {"", true},
		"@aim for clarity":   {"", false},
		"please @ai fix":     {"", false},
		"":                   {"", false},
	}
	for content, tc := range cases {
		got, ok := Instruction(annotation.Record{Content: content})
		assert.Equal(t, tc.ok, ok, content)
		assert.Equal(t, tc.want, got, content)
	}
}

func TestDerive(t *testing.T) {
	assert.Equal(t, annotation.StateUnprocessed, Derive(request("@ai fix")))
	assert.Equal(t, annotation.StateInvalid, Derive(request("fix this")))

	missingQuote := request("@ai fix")
	missingQuote.QuotedText = "  "
	assert.Equal(t, annotation.StateInvalid, Derive(missingQuote))

	newestWins := request("@ai fix", Marker(annotation.StateProcessing), "just chatting", MarkerReply(annotation.StatePendingReview, "new"))
	assert.Equal(t, annotation.StatePendingReview, Derive(newestWins))

	explicit := request("@ai fix", Marker(annotation.StatePendingReview))
	explicit.State = annotation.StateRejected
	assert.Equal(t, annotation.StateRejected, Derive(explicit))

	resolved := request("summary without prefix", Marker(annotation.StateRejected))
	resolved.Resolved = true
	assert.Equal(t, annotation.StateAccepted, Derive(resolved))
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible(request("@ai fix")))
	assert.True(t, Eligible(request("@ai fix", Marker(annotation.StateRejected))))
	assert.False(t, Eligible(request("@ai fix", Marker(annotation.StateProcessing))))
	assert.False(t, Eligible(request("@ai fix", Marker(annotation.StatePendingReview))))
	assert.False(t, Eligible(request("@ai fix", Marker(annotation.StateAccepted))))
	assert.False(t, Eligible(request("no prefix")))

	resolved := request("@ai fix", Marker(annotation.StateRejected))
	resolved.Resolved = true
	assert.False(t, Eligible(resolved))
}

func TestProposedText(t *testing.T) {
	record := request("@ai fix",
		MarkerReply(annotation.StatePendingReview, "first draft"),
		"looks odd",
		MarkerReply(annotation.StatePendingReview, "  second draft\n"),
	)
	got, ok := ProposedText(record)
	assert.True(t, ok)
	assert.Equal(t, "second draft", got)

	superseded := request("@ai fix", MarkerReply(annotation.StatePendingReview, "draft"), MarkerReply(annotation.StateRejected, "no"))
	_, ok = ProposedText(superseded)
	assert.False(t, ok)

	_, ok = ProposedText(request("@ai fix", Marker(annotation.StatePendingReview)))
	assert.False(t, ok)
}
