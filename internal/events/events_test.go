package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "anchoredit.request.applied", Subject(TypeApplied))
	assert.Equal(t, "anchoredit.document.inconsistent", Subject(TypeInconsistent))
}

func TestRecorderKeepsOrder(t *testing.T) {
	var rec Recorder
	require.NoError(t, rec.Publish(context.Background(), Event{Type: TypeBlocked, RequestID: "a"}))
	require.NoError(t, rec.Publish(context.Background(), Event{Type: TypeApplied, RequestID: "b"}))

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RequestID)
	assert.Equal(t, TypeApplied, got[1].Type)

	got[0].RequestID = "mutated"
	assert.Equal(t, "a", rec.Events()[0].RequestID)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeFailed}))
	p.Close()
}
