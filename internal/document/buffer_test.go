package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer("First line.\nSecond line here.")

	text, err := buf.FullText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "First line.\nSecond line here.", text)

	container, err := buf.Container(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 12, container.GlobalOffset)
	assert.Equal(t, "Second line here.", container.Text)
}

func TestBufferDeleteInsert(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer("alpha beta gamma")

	require.NoError(t, buf.DeleteRange(ctx, 0, 6, 9))
	require.NoError(t, buf.InsertAt(ctx, 0, 6, "BETA"))

	got, err := buf.ReadRange(ctx, 0, 6, 9)
	require.NoError(t, err)
	assert.Equal(t, "BETA", got)
	assert.Equal(t, "alpha BETA gamma", buf.String())
}

func TestBufferMultilineInsertStaysInContainer(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer("Intro.\nThe quick fox.\nLast line.")

	require.NoError(t, buf.DeleteRange(ctx, 1, 4, 8))
	require.NoError(t, buf.InsertAt(ctx, 1, 4, "slow\nbrown"))

	got, err := buf.ReadRange(ctx, 1, 4, 13)
	require.NoError(t, err)
	assert.Equal(t, "slow\nbrown", got)
	last, err := buf.Container(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Last line.", last.Text)

	text, err := buf.FullText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Intro.\nThe slow\nbrown fox.\nLast line.", text)

	next := NewBuffer(text)
	found, err := next.FindAllOccurrences(ctx, "Last line.")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ContainerRef(3), found[0].Container)
}

func TestBufferRangeErrors(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer("short")

	_, err := buf.ReadRange(ctx, 0, 2, 10)
	assert.ErrorIs(t, err, ErrRangeOutOfBounds)

	err = buf.InsertAt(ctx, 3, 0, "x")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestBufferFindAllOccurrences(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer("Hello world. Greeting.\nHello   WORLD. Farewell.")

	found, err := buf.FindAllOccurrences(ctx, "hello world.")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, Occurrence{Container: 0, Start: 0, End: 11}, found[0])
	assert.Equal(t, Occurrence{Container: 1, Start: 0, End: 13}, found[1])
}

func TestSnapshotEquality(t *testing.T) {
	a := NewSnapshot("same text")
	b := NewSnapshot("same text")
	c := NewSnapshot("same text!")

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Version, b.Version)
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Version, c.Version)
	assert.Len(t, a.Version, 64)
}

func TestFlags(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer("flag me")
	require.NoError(t, buf.Flag(ctx, 0, 0, 3, "conflict"))
	assert.Equal(t, []string{"conflict"}, buf.Flags())
	require.NoError(t, buf.ClearFlag(ctx, 0, 0, 3))
	assert.Empty(t, buf.Flags())
}
