package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id := NewID("req")
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+32)
	assert.NotEqual(t, id, NewID("req"))
	assert.Len(t, NewID(""), 32)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("req_abc123"))
	assert.True(t, ValidID("doc-1:thread.7"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("has space"))
	assert.False(t, ValidID("semi;colon"))
	assert.False(t, ValidID(strings.Repeat("a", 129)))
}
