package document

import (
	"context"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Snapshot is the full document text at a point in time.
type Snapshot struct {
	Text    string
	Version string
}

func NewSnapshot(text string) Snapshot {
	sum := blake2b.Sum256([]byte(text))
	return Snapshot{Text: text, Version: hex.EncodeToString(sum[:])}
}

// Capture reads the surface's full text into a snapshot.
func Capture(ctx context.Context, surface Surface) (Snapshot, error) {
	text, err := surface.FullText(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture snapshot: %w", err)
	}
	return NewSnapshot(text), nil
}

// Equal reports whether both snapshots hold byte-identical text.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.Text == other.Text
}
