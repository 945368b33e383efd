// Package document models the editable text surface that anchored requests
// are applied to.
package document

import (
	"context"
	"errors"
)

// ContainerRef identifies a text-bearing container (a paragraph) on a surface.
type ContainerRef int

// Occurrence is a match inside one container. End is inclusive.
type Occurrence struct {
	Container ContainerRef
	Start     int
	End       int
}

// Container is a read-only view of a container's text and its position in
// the full document text.
type Container struct {
	Ref          ContainerRef
	Text         string
	GlobalOffset int
}

var (
	ErrContainerNotFound = errors.New("document container not found")
	ErrRangeOutOfBounds  = errors.New("document range out of bounds")
)

// Surface is the editing surface. Offsets are byte offsets within a container
// and range ends are inclusive.
type Surface interface {
	FullText(ctx context.Context) (string, error)
	FindAllOccurrences(ctx context.Context, needle string) ([]Occurrence, error)
	Container(ctx context.Context, ref ContainerRef) (Container, error)
	ReadRange(ctx context.Context, ref ContainerRef, start, end int) (string, error)
	DeleteRange(ctx context.Context, ref ContainerRef, start, end int) error
	InsertAt(ctx context.Context, ref ContainerRef, offset int, text string) error
}

// Flagger is implemented by surfaces that can visually mark a span.
type Flagger interface {
	Flag(ctx context.Context, ref ContainerRef, start, end int, label string) error
	ClearFlag(ctx context.Context, ref ContainerRef, start, end int) error
}
