package document

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chronicle/anchoredit/internal/textmatch"
)

// Buffer is an in-memory Surface whose containers are the newline-separated
// paragraphs of a plain-text document.
//
// Containers are fixed when the buffer is built. Text inserted with newlines
// stays inside its container, so FullText is correct but container refs no
// longer match a fresh split. A Buffer serves one apply; build the next one
// from FullText.
type Buffer struct {
	mu         sync.RWMutex
	paragraphs []string
	flags      map[flagKey]string
}

type flagKey struct {
	ref        ContainerRef
	start, end int
}

func NewBuffer(text string) *Buffer {
	return &Buffer{
		paragraphs: strings.Split(text, "\n"),
		flags:      make(map[flagKey]string),
	}
}

func (b *Buffer) FullText(context.Context) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.paragraphs, "\n"), nil
}

// String returns the full text without a context, for callers outside an
// apply flow.
func (b *Buffer) String() string {
	text, _ := b.FullText(context.Background())
	return text
}

func (b *Buffer) FindAllOccurrences(_ context.Context, needle string) ([]Occurrence, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	found := make([]Occurrence, 0)
	for i, paragraph := range b.paragraphs {
		for _, span := range textmatch.FindAll(paragraph, needle) {
			found = append(found, Occurrence{Container: ContainerRef(i), Start: span.Start, End: span.End})
		}
	}
	return found, nil
}

func (b *Buffer) Container(_ context.Context, ref ContainerRef) (Container, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(ref) < 0 || int(ref) >= len(b.paragraphs) {
		return Container{}, fmt.Errorf("container %d: %w", ref, ErrContainerNotFound)
	}
	offset := 0
	for i := 0; i < int(ref); i++ {
		offset += len(b.paragraphs[i]) + 1
	}
	return Container{Ref: ref, Text: b.paragraphs[ref], GlobalOffset: offset}, nil
}

func (b *Buffer) ReadRange(_ context.Context, ref ContainerRef, start, end int) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	paragraph, err := b.paragraph(ref)
	if err != nil {
		return "", err
	}
	if err := checkRange(paragraph, start, end); err != nil {
		return "", err
	}
	return paragraph[start : end+1], nil
}

func (b *Buffer) DeleteRange(_ context.Context, ref ContainerRef, start, end int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	paragraph, err := b.paragraph(ref)
	if err != nil {
		return err
	}
	if err := checkRange(paragraph, start, end); err != nil {
		return err
	}
	b.paragraphs[ref] = paragraph[:start] + paragraph[end+1:]
	return nil
}

func (b *Buffer) InsertAt(_ context.Context, ref ContainerRef, offset int, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	paragraph, err := b.paragraph(ref)
	if err != nil {
		return err
	}
	if offset < 0 || offset > len(paragraph) {
		return fmt.Errorf("insert at %d in container %d: %w", offset, ref, ErrRangeOutOfBounds)
	}
	b.paragraphs[ref] = paragraph[:offset] + text + paragraph[offset:]
	return nil
}

func (b *Buffer) Flag(_ context.Context, ref ContainerRef, start, end int, label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags[flagKey{ref: ref, start: start, end: end}] = label
	return nil
}

func (b *Buffer) ClearFlag(_ context.Context, ref ContainerRef, start, end int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flags, flagKey{ref: ref, start: start, end: end})
	return nil
}

// Flags returns the labels of currently flagged spans.
func (b *Buffer) Flags() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	labels := make([]string, 0, len(b.flags))
	for _, label := range b.flags {
		labels = append(labels, label)
	}
	return labels
}

func (b *Buffer) paragraph(ref ContainerRef) (string, error) {
	if int(ref) < 0 || int(ref) >= len(b.paragraphs) {
		return "", fmt.Errorf("container %d: %w", ref, ErrContainerNotFound)
	}
	return b.paragraphs[ref], nil
}

func checkRange(paragraph string, start, end int) error {
	if start < 0 || end < start-1 || end >= len(paragraph) {
		return fmt.Errorf("range [%d,%d] of %d bytes: %w", start, end, len(paragraph), ErrRangeOutOfBounds)
	}
	return nil
}
