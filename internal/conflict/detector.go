// Package conflict detects document edits made between anchor resolution and
// mutation.
package conflict

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"chronicle/anchoredit/internal/document"
)

type Status string

const (
	Unchanged        Status = "UNCHANGED"
	ChangedElsewhere Status = "CHANGED_ELSEWHERE"
	ChangedInTarget  Status = "CHANGED_IN_TARGET"
)

// Target is the resolved span in initial-snapshot coordinates. GlobalEnd is
// inclusive.
type Target struct {
	GlobalStart int
	GlobalEnd   int
	Text        string
}

// Report is the detector's classification. LiveStart/LiveEnd locate the
// target in the live snapshot, or are -1 when the span no longer maps.
type Report struct {
	Status      Status
	LiveStart   int
	LiveEnd     int
	FirstChange int
}

// Blocks reports whether an apply must stop.
func (r Report) Blocks() bool {
	return r.Status != Unchanged
}

type Detector struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewDetector() *Detector {
	dmp := diffmatchpatch.New()
	// Deterministic classification needs a minimal diff.
	dmp.DiffTimeout = 0
	return &Detector{dmp: dmp}
}

func (d *Detector) Detect(initial, live document.Snapshot, target Target) Report {
	if initial.Equal(live) {
		return Report{
			Status:      Unchanged,
			LiveStart:   target.GlobalStart,
			LiveEnd:     target.GlobalEnd,
			FirstChange: -1,
		}
	}

	diffs := d.dmp.DiffMain(initial.Text, live.Text, false)
	report := Report{Status: ChangedElsewhere, LiveStart: -1, LiveEnd: -1, FirstChange: -1}
	touched := false
	pos1, pos2 := 0, 0
	for _, diff := range diffs {
		size := len(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			if target.GlobalStart >= pos1 && target.GlobalStart < pos1+size {
				report.LiveStart = pos2 + target.GlobalStart - pos1
			}
			if target.GlobalEnd >= pos1 && target.GlobalEnd < pos1+size {
				report.LiveEnd = pos2 + target.GlobalEnd - pos1
			}
			pos1 += size
			pos2 += size
		case diffmatchpatch.DiffDelete:
			if report.FirstChange < 0 {
				report.FirstChange = pos1
			}
			if pos1 <= target.GlobalEnd && pos1+size-1 >= target.GlobalStart {
				touched = true
			}
			pos1 += size
		case diffmatchpatch.DiffInsert:
			if report.FirstChange < 0 {
				report.FirstChange = pos1
			}
			if pos1 > target.GlobalStart && pos1 <= target.GlobalEnd {
				touched = true
			}
			pos2 += size
		}
	}

	if touched || !spanMatches(live.Text, report.LiveStart, report.LiveEnd, target.Text) {
		report.Status = ChangedInTarget
	}
	return report
}

func spanMatches(text string, start, end int, expected string) bool {
	if start < 0 || end < start || end >= len(text) {
		return false
	}
	return text[start:end+1] == expected
}
