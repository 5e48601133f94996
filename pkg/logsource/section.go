package logsource

import "ssw-logs-capture/pkg/types"

// Section is the half-open range [Start, Start+Count) over source line
// indices, per spec.md §3 LogSourceSection. Empty sections (Count == 0)
// are permitted and arise naturally from Reset and from zero-length
// Appended/Removed modifications.
type Section struct {
	Start types.LogLineIndex
	Count int64
}

// NewSection builds a Section from a start index and count.
func NewSection(start types.LogLineIndex, count int64) Section {
	return Section{Start: start, Count: count}
}

// End returns Start+Count, the first index past the section.
func (s Section) End() types.LogLineIndex {
	return s.Start + types.LogLineIndex(s.Count)
}

// Last returns the last index in the section, or Start-1 if empty.
func (s Section) Last() types.LogLineIndex {
	return s.End() - 1
}

// IsEmpty reports whether the section contains no lines.
func (s Section) IsEmpty() bool { return s.Count <= 0 }

// Contains reports whether index lies within [Start, End).
func (s Section) Contains(index types.LogLineIndex) bool {
	return index >= s.Start && index < s.End()
}

// MinimumBoundingSection returns the smallest section containing both a
// and b, per spec.md §3: MinimumBoundingLine(a,b).
func MinimumBoundingSection(a, b Section) Section {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	start := a.Start
	if b.Start < start {
		start = b.Start
	}
	end := a.End()
	if b.End() > end {
		end = b.End()
	}
	return NewSection(start, int64(end-start))
}
