package logsource

import "ssw-logs-capture/pkg/types"

// ModificationKind tags the variant held by a Modification value.
type ModificationKind int

const (
	// ModReset clears all derived state; modeled by listeners as OnRead(-1).
	ModReset ModificationKind = iota
	// ModAppended announces that Section is now available in the source.
	ModAppended
	// ModRemoved announces that Section has been retracted from the source.
	ModRemoved
)

// Modification is the tagged union spec.md §3 calls ModificationLog:
// Reset, Appended(section) or Removed(section). An Appended section that
// starts at 0 is not treated as a Reset: consumers add its rows to the
// state they already hold, and only a ModReset clears derived state.
type Modification struct {
	Kind    ModificationKind
	Section Section
}

// Reset builds the Reset modification.
func Reset() Modification { return Modification{Kind: ModReset} }

// Appended builds an Appended modification over sec.
func Appended(sec Section) Modification { return Modification{Kind: ModAppended, Section: sec} }

// Removed builds a Removed modification over sec.
func Removed(sec Section) Modification { return Modification{Kind: ModRemoved, Section: sec} }

// IsReset reports whether m is a Reset; Appended({0,N}) is not one.
func (m Modification) IsReset() bool { return m.Kind == ModReset }

// Split yields a sequence of Appended modifications covering the same
// range as m, none exceeding maxBatch lines, per spec.md §3
// "Append(section).Split(maxBatch)". Only meaningful for ModAppended; any
// other kind is returned as a single-element slice unchanged.
func (m Modification) Split(maxBatch int64) []Modification {
	if m.Kind != ModAppended || maxBatch <= 0 || m.Section.Count <= maxBatch {
		return []Modification{m}
	}
	var out []Modification
	start := m.Section.Start
	remaining := m.Section.Count
	for remaining > 0 {
		n := remaining
		if n > maxBatch {
			n = maxBatch
		}
		out = append(out, Appended(NewSection(start, n)))
		start += types.LogLineIndex(n)
		remaining -= n
	}
	return out
}
