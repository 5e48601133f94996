package logsource

// MergeColumns unions a and b, preserving first-seen order and dropping
// duplicates — a stage's own columns merged with its source's ancestor
// columns, per spec.md §3's ancestor-union resolution.
func MergeColumns(a, b []ColumnKind) []ColumnKind {
	seen := map[ColumnKind]bool{}
	out := make([]ColumnKind, 0, len(a)+len(b))
	for _, c := range a {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range b {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// MergeProperties unions a and b, preserving first-seen order and dropping
// duplicates — the PropertyKind analogue of MergeColumns.
func MergeProperties(a, b []PropertyKind) []PropertyKind {
	seen := map[PropertyKind]bool{}
	out := make([]PropertyKind, 0, len(a)+len(b))
	for _, p := range a {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
