// Package columnar implements the heterogeneous row×column container
// (spec.md §4.4 ColumnarBuffer) stages use to exchange a batch of rows:
// the grouper requests only {Timestamp, LogLevel}; the filter requests
// {LogEntryIndex, RawContent, LogLevel, Timestamp}, one CopyFrom per
// column. Storage is column-oriented: one []interface{} slice per column,
// not typed slices, so values are boxed.
package columnar

import (
	"fmt"

	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/types"
)

// Buffer is a fixed-schema, row-count × column-set container.
type Buffer struct {
	rowCount int
	columns  map[logsource.ColumnKind][]interface{}
	order    []logsource.ColumnKind
}

// New allocates a Buffer with rowCount rows over the given columns, each
// column pre-filled with its descriptor default.
func New(rowCount int, columns []logsource.ColumnKind) *Buffer {
	b := &Buffer{
		rowCount: rowCount,
		columns:  make(map[logsource.ColumnKind][]interface{}, len(columns)),
		order:    append([]logsource.ColumnKind(nil), columns...),
	}
	for _, c := range columns {
		col := make([]interface{}, rowCount)
		def := c.DefaultValue()
		for i := range col {
			col[i] = def
		}
		b.columns[c] = col
	}
	return b
}

// RowCount returns the number of rows the buffer holds.
func (b *Buffer) RowCount() int { return b.rowCount }

// Columns lists the columns this buffer carries, in declaration order.
func (b *Buffer) Columns() []logsource.ColumnKind {
	return append([]logsource.ColumnKind(nil), b.order...)
}

// Has reports whether the buffer declares column c.
func (b *Buffer) Has(c logsource.ColumnKind) bool {
	_, ok := b.columns[c]
	return ok
}

// Get returns the value stored for column c at row r.
func (b *Buffer) Get(c logsource.ColumnKind, r int) interface{} {
	col, ok := b.columns[c]
	if !ok || r < 0 || r >= len(col) {
		return c.DefaultValue()
	}
	return col[r]
}

// Set stores value for column c at row r.
func (b *Buffer) Set(c logsource.ColumnKind, r int, value interface{}) {
	col, ok := b.columns[c]
	if !ok || r < 0 || r >= len(col) {
		return
	}
	col[r] = value
}

// FillDefault rewrites rows [start, start+n) of every column back to its
// descriptor default, per spec.md §4.4.
func (b *Buffer) FillDefault(start, n int) {
	for c, col := range b.columns {
		def := c.DefaultValue()
		end := start + n
		if end > len(col) {
			end = len(col)
		}
		for i := start; i < end; i++ {
			col[i] = def
		}
	}
}

// CopyFrom fetches len(sourceIndices) values of column c from source into
// [destStart, destStart+len(sourceIndices)), per spec.md §4.4.
func (b *Buffer) CopyFrom(c logsource.ColumnKind, destStart int, source logsource.Source, sourceIndices []types.LogLineIndex, opts logsource.QueryOptions) error {
	col, ok := b.columns[c]
	if !ok {
		return fmt.Errorf("columnar: buffer has no column %s", c)
	}
	if destStart < 0 || destStart+len(sourceIndices) > len(col) {
		return fmt.Errorf("columnar: CopyFrom destination [%d:%d] out of range for %d rows", destStart, destStart+len(sourceIndices), len(col))
	}
	staging := make([]interface{}, len(sourceIndices))
	if err := source.GetColumn(sourceIndices, c, staging, 0, opts); err != nil {
		return err
	}
	copy(col[destStart:destStart+len(sourceIndices)], staging)
	return nil
}

// View returns a read-write restriction of b exposing only the listed
// columns; storage is shared with the parent, per spec.md §4.4.
func (b *Buffer) View(subset []logsource.ColumnKind) *Buffer {
	v := &Buffer{
		rowCount: b.rowCount,
		columns:  make(map[logsource.ColumnKind][]interface{}, len(subset)),
		order:    append([]logsource.ColumnKind(nil), subset...),
	}
	for _, c := range subset {
		if col, ok := b.columns[c]; ok {
			v.columns[c] = col // shared backing slice, per spec.
		}
	}
	return v
}
