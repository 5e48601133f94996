package logsource

import (
	"time"

	"ssw-logs-capture/pkg/types"
)

// QueryOptions tunes a column/entry query, per spec.md §6. CacheAllowed
// controls whether cacheable columns may serve a cached value; no source
// in this repository (the stages and pkg/filesource alike) holds a cache,
// so it is accepted but has no observable effect.
type QueryOptions struct {
	CacheAllowed bool
}

// DefaultQueryOptions (CacheAllowed: true) is the options value a caller
// passes when it has no special requirement.
var DefaultQueryOptions = QueryOptions{CacheAllowed: true}

// Row is one row's fetched values keyed by the column each came from, used
// by GetEntries to fill a heterogeneous destination without reflection.
type Row struct {
	Columns map[ColumnKind]interface{}
}

// Source is the LogSource capability every pipeline stage both consumes
// (as an input) and implements (as an output), per spec.md §6.
type Source interface {
	// Columns lists this source's supported columns; a superset of
	// MinimumColumns, stable for the source's lifetime.
	Columns() []ColumnKind
	// Properties lists this source's supported properties; a superset of
	// MinimumProperties, stable for the source's lifetime.
	Properties() []PropertyKind

	// GetProperty returns the current value of p, or p's default.
	GetProperty(p PropertyKind) interface{}
	// SetProperty forwards to the underlying writable source; a no-op on
	// read-only descriptors.
	SetProperty(p PropertyKind, value interface{})
	// GetAllProperties copies every current property value into dest,
	// atomically with respect to concurrent mutation.
	GetAllProperties(dest map[PropertyKind]interface{})

	// GetColumn fills dest[destOffset:destOffset+len(indices)] with column
	// values for the given row indices. Out-of-range indices yield the
	// column default. destOffset+len(indices) > len(dest) is a programmer
	// error (apperrors.Programmer), never silently truncated.
	GetColumn(indices []types.LogLineIndex, column ColumnKind, dest []interface{}, destOffset int, opts QueryOptions) error
	// GetEntries is the multi-column variant of GetColumn: it fills every
	// column present in each dest[i].Columns map.
	GetEntries(indices []types.LogLineIndex, dest []Row, destOffset int, opts QueryOptions) error

	// AddListener registers for modification callbacks and returns a
	// registration ID usable with RemoveListener.
	AddListener(listener Listener, maxWaitTime time.Duration, maxBatchSize int64) RegistrationID
	// RemoveListener is idempotent.
	RemoveListener(id RegistrationID)
}
