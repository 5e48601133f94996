package logsource

import (
	"time"

	"ssw-logs-capture/pkg/types"
)

// ColumnKind is the sum type over concrete column identities, per the
// design note in spec.md §9: "a sum type over concrete column kinds is
// preferable to heterogeneous Any-boxing". Each ColumnKind's values have
// one Go type by convention (the type of its DefaultValue below); nothing
// enforces it, and queries and ColumnarBuffer carry values as interface{}.
type ColumnKind int

const (
	ColumnIndex ColumnKind = iota
	ColumnOriginalIndex
	ColumnLogEntryIndex
	ColumnLineNumber
	ColumnOriginalLineNumber
	ColumnRawContent
	ColumnLogLevel
	ColumnTimestamp
	ColumnElapsedTime
	ColumnDeltaTime
)

// MinimumColumns is the column set every LogSource must support, per
// spec.md §3.
var MinimumColumns = []ColumnKind{
	ColumnIndex, ColumnOriginalIndex, ColumnLogEntryIndex,
	ColumnLineNumber, ColumnOriginalLineNumber, ColumnRawContent,
	ColumnLogLevel, ColumnTimestamp, ColumnElapsedTime, ColumnDeltaTime,
}

// String gives the column a stable name for logging and config.
func (c ColumnKind) String() string {
	switch c {
	case ColumnIndex:
		return "Index"
	case ColumnOriginalIndex:
		return "OriginalIndex"
	case ColumnLogEntryIndex:
		return "LogEntryIndex"
	case ColumnLineNumber:
		return "LineNumber"
	case ColumnOriginalLineNumber:
		return "OriginalLineNumber"
	case ColumnRawContent:
		return "RawContent"
	case ColumnLogLevel:
		return "LogLevel"
	case ColumnTimestamp:
		return "Timestamp"
	case ColumnElapsedTime:
		return "ElapsedTime"
	case ColumnDeltaTime:
		return "DeltaTime"
	default:
		return "Unknown"
	}
}

// DefaultValue returns the zero value the column reports for out-of-range
// rows (spec.md §6: "Out-of-range indices yield the column default;
// never fails").
func (c ColumnKind) DefaultValue() interface{} {
	switch c {
	case ColumnIndex, ColumnOriginalIndex:
		return types.InvalidLogLineIndex
	case ColumnLogEntryIndex:
		return types.InvalidLogEntryIndex
	case ColumnLineNumber, ColumnOriginalLineNumber:
		return 0
	case ColumnRawContent:
		return ""
	case ColumnLogLevel:
		return types.LevelNone
	case ColumnTimestamp:
		return (*time.Time)(nil)
	case ColumnElapsedTime, ColumnDeltaTime:
		return time.Duration(0)
	default:
		return nil
	}
}
