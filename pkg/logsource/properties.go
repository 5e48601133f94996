package logsource

import "time"

// PropertyKind is the sum type over property identities (spec.md §3:
// "Property descriptor: a typed key with a default").
type PropertyKind int

const (
	PropertyPercentageProcessed PropertyKind = iota
	PropertyLogEntryCount
	PropertyEmptyReason
	PropertyStartTimestamp
	PropertyEndTimestamp
	PropertySize
	PropertyFormat
	// PropertyMaxCharactersPerLine is FilterStage's own extra property
	// (spec.md §4.3 "update maxCharactersPerLine"): the longest RawContent
	// among committed lines, useful for UI column sizing. Not in
	// MinimumProperties — it is FilterStage-specific, the way a source can
	// expose additional columns/properties beyond the minimum set.
	PropertyMaxCharactersPerLine
)

// MinimumProperties is the property set every LogSource must support.
var MinimumProperties = []PropertyKind{
	PropertyPercentageProcessed, PropertyLogEntryCount, PropertyEmptyReason,
	PropertyStartTimestamp, PropertyEndTimestamp, PropertySize, PropertyFormat,
}

func (p PropertyKind) String() string {
	switch p {
	case PropertyPercentageProcessed:
		return "PercentageProcessed"
	case PropertyLogEntryCount:
		return "LogEntryCount"
	case PropertyEmptyReason:
		return "EmptyReason"
	case PropertyStartTimestamp:
		return "StartTimestamp"
	case PropertyEndTimestamp:
		return "EndTimestamp"
	case PropertySize:
		return "Size"
	case PropertyFormat:
		return "Format"
	case PropertyMaxCharactersPerLine:
		return "MaxCharactersPerLine"
	default:
		return "Unknown"
	}
}

// DefaultValue is the value GetProperty returns before a real value has
// ever been computed.
func (p PropertyKind) DefaultValue() interface{} {
	switch p {
	case PropertyPercentageProcessed:
		return 0.0
	case PropertyLogEntryCount:
		return 0
	case PropertyEmptyReason:
		return ""
	case PropertyStartTimestamp, PropertyEndTimestamp:
		return (*time.Time)(nil)
	case PropertySize:
		return int64(0)
	case PropertyFormat:
		return ""
	case PropertyMaxCharactersPerLine:
		return 0
	default:
		return nil
	}
}

// Writable reports whether SetProperty is meaningful for p. Per spec.md
// §6, SetProperty on a read-only descriptor is a no-op; in this engine
// every property is computed, not settable, so none are writable, and
// every SetProperty (the stages' and pkg/filesource's) ignores its write.
func (p PropertyKind) Writable() bool { return false }
