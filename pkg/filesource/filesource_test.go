package filesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/types"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func newTestFileSource(t *testing.T, path string) *FileSource {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	fs, err := New(ctx, path, Config{ListenerMaxWait: time.Millisecond, ListenerMaxBatch: 10}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Close()
		cancel()
	})
	return fs
}

func entryCountOf(fs *FileSource) int {
	n, _ := fs.GetProperty(logsource.PropertyLogEntryCount).(int)
	return n
}

func TestTailedLinesBecomeAppendedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	fs := newTestFileSource(t, path)

	writeLines(t, path, "2024-01-02 15:04:05 INFO starting up", "  continuation line")

	require.Eventually(t, func() bool { return entryCountOf(fs) == 2 }, 2*time.Second, 10*time.Millisecond)

	dest := make([]interface{}, 2)
	require.NoError(t, fs.GetColumn([]types.LogLineIndex{0, 1}, logsource.ColumnRawContent, dest, 0, logsource.DefaultQueryOptions))
	assert.Equal(t, "2024-01-02 15:04:05 INFO starting up", dest[0])
	assert.Equal(t, "  continuation line", dest[1])
}

func TestTimestampIsParsedFromLeadingPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	fs := newTestFileSource(t, path)

	writeLines(t, path, "2024-01-02 15:04:05 INFO hello")
	require.Eventually(t, func() bool { return entryCountOf(fs) == 1 }, 2*time.Second, 10*time.Millisecond)

	dest := make([]interface{}, 1)
	require.NoError(t, fs.GetColumn([]types.LogLineIndex{0}, logsource.ColumnTimestamp, dest, 0, logsource.DefaultQueryOptions))
	tsPtr, ok := dest[0].(*time.Time)
	require.True(t, ok)
	require.NotNil(t, tsPtr)
	assert.Equal(t, 2024, tsPtr.Year())
	assert.Equal(t, 15, tsPtr.Hour())
}

func TestLineWithoutTimestampHasNilTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	fs := newTestFileSource(t, path)

	writeLines(t, path, "  just a continuation")
	require.Eventually(t, func() bool { return entryCountOf(fs) == 1 }, 2*time.Second, 10*time.Millisecond)

	dest := make([]interface{}, 1)
	require.NoError(t, fs.GetColumn([]types.LogLineIndex{0}, logsource.ColumnTimestamp, dest, 0, logsource.DefaultQueryOptions))
	assert.Nil(t, dest[0])
}

func TestLogLevelIsParsedCaseInsensitively(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	fs := newTestFileSource(t, path)

	writeLines(t, path, "2024-01-02 15:04:05 error something broke")
	require.Eventually(t, func() bool { return entryCountOf(fs) == 1 }, 2*time.Second, 10*time.Millisecond)

	dest := make([]interface{}, 1)
	require.NoError(t, fs.GetColumn([]types.LogLineIndex{0}, logsource.ColumnLogLevel, dest, 0, logsource.DefaultQueryOptions))
	assert.Equal(t, types.LevelError, dest[0])
}

func TestTruncationToZeroResetsLineCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	fs := newTestFileSource(t, path)

	writeLines(t, path, "2024-01-02 15:04:05 INFO first", "2024-01-02 15:04:06 INFO second")
	require.Eventually(t, func() bool { return entryCountOf(fs) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Truncate(path, 0))

	require.Eventually(t, func() bool { return entryCountOf(fs) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseLevelRecognizesAllLevels(t *testing.T) {
	cases := map[string]types.LogLevel{
		"TRACE foo":   types.LevelTrace,
		"DEBUG foo":   types.LevelDebug,
		"INFO foo":    types.LevelInfo,
		"WARN foo":    types.LevelWarning,
		"WARNING foo": types.LevelWarning,
		"ERROR foo":   types.LevelError,
		"FATAL foo":   types.LevelFatal,
		"no level":    types.LevelNone,
	}
	for line, want := range cases {
		assert.Equal(t, want, parseLevel(line), "line=%q", line)
	}
}

func TestParseTimestampAcceptsSpaceAndTSeparators(t *testing.T) {
	a := parseTimestamp("2024-01-02 15:04:05 INFO hi")
	require.NotNil(t, a)
	b := parseTimestamp("2024-01-02T15:04:05 INFO hi")
	require.NotNil(t, b)
	assert.True(t, a.Equal(*b))

	assert.Nil(t, parseTimestamp("no timestamp here"))
}
