// Package filesource provides a concrete raw LogSource ancestor: a file
// tailer that turns a growing text file into Appended modifications and a
// truncation/rotation into a Reset, grounded on the teacher's
// internal/monitors/file_monitor.go (github.com/nxadm/tail +
// github.com/fsnotify/fsnotify). It is the one piece of this repository
// that sits outside the core spec.md describes (spec.md §1: "the
// underlying text/file reader ... [is] out of scope"), included so the
// grouper and filter have something real to run against end to end.
package filesource

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	"ssw-logs-capture/pkg/apperrors"
	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/types"
)

// timestampPattern matches a leading "2006-01-02 15:04:05" style prefix;
// lines without it are continuations unless their level says otherwise.
var timestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2})`)

var levelPattern = regexp.MustCompile(`\b(TRACE|DEBUG|INFO|WARN(?:ING)?|ERROR|FATAL)\b`)

func parseLevel(line string) types.LogLevel {
	m := levelPattern.FindString(strings.ToUpper(line))
	switch m {
	case "TRACE":
		return types.LevelTrace
	case "DEBUG":
		return types.LevelDebug
	case "INFO":
		return types.LevelInfo
	case "WARN", "WARNING":
		return types.LevelWarning
	case "ERROR":
		return types.LevelError
	case "FATAL":
		return types.LevelFatal
	default:
		return types.LevelNone
	}
}

func parseTimestamp(line string) *time.Time {
	m := timestampPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, m[1]); err == nil {
			return &ts
		}
	}
	return nil
}

type line struct {
	raw   string
	ts    *time.Time
	level types.LogLevel
}

// Config tunes FileSource's listener coalescing; the tailer's polling mode
// is fixed (inotify-based, Poll: false) and not configurable.
type Config struct {
	ListenerMaxWait  time.Duration
	ListenerMaxBatch int64
}

func (c Config) withDefaults() Config {
	if c.ListenerMaxWait <= 0 {
		c.ListenerMaxWait = 100 * time.Millisecond
	}
	if c.ListenerMaxBatch <= 0 {
		c.ListenerMaxBatch = 500
	}
	return c
}

// FileSource is a leaf logsource.Source: it has no upstream, so it emits
// its own Appended/Reset modifications as the tailed file grows or rotates.
type FileSource struct {
	path   string
	cfg    Config
	log    *logrus.Entry
	fanout *logsource.Fanout

	mu        sync.RWMutex
	lines     []line
	format    string
	watcher   *fsnotify.Watcher
	tailer    *tail.Tail
	cancel    context.CancelFunc
	done      chan struct{}
}

// New starts tailing path from the beginning and returns a FileSource
// ready to register as an upstream for a Grouper or Filter.
func New(ctx context.Context, path string, cfg Config, log *logrus.Entry) (*FileSource, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "filesource").WithField("path", path)

	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Poll:     false,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return nil, err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		_ = watcher.Add(path)
	} else {
		log.WithError(werr).Warn("fsnotify watcher unavailable, rotation detection disabled")
		watcher = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	fs := &FileSource{
		path:    path,
		cfg:     cfg,
		log:     log,
		watcher: watcher,
		tailer:  t,
		cancel:  cancel,
		done:    make(chan struct{}),
		format:  "text",
	}
	fs.fanout = logsource.NewFanout(fs, log)

	go fs.run(runCtx)
	return fs, nil
}

func (fs *FileSource) run(ctx context.Context) {
	defer close(fs.done)
	defer fs.tailer.Cleanup()

	var events <-chan fsnotify.Event
	if fs.watcher != nil {
		events = fs.watcher.Events
		defer fs.watcher.Close()
	}

	for {
		select {
		case <-ctx.Done():
			_ = fs.tailer.Stop()
			return
		case tl, ok := <-fs.tailer.Lines:
			if !ok {
				return
			}
			if tl.Err != nil {
				fs.log.WithError(tl.Err).Warn("tail read error")
				continue
			}
			fs.appendLine(tl.Text)
		case ev, ok := <-events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				fs.reset()
			} else if ev.Op&fsnotify.Write != 0 {
				fs.checkTruncation()
			}
		}
	}
}

func (fs *FileSource) checkTruncation() {
	stat, err := os.Stat(fs.path)
	if err != nil {
		return
	}
	fs.mu.RLock()
	seen := int64(len(fs.lines))
	fs.mu.RUnlock()
	if stat.Size() == 0 && seen > 0 {
		fs.reset()
	}
}

func (fs *FileSource) reset() {
	fs.mu.Lock()
	fs.lines = nil
	fs.mu.Unlock()
	fs.fanout.NotifyReset()
}

func (fs *FileSource) appendLine(text string) {
	l := line{raw: text, ts: parseTimestamp(text), level: parseLevel(text)}
	fs.mu.Lock()
	start := types.LogLineIndex(len(fs.lines))
	fs.lines = append(fs.lines, l)
	fs.mu.Unlock()
	fs.fanout.NotifyRead(int64(start) + 1)
}

// Close stops the tailer and the fsnotify watcher.
func (fs *FileSource) Close() {
	fs.cancel()
	<-fs.done
}

func (fs *FileSource) Columns() []logsource.ColumnKind { return logsource.MinimumColumns }
func (fs *FileSource) Properties() []logsource.PropertyKind { return logsource.MinimumProperties }

func (fs *FileSource) GetProperty(p logsource.PropertyKind) interface{} {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	switch p {
	case logsource.PropertyPercentageProcessed:
		return 1.0 // the tail has no notion of "remaining work" ahead of it
	case logsource.PropertyLogEntryCount:
		return len(fs.lines)
	case logsource.PropertyFormat:
		return fs.format
	default:
		return p.DefaultValue()
	}
}

func (fs *FileSource) SetProperty(logsource.PropertyKind, interface{}) {}

func (fs *FileSource) GetAllProperties(dest map[logsource.PropertyKind]interface{}) {
	for _, p := range logsource.MinimumProperties {
		dest[p] = fs.GetProperty(p)
	}
}

func (fs *FileSource) GetColumn(indices []types.LogLineIndex, column logsource.ColumnKind, dest []interface{}, destOffset int, _ logsource.QueryOptions) error {
	if destOffset < 0 || destOffset+len(indices) > len(dest) {
		return apperrors.Programmer("filesource", "GetColumn", "destination range out of bounds")
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for i, idx := range indices {
		dest[destOffset+i] = fs.valueAt(column, idx)
	}
	return nil
}

func (fs *FileSource) valueAt(column logsource.ColumnKind, idx types.LogLineIndex) interface{} {
	if idx < 0 || int(idx) >= len(fs.lines) {
		return column.DefaultValue()
	}
	l := fs.lines[idx]
	switch column {
	case logsource.ColumnIndex, logsource.ColumnOriginalIndex:
		return idx
	case logsource.ColumnLogEntryIndex:
		return types.InvalidLogEntryIndex // the raw source has no entry grouping of its own
	case logsource.ColumnLineNumber, logsource.ColumnOriginalLineNumber:
		return int(idx) + 1
	case logsource.ColumnRawContent:
		return l.raw
	case logsource.ColumnLogLevel:
		return l.level
	case logsource.ColumnTimestamp:
		return l.ts
	default:
		return column.DefaultValue()
	}
}

func (fs *FileSource) GetEntries(indices []types.LogLineIndex, dest []logsource.Row, destOffset int, opts logsource.QueryOptions) error {
	if destOffset < 0 || destOffset+len(indices) > len(dest) {
		return apperrors.Programmer("filesource", "GetEntries", "destination range out of bounds")
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for i, idx := range indices {
		for c := range dest[destOffset+i].Columns {
			dest[destOffset+i].Columns[c] = fs.valueAt(c, idx)
		}
	}
	return nil
}

func (fs *FileSource) AddListener(listener logsource.Listener, maxWaitTime time.Duration, maxBatchSize int64) logsource.RegistrationID {
	return fs.fanout.Add(listener, maxWaitTime, maxBatchSize)
}

func (fs *FileSource) RemoveListener(id logsource.RegistrationID) {
	fs.fanout.Remove(id)
}

