// Command logviewerd wires a tailed file through the MultiLineGrouper and
// FilterStage and exposes the result over a small HTTP debug surface,
// grounded on the teacher's cmd/main.go flag/env config loading and
// internal/app's gorilla/mux HTTP server setup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ssw-logs-capture/internal/config"
	"ssw-logs-capture/internal/metrics"
	"ssw-logs-capture/pkg/filesource"
	"ssw-logs-capture/pkg/filter"
	"ssw-logs-capture/pkg/grouper"
	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/scheduler"
	"ssw-logs-capture/pkg/types"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		configFile = os.Getenv("LOGVIEW_CONFIG_FILE")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	log.WithField("log_file", cfg.LogFilePath).Info("starting logviewerd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(log.Logger)
	defer sched.Close()

	source, err := filesource.New(ctx, cfg.LogFilePath, filesource.Config{
		ListenerMaxWait:  cfg.Source.ListenerMaxWait,
		ListenerMaxBatch: cfg.Source.ListenerMaxBatch,
	}, log.WithField("stage", "source"))
	if err != nil {
		log.WithError(err).Fatal("failed to open log file")
	}
	defer source.Close()

	g := grouper.New(ctx, source, grouper.Config{
		BatchSize:        cfg.Grouper.BatchSize,
		ListenerMaxWait:  cfg.Grouper.ListenerMaxWait,
		ListenerMaxBatch: cfg.Grouper.ListenerMaxBatch,
		IdleDelay:        cfg.Grouper.IdleDelay,
	}, sched, "grouper", log.WithField("stage", "grouper"))
	defer g.Dispose()

	f := filter.New(ctx, g, filter.AcceptAllLines, filter.AcceptAllEntries, filter.Config{
		BatchSize:        cfg.Filter.BatchSize,
		ListenerMaxWait:  cfg.Filter.ListenerMaxWait,
		ListenerMaxBatch: cfg.Filter.ListenerMaxBatch,
		IdleDelay:        cfg.Filter.IdleDelay,
	}, sched, "filter", log.WithField("stage", "filter"))
	defer f.Dispose()

	var stageMetrics *metrics.StageMetrics
	if cfg.Metrics.Enabled {
		stageMetrics = metrics.New(cfg.Metrics.Namespace)
		go reportMetricsLoop(ctx, stageMetrics, g, f)
	}

	if cfg.Server.Enabled {
		runServer(ctx, cfg, g, f, log)
	}

	waitForShutdown(cancel, log)
}

func newLogger(level, format string) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l)
}

func reportMetricsLoop(ctx context.Context, m *metrics.StageMetrics, g *grouper.Grouper, f *filter.Filter) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	report := func(stage string, s logsource.Source, watermark int64) {
		pct, _ := s.GetProperty(logsource.PropertyPercentageProcessed).(float64)
		count, _ := s.GetProperty(logsource.PropertyLogEntryCount).(int)
		m.Report(stage, pct, count, watermark)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report("grouper", g, g.Watermark())
			report("filter", f, f.Watermark())
		}
	}
}

func runServer(ctx context.Context, cfg *config.PipelineConfig, g *grouper.Grouper, f *filter.Filter, log *logrus.Entry) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("/lines", linesHandler(f)).Methods(http.MethodGet)
	router.HandleFunc("/entries", entriesHandler(g)).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.WithField("addr", addr).Info("debug HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func linesHandler(f *filter.Filter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, count := parseRange(r)
		rows := make([]types.LogLineIndex, count)
		for i := range rows {
			rows[i] = types.LogLineIndex(start + int64(i))
		}
		dest := make([]interface{}, len(rows))
		if err := f.GetColumn(rows, logsource.ColumnRawContent, dest, 0, logsource.DefaultQueryOptions); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, dest)
	}
}

func entriesHandler(g *grouper.Grouper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, count := parseRange(r)
		rows := make([]types.LogLineIndex, count)
		for i := range rows {
			rows[i] = types.LogLineIndex(start + int64(i))
		}
		dest := make([]interface{}, len(rows))
		if err := g.GetColumn(rows, logsource.ColumnLogEntryIndex, dest, 0, logsource.DefaultQueryOptions); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, dest)
	}
}

// maxRangeCount bounds a single /lines or /entries request so a malicious
// or mistaken count= cannot force a multi-gigabyte allocation.
const maxRangeCount = 10000

func parseRange(r *http.Request) (start int64, count int64) {
	start, _ = strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	count, err := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	if err != nil || count <= 0 {
		count = 100
	}
	if count > maxRangeCount {
		count = maxRangeCount
	}
	return start, count
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func waitForShutdown(cancel context.CancelFunc, log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
}
