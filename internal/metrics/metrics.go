// Registers:
//
//	#depthflow_messages_total
//	#depthflow_records_written_total{side}
//	#depthflow_entries_skipped_total
//	#depthflow_write_errors_total
//	#depthflow_runs_total{outcome}
//	#go_* and process_* system metrics
//
// Handler exposes them for scraping; Serve runs a standalone listener when the
// read API is disabled.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depthflow/logger"
)

var (
	once sync.Once

	messagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_messages_total",
		Help: "Number of depth messages decoded successfully",
	})
	recordsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthflow_records_written_total",
		Help: "Number of normalized records persisted",
	}, []string{"side"})
	entriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_entries_skipped_total",
		Help: "Number of zero-quantity entries dropped before persistence",
	})
	writeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_write_errors_total",
		Help: "Number of failed record writes",
	})
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthflow_runs_total",
		Help: "Number of finished ingestion runs by outcome",
	}, []string{"outcome"})
)

// Init registers the collectors with the default registry.
func Init() {
	once.Do(func() {
		_ = prometheus.Register(messagesTotal)
		_ = prometheus.Register(recordsWritten)
		_ = prometheus.Register(entriesSkipped)
		_ = prometheus.Register(writeErrors)
		_ = prometheus.Register(runsTotal)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on address until ctx is done.
func Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": address}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Totals mirrors the counters for the periodic report.
type Totals struct {
	Messages    int64
	Written     int64
	Skipped     int64
	WriteErrors int64
	Runs        int64
}

var totals struct {
	messages, written, skipped, writeErrors, runs atomic.Int64
}

func RecordMessage() {
	messagesTotal.Inc()
	totals.messages.Add(1)
}

func RecordWrite(side string) {
	recordsWritten.WithLabelValues(side).Inc()
	totals.written.Add(1)
}

func RecordSkip() {
	entriesSkipped.Inc()
	totals.skipped.Add(1)
}

func RecordWriteError() {
	writeErrors.Inc()
	totals.writeErrors.Add(1)
}

// RecordRun counts a finished run; outcome is "ok" or "error".
func RecordRun(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
	totals.runs.Add(1)
}

// Snapshot returns the process-wide totals.
func Snapshot() Totals {
	return Totals{
		Messages:    totals.messages.Load(),
		Written:     totals.written.Load(),
		Skipped:     totals.skipped.Load(),
		WriteErrors: totals.writeErrors.Load(),
		Runs:        totals.runs.Load(),
	}
}
