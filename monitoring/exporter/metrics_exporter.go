package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"entitytx/pkg/config"
	"entitytx/pkg/coordinator"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

const probeKind primitives.EntityKind = "Probe"

type MetricsCollector struct {
	coord       *coordinator.Coordinator
	txCount     int64
	txDurations []time.Duration
	errorCount  int64
	lastTxTime  time.Time
	mu          sync.RWMutex
}

func NewMetricsCollector(c *coordinator.Coordinator) *MetricsCollector {
	return &MetricsCollector{
		coord:       c,
		txDurations: make([]time.Duration, 0),
		lastTxTime:  time.Now(),
	}
}

func (mc *MetricsCollector) RecordTransaction(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.txCount++
	mc.txDurations = append(mc.txDurations, duration)
	mc.lastTxTime = time.Now()

	// Keep only last 1000 durations to avoid memory issues
	if len(mc.txDurations) > 1000 {
		mc.txDurations = mc.txDurations[len(mc.txDurations)-1000:]
	}

	if err != nil {
		mc.errorCount++
	}
}

type metric struct {
	name, help, kind string
	value            any
}

// GetMetrics renders the probe counters and the coordinator statistics in
// the Prometheus text format.
func (mc *MetricsCollector) GetMetrics() string {
	mc.mu.RLock()
	var totalDuration time.Duration
	for _, d := range mc.txDurations {
		totalDuration += d
	}
	avgDuration := float64(0)
	if len(mc.txDurations) > 0 {
		avgDuration = float64(totalDuration.Microseconds()) / float64(len(mc.txDurations))
	}
	txCount, errorCount, lastTx := mc.txCount, mc.errorCount, mc.lastTxTime
	mc.mu.RUnlock()

	s := mc.coord.Stats()
	metrics := []metric{
		{"entitytx_probe_transactions_total", "Probe transactions executed", "counter", txCount},
		{"entitytx_probe_errors_total", "Probe transactions that failed", "counter", errorCount},
		{"entitytx_probe_duration_microseconds", "Average probe transaction duration in microseconds", "gauge", fmt.Sprintf("%.2f", avgDuration)},
		{"entitytx_transactions_active", "Transactions currently active", "gauge", s.Active},
		{"entitytx_transactions_committed_total", "Transactions committed", "counter", s.Committed},
		{"entitytx_transactions_rolled_back_total", "Transactions rolled back", "counter", s.RolledBack},
		{"entitytx_version_conflicts_total", "Commits rejected by a version conflict", "counter", s.Conflicts},
		{"entitytx_locks_granted_total", "Record lock requests granted", "counter", s.Locks.Granted},
		{"entitytx_locks_waited_total", "Record lock requests that queued", "counter", s.Locks.Waited},
		{"entitytx_lock_timeouts_total", "Record lock requests that timed out", "counter", s.Locks.TimedOut},
		{"entitytx_deadlocks_total", "Record lock requests refused as deadlocks", "counter", s.Locks.Deadlocks},
		{"entitytx_locked_records", "Records with at least one lock holder", "gauge", s.Locks.Locked},
		{"entitytx_lock_waiters", "Transactions blocked on a record lock", "gauge", s.Locks.Waiting},
		{"entitytx_cache_hits_total", "Second-level cache hits", "counter", s.Cache.Hits},
		{"entitytx_cache_misses_total", "Second-level cache misses", "counter", s.Cache.Misses},
		{"entitytx_cache_evictions_total", "Second-level cache evictions", "counter", s.Cache.Evictions},
		{"entitytx_cache_entries", "Second-level cache entries", "gauge", s.Cache.Entries},
		{"entitytx_up", "Coordinator up status (1 = up, 0 = down)", "gauge", 1},
		{"entitytx_last_probe_timestamp_seconds", "Unix timestamp of last probe transaction", "gauge", lastTx.Unix()},
	}

	var b strings.Builder
	for i, m := range metrics {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", m.name, m.help, m.name, m.kind, m.name, m.value)
	}
	return b.String()
}

// probe increments the probe record's counter under an optimistic read.
func (mc *MetricsCollector) probe(ctx context.Context, id primitives.RecordID) error {
	return mc.coord.Update(ctx, func(tx *coordinator.Transaction) error {
		rec, err := mc.coord.Read(ctx, tx, id, coordinator.Optimistic)
		if err != nil {
			return err
		}
		n, _ := rec.Payload["count"].(float64)
		next := rec.Payload.Clone()
		next["count"] = n + 1
		return mc.coord.Write(ctx, tx, id, next, false)
	})
}

// StartSimulation persists a probe record and increments it every interval
// until ctx is done.
func (mc *MetricsCollector) StartSimulation(ctx context.Context, interval time.Duration) error {
	var id primitives.RecordID
	err := mc.coord.Update(ctx, func(tx *coordinator.Transaction) error {
		var err error
		id, err = mc.coord.Persist(ctx, tx, primitives.NewRecordID(probeKind, ""), record.Payload{"count": 0.0})
		return err
	})
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				err := mc.probe(ctx, id)
				mc.RecordTransaction(time.Since(start), err)
			}
		}
	}()
	return nil
}

func main() {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "8080"
	}

	cfg, path, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting entitytx metrics exporter...")
	log.Printf("Config: %q, Engine: %s", path, cfg.Store.Engine)
	log.Printf("Metrics Port: %s", metricsPort)

	coord, err := coordinator.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open coordinator: %v", err)
	}
	defer coord.Close()

	collector := NewMetricsCollector(coord)
	if err := collector.StartSimulation(context.Background(), 5*time.Second); err != nil {
		log.Fatalf("Failed to start probe: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, collector.GetMetrics())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})

	srv := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Metrics available at http://localhost:%s/metrics", metricsPort)
	log.Fatal(srv.ListenAndServe())
}
