package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"entitytx/pkg/cache"
	"entitytx/pkg/config"
	"entitytx/pkg/coordinator"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

const hotKind primitives.EntityKind = "Counter"

// BenchmarkResult captures the metrics of one contention run.
type BenchmarkResult struct {
	Mode           string        `json:"mode"`               // optimistic or pessimistic
	Operations     int           `json:"operations"`         // read-modify-write transactions attempted
	Workers        int           `json:"workers"`            // concurrent goroutines
	HotRecords     int           `json:"hot_records"`        // records the operations contend on
	TotalDuration  time.Duration `json:"total_duration_ns"`  // wall time for all operations
	AvgDuration    time.Duration `json:"avg_duration_ns"`    // per operation, retries included
	MinDuration    time.Duration `json:"min_duration_ns"`    // fastest operation
	MaxDuration    time.Duration `json:"max_duration_ns"`    // slowest operation
	MedianDuration time.Duration `json:"median_duration_ns"` // median operation
	P95Duration    time.Duration `json:"p95_duration_ns"`    // 95th percentile
	P99Duration    time.Duration `json:"p99_duration_ns"`    // 99th percentile
	OpsPerSecond   float64       `json:"ops_per_second"`     // committed operations per second
	SuccessCount   int           `json:"success_count"`      // operations that committed
	ErrorCount     int           `json:"error_count"`        // operations that gave up
	ConflictCount  int           `json:"conflict_count"`     // version conflicts seen, retried or not
	TimeoutCount   int           `json:"timeout_count"`      // lock timeouts and deadlocks seen
	RetryCount     int           `json:"retry_count"`        // extra attempts
	LostUpdates    int           `json:"lost_updates"`       // commits missing from the final counters
	ErrorSamples   []string      `json:"error_samples"`      // sample error messages for debugging
	Timestamp      time.Time     `json:"timestamp"`          // when this run finished
}

// BenchmarkReport aggregates every run of one invocation.
type BenchmarkReport struct {
	RunID         string            `json:"run_id"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	TotalDuration time.Duration     `json:"total_duration"`
	Engine        string            `json:"engine"`
	LockTimeout   time.Duration     `json:"lock_timeout_ns"`
	Results       []BenchmarkResult `json:"results"`
}

type benchConfig struct {
	workers     int
	ops         int
	records     int
	retries     int
	mode        string
	engine      string
	out         string
	lockTimeout time.Duration
}

// main runs read-modify-write transactions against a small set of hot
// records and reports latency, throughput and how contention was resolved.
func main() {
	var bc benchConfig
	flag.IntVar(&bc.workers, "workers", 8, "Concurrent workers")
	flag.IntVar(&bc.ops, "ops", 1000, "Transactions per mode")
	flag.IntVar(&bc.records, "records", 4, "Number of hot records")
	flag.IntVar(&bc.retries, "retries", 5, "Retries per transaction after a conflict or timeout")
	flag.StringVar(&bc.mode, "mode", "all", "optimistic, pessimistic or all")
	flag.StringVar(&bc.engine, "store", config.EngineMemory, "Store engine: memory or sqlite")
	flag.StringVar(&bc.out, "out", "", "JSON report path (default: ./benchmark-results/contention_<run id>.json)")
	flag.DurationVar(&bc.lockTimeout, "lock-timeout", config.DefaultLockTimeout, "Pessimistic lock timeout")
	flag.Parse()

	modes, err := benchModes(bc.mode)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if bc.workers < 1 || bc.ops < 1 || bc.records < 1 {
		log.Fatalf("workers, ops and records must be positive")
	}

	if err := logging.Init(logging.Config{Level: logging.LevelError}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.Close()

	runID := uuid.NewString()
	if bc.out == "" {
		bc.out = filepath.Join("benchmark-results", fmt.Sprintf("contention_%s.json", runID))
	}

	log.Printf("Starting contention benchmark %s", runID)
	log.Printf("Engine: %s, Workers: %d, Operations: %d, Hot records: %d", bc.engine, bc.workers, bc.ops, bc.records)

	report := BenchmarkReport{
		RunID:       runID,
		StartTime:   time.Now(),
		Engine:      bc.engine,
		LockTimeout: bc.lockTimeout,
	}

	for _, mode := range modes {
		log.Printf("%s", "\n"+strings.Repeat("=", 80))
		log.Printf("MODE: %s", mode)
		log.Printf("%s", strings.Repeat("=", 80))

		result, err := runBenchmark(context.Background(), bc, mode)
		if err != nil {
			log.Fatalf("Benchmark %s failed: %v", mode, err)
		}
		report.Results = append(report.Results, result)
		printBenchmarkResult(result)
	}

	report.EndTime = time.Now()
	report.TotalDuration = report.EndTime.Sub(report.StartTime)

	log.Printf("")
	log.Printf("  Total Duration: %s", formatDuration(report.TotalDuration))
	saveJSONReport(report, bc.out)
}

func benchModes(s string) ([]coordinator.LockMode, error) {
	switch strings.ToLower(s) {
	case "optimistic":
		return []coordinator.LockMode{coordinator.Optimistic}, nil
	case "pessimistic":
		return []coordinator.LockMode{coordinator.PessimisticWrite}, nil
	case "all", "":
		return []coordinator.LockMode{coordinator.Optimistic, coordinator.PessimisticWrite}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q (use optimistic, pessimistic or all)", s)
	}
}

// openCoordinator builds a fresh coordinator with the hot kind cached.
func openCoordinator(bc benchConfig) (*coordinator.Coordinator, error) {
	cfg := config.DefaultConfig()
	cfg.Store.Engine = bc.engine
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := coordinator.OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	c := cache.New(cache.Options{
		Kinds:  []primitives.EntityKind{hotKind},
		Policy: cache.PolicyRefresh,
	})
	return coordinator.New(s, c,
		coordinator.WithLockTimeout(bc.lockTimeout),
		coordinator.WithDeadlockDetection(true),
	), nil
}

// seed commits the hot records with their counters at zero.
func seed(ctx context.Context, c *coordinator.Coordinator, n int) ([]primitives.RecordID, error) {
	ids := make([]primitives.RecordID, n)
	err := c.Update(ctx, func(tx *coordinator.Transaction) error {
		for i := range ids {
			id, err := c.Persist(ctx, tx, primitives.NewRecordID(hotKind, ""), record.Payload{"counter": 0.0})
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	return ids, err
}

// increment reads id under mode, adds one to its counter and commits.
func increment(ctx context.Context, c *coordinator.Coordinator, id primitives.RecordID, mode coordinator.LockMode) error {
	return c.Update(ctx, func(tx *coordinator.Transaction) error {
		rec, err := c.Read(ctx, tx, id, mode)
		if err != nil {
			return err
		}
		counter, _ := rec.Payload["counter"].(float64)
		next := rec.Payload.Clone()
		next["counter"] = counter + 1
		return c.Write(ctx, tx, id, next, false)
	})
}

// runBenchmark executes bc.ops increments over the hot records with at most
// bc.workers in flight, retrying conflicts and timeouts up to bc.retries
// times, then checks that every commit is reflected in the counters.
func runBenchmark(ctx context.Context, bc benchConfig, mode coordinator.LockMode) (BenchmarkResult, error) {
	c, err := openCoordinator(bc)
	if err != nil {
		return BenchmarkResult{}, err
	}
	defer c.Close()

	ids, err := seed(ctx, c, bc.records)
	if err != nil {
		return BenchmarkResult{}, err
	}

	var (
		mu           sync.Mutex
		durations    = make([]time.Duration, 0, bc.ops)
		successCount int
		errorCount   int
		conflicts    int
		timeouts     int
		retries      int
		errorSamples = make([]string, 0, 5)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bc.workers)
	startTime := time.Now()

	for range bc.ops {
		id := ids[rand.IntN(len(ids))]
		g.Go(func() error {
			opStart := time.Now()
			var err error
			attempts := 0
			for attempts <= bc.retries {
				attempts++
				if err = increment(gctx, c, id, mode); err == nil || !dberror.IsRetryable(err) {
					break
				}
				mu.Lock()
				if errors.Is(err, dberror.ErrVersionConflict) {
					conflicts++
				} else {
					timeouts++
				}
				mu.Unlock()
			}
			duration := time.Since(opStart)

			mu.Lock()
			defer mu.Unlock()
			durations = append(durations, duration)
			retries += attempts - 1
			if err != nil {
				errorCount++
				if len(errorSamples) < 5 {
					errorSamples = append(errorSamples, err.Error())
				}
			} else {
				successCount++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, err
	}
	totalDuration := time.Since(startTime)

	total, err := sumCounters(ctx, c, ids)
	if err != nil {
		return BenchmarkResult{}, err
	}

	slices.Sort(durations)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return BenchmarkResult{
		Mode:           mode.String(),
		Operations:     bc.ops,
		Workers:        bc.workers,
		HotRecords:     bc.records,
		TotalDuration:  totalDuration,
		AvgDuration:    sum / time.Duration(len(durations)),
		MinDuration:    durations[0],
		MaxDuration:    durations[len(durations)-1],
		MedianDuration: durations[len(durations)/2],
		P95Duration:    durations[int(float64(len(durations))*0.95)],
		P99Duration:    durations[int(float64(len(durations))*0.99)],
		OpsPerSecond:   float64(successCount) / totalDuration.Seconds(),
		SuccessCount:   successCount,
		ErrorCount:     errorCount,
		ConflictCount:  conflicts,
		TimeoutCount:   timeouts,
		RetryCount:     retries,
		LostUpdates:    successCount - total,
		ErrorSamples:   errorSamples,
		Timestamp:      time.Now(),
	}, nil
}

func sumCounters(ctx context.Context, c *coordinator.Coordinator, ids []primitives.RecordID) (int, error) {
	total := 0
	err := c.View(func(tx *coordinator.Transaction) error {
		for _, id := range ids {
			rec, err := c.Read(ctx, tx, id, coordinator.None)
			if err != nil {
				return err
			}
			counter, _ := rec.Payload["counter"].(float64)
			total += int(counter)
		}
		return nil
	})
	return total, err
}

// formatDuration formats a duration in a human-readable way with appropriate units.
// Examples: 1.23ms, 456.78µs, 12.34s
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

// printBenchmarkResult outputs the statistics of one run.
func printBenchmarkResult(result BenchmarkResult) {
	successRate := float64(result.SuccessCount) / float64(result.Operations) * 100

	log.Printf("  ┌─ Results")
	log.Printf("  │  Total Time:        %s", formatDuration(result.TotalDuration))
	log.Printf("  │  Avg per Tx:        %s", formatDuration(result.AvgDuration))
	log.Printf("  │  Min / Max:         %s / %s", formatDuration(result.MinDuration), formatDuration(result.MaxDuration))
	log.Printf("  │  Median (P50):      %s", formatDuration(result.MedianDuration))
	log.Printf("  │  P95:               %s", formatDuration(result.P95Duration))
	log.Printf("  │  P99:               %s", formatDuration(result.P99Duration))
	log.Printf("  │  Throughput:        %.0f commits/sec", result.OpsPerSecond)
	log.Printf("  │  Success Rate:      %.1f%% (%d/%d)", successRate, result.SuccessCount, result.Operations)
	log.Printf("  │  Conflicts:         %d", result.ConflictCount)
	log.Printf("  │  Timeouts:          %d", result.TimeoutCount)
	log.Printf("  │  Retries:           %d", result.RetryCount)
	log.Printf("  │  Lost Updates:      %d", result.LostUpdates)

	if result.ErrorCount > 0 && len(result.ErrorSamples) > 0 {
		log.Printf("  │")
		log.Printf("  │  ⚠ Errors detected (%d failures):", result.ErrorCount)
		for i, errMsg := range result.ErrorSamples {
			safe := strings.NewReplacer("\n", " ", "\r", " ").Replace(errMsg)
			if i == 0 {
				log.Printf("  │     Sample: %s", safe)
			} else if i < 3 {
				log.Printf("  │            %s", safe)
			}
		}
	}

	log.Printf("  └─")
}

// saveJSONReport serializes the report to filename, creating its directory.
func saveJSONReport(report BenchmarkReport, filename string) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		log.Printf("Error creating report directory: %v", err)
		return
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("Error marshaling report: %v", err)
		return
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		log.Printf("Error writing JSON report: %v", err)
		return
	}

	log.Printf("JSON report saved: %s", filename)
}
