// Package bench measures the local data paths of the offline engine.
//
// The benchmark seeds a disposable store with synthetic patients and
// measures write, read and search latency under concurrency, then
// compares the cold store path (decode every envelope) against the
// warm cache read-through. Clinic devices are modest hardware; the
// numbers here validate that the size caps keep full-scan search
// tolerable.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// NumRecords is how many synthetic patients to seed.
	NumRecords int

	// NumWorkers is the number of concurrent readers to simulate.
	NumWorkers int

	// QueriesPerWorker is how many operations each worker performs.
	QueriesPerWorker int

	// DBPath is where the disposable database lives. Empty uses a
	// temp directory.
	DBPath string
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumRecords:       2000,
		NumWorkers:       8,
		QueriesPerWorker: 50,
	}
}

// LatencyStats captures latency metrics for one operation class.
type LatencyStats struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	TotalOps int
	Errors   int
}

// OpResult is the outcome of benchmarking one operation class.
type OpResult struct {
	Name    string
	Latency LatencyStats
	OpsPerS float64
	Elapsed time.Duration
}

// Result captures a full benchmark run.
type Result struct {
	Config Config

	Seed   OpResult // bulk write path
	Read   OpResult // warm cache read-through
	Cold   OpResult // direct store reads
	Search OpResult // full-scan search under the cap

	// ReadSpeedup is cold mean / warm mean; above 1 the cache path wins.
	ReadSpeedup float64

	DBSizeBytes int64
	StartedAt   time.Time
	TotalTime   time.Duration
}

// Run executes the full benchmark.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.NumRecords <= 0 {
		cfg.NumRecords = DefaultConfig().NumRecords
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultConfig().NumWorkers
	}
	if cfg.QueriesPerWorker <= 0 {
		cfg.QueriesPerWorker = DefaultConfig().QueriesPerWorker
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "xear-bench")
		if err != nil {
			return nil, fmt.Errorf("failed to create bench directory: %w", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "bench.db")
	}

	st, err := store.Open(dbPath, benchCatalog(cfg.NumRecords))
	if err != nil {
		return nil, fmt.Errorf("failed to open bench store: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to init bench schema: %w", err)
	}
	c := cache.New(st, nil, nil)

	result := &Result{Config: cfg, StartedAt: time.Now().UTC()}

	ids, seed, err := seedRecords(ctx, st, cfg.NumRecords)
	if err != nil {
		return nil, err
	}
	result.Seed = seed

	result.Read, err = runWorkers(ctx, "cache read", cfg, func(ctx context.Context, rng *rand.Rand) error {
		_, err := c.GetCached(ctx, "patients", ids[rng.Intn(len(ids))])
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Cold, err = runWorkers(ctx, "store read", cfg, func(ctx context.Context, rng *rand.Rand) error {
		_, err := st.GetRecordContext(ctx, "patients", ids[rng.Intn(len(ids))])
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Search, err = runWorkers(ctx, "search", cfg, func(ctx context.Context, rng *rand.Rand) error {
		_, err := c.Search(ctx, "patients", cache.SearchQuery{
			Text:  fmt.Sprintf("hasta-%03d", rng.Intn(1000)),
			Limit: 20,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if warm := result.Read.Latency.Mean; warm > 0 {
		result.ReadSpeedup = float64(result.Cold.Latency.Mean) / float64(warm)
	}
	result.DBSizeBytes, _ = st.SizeBytes()
	result.TotalTime = time.Since(result.StartedAt)
	return result, nil
}

// benchCatalog raises the patients cap so seeding is never evicted
// mid-run.
func benchCatalog(numRecords int) *kinds.Catalog {
	cat := kinds.Default()
	k := cat.Kinds["patients"]
	if k.CacheCap < numRecords {
		k.CacheCap = numRecords
	}
	cat.Kinds["patients"] = k
	return cat
}

// seedRecords bulk-writes synthetic patients and measures the write path.
func seedRecords(ctx context.Context, st *store.Store, count int) ([]string, OpResult, error) {
	ids := make([]string, count)
	durations := make([]time.Duration, 0, count)
	baseTime := time.Now().UTC().Add(-30 * 24 * time.Hour)

	start := time.Now()
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("bench-%06d", i)
		ids[i] = id
		payload, _ := json.Marshal(map[string]interface{}{
			"id":        id,
			"firstName": fmt.Sprintf("hasta-%03d", i%1000),
			"lastName":  fmt.Sprintf("soyad-%03d", i%500),
			"phone":     fmt.Sprintf("+90 555 %07d", i),
		})
		rec := &record.Record{
			ID:         id,
			Kind:       "patients",
			Payload:    payload,
			SyncStatus: record.StatusSynced,
			CreatedAt:  baseTime.Add(time.Duration(i) * time.Minute),
			UpdatedAt:  baseTime.Add(time.Duration(i) * time.Minute),
		}
		opStart := time.Now()
		if err := st.PutRecordContext(ctx, rec); err != nil {
			return nil, OpResult{}, fmt.Errorf("failed to seed record %s: %w", id, err)
		}
		durations = append(durations, time.Since(opStart))
	}
	elapsed := time.Since(start)

	return ids, OpResult{
		Name:    "seed write",
		Latency: ComputeStats(durations),
		OpsPerS: float64(count) / elapsed.Seconds(),
		Elapsed: elapsed,
	}, nil
}

// runWorkers fans one operation out over the configured workers and
// aggregates latencies.
func runWorkers(ctx context.Context, name string, cfg Config, op func(context.Context, *rand.Rand) error) (OpResult, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, cfg.NumWorkers)
	errCounts := make(chan int, cfg.NumWorkers)

	start := time.Now()
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			// Deterministic per-worker source for reproducible runs.
			rng := rand.New(rand.NewSource(int64(worker) + 42))
			durations := make([]time.Duration, 0, cfg.QueriesPerWorker)
			errs := 0
			for j := 0; j < cfg.QueriesPerWorker; j++ {
				opStart := time.Now()
				if err := op(ctx, rng); err != nil {
					errs++
					continue
				}
				durations = append(durations, time.Since(opStart))
			}
			results <- durations
			errCounts <- errs
		}(i)
	}
	wg.Wait()
	close(results)
	close(errCounts)
	elapsed := time.Since(start)

	var all []time.Duration
	for ds := range results {
		all = append(all, ds...)
	}
	errs := 0
	for e := range errCounts {
		errs += e
	}
	if len(all) == 0 {
		return OpResult{}, fmt.Errorf("no successful %s operations completed", name)
	}

	stats := ComputeStats(all)
	stats.Errors = errs
	return OpResult{
		Name:    name,
		Latency: stats,
		OpsPerS: float64(len(all)) / elapsed.Seconds(),
		Elapsed: elapsed,
	}, nil
}

// ComputeStats calculates latency statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:      sorted[0],
		P50:      sorted[len(sorted)*50/100],
		Mean:     sum / time.Duration(len(sorted)),
		P95:      sorted[len(sorted)*95/100],
		P99:      sorted[len(sorted)*99/100],
		Max:      sorted[len(sorted)-1],
		TotalOps: len(sorted),
	}
}
