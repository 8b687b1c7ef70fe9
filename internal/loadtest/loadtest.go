// Package loadtest soaks the engine facade under concurrent access.
//
// A clinic device runs the UI shell, the intake watcher and background
// sync against one engine at once. The soak simulates that pattern
// with a worker pool issuing mixed saves, reads and searches, and
// verifies the results stay consistent while measuring latency.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/bench"
	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
)

// Config defines the soak parameters.
type Config struct {
	// Workers is the number of concurrent clients to simulate.
	Workers int

	// OpsPerWorker is how many operations each worker performs.
	OpsPerWorker int

	// Kind is the entity kind the soak writes and reads.
	Kind string
}

// DefaultConfig returns soak settings matching a busy clinic device.
func DefaultConfig() Config {
	return Config{
		Workers:      16,
		OpsPerWorker: 100,
		Kind:         "patients",
	}
}

// Result aggregates the soak outcome.
type Result struct {
	Config Config

	Saves    bench.LatencyStats
	Reads    bench.LatencyStats
	Searches bench.LatencyStats

	TotalOps  int
	Errors    []string
	TotalTime time.Duration
}

// Failed reports whether any worker observed an error or an
// inconsistent read.
func (r *Result) Failed() bool {
	return len(r.Errors) > 0
}

// Run executes the soak against an assembled engine.
func Run(ctx context.Context, eng engine.Engine, cfg Config) (*Result, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.OpsPerWorker <= 0 {
		cfg.OpsPerWorker = DefaultConfig().OpsPerWorker
	}
	if cfg.Kind == "" {
		cfg.Kind = "patients"
	}

	type workerOut struct {
		saves, reads, searches []time.Duration
		errs                   []string
	}
	outs := make(chan workerOut, cfg.Workers)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			out := workerOut{}
			rng := rand.New(rand.NewSource(int64(worker) + 7))
			var ownIDs []string

			for j := 0; j < cfg.OpsPerWorker; j++ {
				if ctx.Err() != nil {
					break
				}
				switch {
				// Roughly 1 write per 4 reads and an occasional search,
				// the shape of a front desk looking patients up.
				case j%5 == 0:
					payload, _ := json.Marshal(map[string]interface{}{
						"firstName": fmt.Sprintf("soak-%d-%d", worker, j),
						"lastName":  "yuk",
						"phone":     fmt.Sprintf("+90 555 %03d%04d", worker, j),
					})
					opStart := time.Now()
					rec, err := eng.Save(ctx, cfg.Kind, payload)
					elapsed := time.Since(opStart)
					if err != nil {
						out.errs = append(out.errs, fmt.Sprintf("worker %d save %d: %v", worker, j, err))
						continue
					}
					out.saves = append(out.saves, elapsed)
					if rec.ID == "" {
						out.errs = append(out.errs, fmt.Sprintf("worker %d: save returned empty id", worker))
						continue
					}
					ownIDs = append(ownIDs, rec.ID)

				case j%7 == 0:
					opStart := time.Now()
					res, err := eng.Search(ctx, cfg.Kind, cache.SearchQuery{
						Text:  fmt.Sprintf("soak-%d", worker),
						Limit: 10,
					})
					elapsed := time.Since(opStart)
					if err != nil {
						out.errs = append(out.errs, fmt.Sprintf("worker %d search %d: %v", worker, j, err))
						continue
					}
					out.searches = append(out.searches, elapsed)
					if res.FilteredCount < len(res.Items) {
						out.errs = append(out.errs,
							fmt.Sprintf("worker %d: filtered count %d below page size %d",
								worker, res.FilteredCount, len(res.Items)))
					}

				default:
					if len(ownIDs) == 0 {
						continue
					}
					id := ownIDs[rng.Intn(len(ownIDs))]
					opStart := time.Now()
					rec, err := eng.Get(ctx, cfg.Kind, id)
					elapsed := time.Since(opStart)
					if err != nil {
						out.errs = append(out.errs, fmt.Sprintf("worker %d read %d: %v", worker, j, err))
						continue
					}
					out.reads = append(out.reads, elapsed)
					// Own writes must stay visible and intact.
					if rec == nil {
						out.errs = append(out.errs, fmt.Sprintf("worker %d: own record %s missing", worker, id))
						continue
					}
					if rec.ID != id || rec.Kind != cfg.Kind {
						out.errs = append(out.errs, fmt.Sprintf("worker %d: read %s returned %s/%s",
							worker, id, rec.Kind, rec.ID))
					}
				}
			}
			outs <- out
		}(i)
	}
	wg.Wait()
	close(outs)

	result := &Result{Config: cfg, TotalTime: time.Since(start)}
	var saves, reads, searches []time.Duration
	for out := range outs {
		saves = append(saves, out.saves...)
		reads = append(reads, out.reads...)
		searches = append(searches, out.searches...)
		result.Errors = append(result.Errors, out.errs...)
	}
	result.Saves = bench.ComputeStats(saves)
	result.Reads = bench.ComputeStats(reads)
	result.Searches = bench.ComputeStats(searches)
	result.TotalOps = len(saves) + len(reads) + len(searches)
	return result, nil
}
