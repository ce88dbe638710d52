// Command profiled-bench measures profile lifecycle throughput against a
// configured store. Each operation claims a key, applies a number of
// update+save rounds and releases; workers run disjoint key ranges so the
// numbers measure the store, not lease contention. Keys are namespaced by a
// per-run id, so pointing it at a shared bucket is safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"pkt.systems/profiled"
	"pkt.systems/pslog"
)

type benchConfig struct {
	storeURL      string
	ops           int
	concurrency   int
	savesPerClaim int
	payloadBytes  int
	cooldown      time.Duration
	store         string
	logLevel      string
	keep          bool
}

func main() {
	cfg := benchConfig{
		ops:           1000,
		concurrency:   8,
		savesPerClaim: 3,
		payloadBytes:  512,
		cooldown:      time.Millisecond,
		store:         "bench",
		logLevel:      "warn",
	}
	flag.StringVar(&cfg.storeURL, "store", "mem://", "storage backend URL (mem://, disk:///path, s3://..., aws://..., azure://...)")
	flag.IntVar(&cfg.ops, "ops", cfg.ops, "number of claim/save/release cycles")
	flag.IntVar(&cfg.concurrency, "concurrency", cfg.concurrency, "number of concurrent workers")
	flag.IntVar(&cfg.savesPerClaim, "saves", cfg.savesPerClaim, "update+save rounds per claim")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", cfg.payloadBytes, "record payload size in bytes")
	flag.DurationVar(&cfg.cooldown, "cooldown", cfg.cooldown, "remote write cooldown (production default is 7s; keep this low to measure the store)")
	flag.StringVar(&cfg.store, "store-name", cfg.store, "record store name to bench in")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level (trace,debug,info,warn,error)")
	flag.BoolVar(&cfg.keep, "keep", false, "keep bench records instead of wiping them")
	flag.Parse()

	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "profiled-bench: %v\n", err)
		os.Exit(1)
	}
}

type phaseSamples struct {
	mu      sync.Mutex
	samples []time.Duration
	errs    atomic.Int64
}

func (p *phaseSamples) record(d time.Duration) {
	p.mu.Lock()
	p.samples = append(p.samples, d)
	p.mu.Unlock()
}

func run(ctx context.Context, cfg benchConfig) error {
	if cfg.ops <= 0 || cfg.concurrency <= 0 {
		return fmt.Errorf("ops and concurrency must be positive")
	}
	level, ok := pslog.ParseLevel(cfg.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.logLevel)
	}
	logger := pslog.NewStructured(os.Stderr).LogLevel(level)

	svc, err := profiled.Open(ctx, profiled.Config{
		StoreURL:            cfg.storeURL,
		ProcessID:           "bench-" + xid.New().String(),
		RemoteWriteCooldown: cfg.cooldown,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close(context.Background())

	store, err := svc.Store(profiled.StoreConfig{
		Name:     cfg.store,
		Template: map[string]any{"round": 0, "blob": ""},
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	runID := xid.New().String()
	payload := strings.Repeat("x", cfg.payloadBytes)
	var claims, saves, releases phaseSamples

	fmt.Printf("profiled-bench run=%s store=%s ops=%s concurrency=%d saves/claim=%d payload=%d bytes\n",
		runID, cfg.storeURL, humanize.Comma(int64(cfg.ops)), cfg.concurrency, cfg.savesPerClaim, cfg.payloadBytes)

	started := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for op := worker; op < cfg.ops; op += cfg.concurrency {
				key := fmt.Sprintf("bench-%s-%06d", runID, op)
				begin := time.Now()
				profile, err := store.Claim(ctx, key)
				if err != nil {
					claims.errs.Add(1)
					continue
				}
				claims.record(time.Since(begin))
				for round := 0; round < cfg.savesPerClaim; round++ {
					profile.Update(func(data map[string]any) {
						data["round"] = round
						data["blob"] = payload
					})
					begin = time.Now()
					if err := profile.Save(ctx); err != nil {
						saves.errs.Add(1)
						break
					}
					saves.record(time.Since(begin))
				}
				begin = time.Now()
				if err := profile.Release(ctx); err != nil {
					releases.errs.Add(1)
					continue
				}
				releases.record(time.Since(begin))
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(started)

	fmt.Printf("total %s in %s (%.1f cycles/s)\n",
		humanize.Comma(int64(len(releases.samples))), elapsed.Round(time.Millisecond),
		float64(len(releases.samples))/elapsed.Seconds())
	printPhase("claim", &claims, elapsed)
	printPhase("save", &saves, elapsed)
	printPhase("release", &releases, elapsed)

	if !cfg.keep {
		if err := cleanup(ctx, store, runID); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}

func printPhase(label string, p *phaseSamples, elapsed time.Duration) {
	s := summarize(p.samples)
	fmt.Printf("%-8s ops=%-10s rate=%9.1f/s avg=%-10s min=%-10s p50=%-10s p90=%-10s p99=%-10s max=%-10s errs=%d\n",
		label,
		humanize.Comma(int64(s.count)),
		float64(s.count)/elapsed.Seconds(),
		s.avg.Round(time.Microsecond),
		s.min.Round(time.Microsecond),
		s.p50.Round(time.Microsecond),
		s.p90.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
		s.max.Round(time.Microsecond),
		p.errs.Load(),
	)
}

func cleanup(ctx context.Context, store *profiled.ProfileStore, runID string) error {
	prefix := "bench-" + runID + "-"
	for {
		keys, err := store.List(ctx, prefix, 1000)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		for _, key := range keys {
			if err := store.Wipe(ctx, key); err != nil {
				return fmt.Errorf("wipe %s: %w", key, err)
			}
		}
		if len(keys) < 1000 {
			return nil
		}
	}
}

type benchSummary struct {
	count int
	avg   time.Duration
	min   time.Duration
	max   time.Duration
	p50   time.Duration
	p90   time.Duration
	p99   time.Duration
}

func summarize(samples []time.Duration) benchSummary {
	if len(samples) == 0 {
		return benchSummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	total := time.Duration(0)
	for _, d := range samples {
		total += d
	}
	return benchSummary{
		count: len(samples),
		avg:   time.Duration(int64(total) / int64(len(samples))),
		min:   samples[0],
		max:   samples[len(samples)-1],
		p50:   percentile(samples, 50),
		p90:   percentile(samples, 90),
		p99:   percentile(samples, 99),
	}
}

func percentile(sorted []time.Duration, pct float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * pct / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
