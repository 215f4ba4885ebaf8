package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/common/benchmark"
	pagetreebench "github.com/kvtrie/pagetrie/internal/benchmark"
	"github.com/kvtrie/pagetrie/internal/telemetry"
	"github.com/kvtrie/pagetrie/merkle"
	"github.com/kvtrie/pagetrie/store"
)

func main() {
	quick := flag.Bool("quick", false, "Run quick benchmarks (shorter duration)")
	workload := flag.String("workload", "all", "Engine workload to run (all, or a config name like write-heavy-uniform, read-heavy-zipfian, proof-heavy-zipfian); for -engine=pagetree: insert, delete-heavy, mixed, elision-stress")
	duration := flag.Duration("duration", 60*time.Second, "Duration for each benchmark")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent workers")
	engine := flag.String("engine", "compare", "What to benchmark: store-mem, store-disk, pagetree, or compare (mem vs disk store)")
	keys := flag.Int("keys", 50_000, "Number of keys for the pagetree workload")
	elisionThreshold := flag.Uint64("elision-threshold", merkle.DefaultElisionThreshold, "Leaf count below which subtrees are elided")
	shards := flag.Int("shards", 1, "Number of concurrent shards for commits (merkle.ApplySharded)")
	flag.Parse()

	fmt.Println("Page-Tree Engine Benchmark Suite")
	fmt.Println("================================")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Mode: %s\n\n", *engine)

	var configs []benchmark.Config
	if *quick {
		configs = benchmark.QuickWorkloads()
	} else {
		configs = benchmark.StandardWorkloads()
	}

	// Apply custom duration and concurrency if specified
	if flag.Lookup("duration").Value.String() != flag.Lookup("duration").DefValue {
		for i := range configs {
			configs[i].Duration = *duration
		}
	}

	if flag.Lookup("concurrency").Value.String() != flag.Lookup("concurrency").DefValue {
		for i := range configs {
			configs[i].Concurrency = *concurrency
		}
	}

	// Filter workloads if specified
	if *workload != "all" && *engine != "pagetree" {
		filtered := make([]benchmark.Config, 0)
		for _, config := range configs {
			if config.Name == *workload {
				filtered = append(filtered, config)
			}
		}
		if len(filtered) == 0 {
			fmt.Printf("Unknown workload: %s\n", *workload)
			os.Exit(1)
		}
		configs = filtered
	}

	switch *engine {
	case "store-mem":
		runStore(configs, true, *shards)
	case "store-disk":
		runStore(configs, false, *shards)
	case "pagetree":
		runPageTree(*keys, *elisionThreshold, *shards, *workload)
	case "compare":
		runComparison(configs, *shards)
	default:
		fmt.Printf("Unknown engine: %s (must be store-mem, store-disk, pagetree, or compare)\n", *engine)
		os.Exit(1)
	}
}

func runPageTree(keys int, elisionThreshold uint64, shards int, workload string) {
	fmt.Println("=== Page-Tree Walker Benchmark ===")
	fmt.Println()

	log := telemetry.Component(telemetry.New(os.Stdout), "benchmark")

	cfg := pagetreebench.DefaultPageTreeConfig()
	cfg.NumKeys = keys
	cfg.ElisionThreshold = elisionThreshold
	cfg.Shards = shards
	if workload != "all" {
		cfg.Workload = pagetreebench.Workload(workload)
	}

	result, err := pagetreebench.RunPageTreeBenchmark(cfg, log)
	if err != nil {
		fmt.Printf("Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Workload:         %s\n", cfg.Workload)
	fmt.Printf("Keys applied:     %d\n", result.Keys)
	fmt.Printf("Duration:         %v\n", result.Duration)
	fmt.Printf("Throughput:       %.0f keys/sec\n", result.KeysPerSecond)
	fmt.Printf("Pages emitted:    %d (%.0f pages/sec)\n", result.PagesEmitted, result.PagesPerSecond)
	fmt.Printf("Elision rate:     %.1f%% of pages withheld vs an elision-inhibited run\n", result.ElisionRate*100)
	fmt.Printf("Sharded apply:    %v (shards=%d)\n", result.ShardedApplyUsed, shards)
}

func openBenchStore(inMemoryPages bool, shards int) (*store.Store, func(), error) {
	dir, err := os.MkdirTemp("", "benchmark-store-*")
	if err != nil {
		return nil, nil, err
	}
	cfg := store.DefaultConfig(dir)
	cfg.InMemoryPages = inMemoryPages
	cfg.Shards = shards
	s, err := store.New(cfg, telemetry.New(os.Stdout).Level(zerolog.ErrorLevel))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}
	return s, cleanup, nil
}

func runStore(configs []benchmark.Config, inMemoryPages bool, shards int) {
	name := "Store(disk pages)"
	if inMemoryPages {
		name = "Store(mem pages)"
	}
	fmt.Printf("=== %s Benchmark ===\n\n", name)

	s, cleanup, err := openBenchStore(inMemoryPages, shards)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	results := runBenchmarks(s, name, configs)
	printSummaryTable(results)
}

func runComparison(configs []benchmark.Config, shards int) {
	fmt.Println("=== Comparing mem-paged vs. disk-paged store ===")
	fmt.Println()

	memStore, memCleanup, err := openBenchStore(true, shards)
	if err != nil {
		fmt.Printf("Failed to open mem store: %v\n", err)
		os.Exit(1)
	}
	defer memCleanup()

	diskStore, diskCleanup, err := openBenchStore(false, shards)
	if err != nil {
		fmt.Printf("Failed to open disk store: %v\n", err)
		os.Exit(1)
	}
	defer diskCleanup()

	engines := map[string]common.AuthenticatedEngine{
		"Store(mem pages)":  memStore,
		"Store(disk pages)": diskStore,
	}

	suite := benchmark.NewComparisonSuite()
	suite.SetWorkloads(configs)
	results := suite.RunComparison(engines)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("COMPARISON RESULTS")
	fmt.Println(strings.Repeat("=", 80))
	suite.PrintComparisonTable(results)
}

func runBenchmarks(engine common.AuthenticatedEngine, name string, configs []benchmark.Config) []*benchmark.Result {
	results := make([]*benchmark.Result, 0)

	for _, config := range configs {
		fmt.Printf("\n=== Running: %s ===\n", config.Name)

		bench := benchmark.NewBenchmark(engine, config)
		result, err := bench.Run()
		if err != nil {
			fmt.Printf("Benchmark failed: %v\n", err)
			continue
		}

		results = append(results, result)
		printResult(result)
	}

	return results
}

func printResult(r *benchmark.Result) {
	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Printf("Total Ops: %d (writes: %d, reads: %d, proofs: %d)\n",
		r.TotalOps, r.WriteOps, r.ReadOps, r.ProofOps)
	fmt.Printf("Commits: %d (%d distinct roots)\n", r.Commits, r.DistinctRoots)

	printLatency := func(name string, ops int64, s benchmark.LatencyStats) {
		if ops == 0 {
			return
		}
		fmt.Printf("\n%s Latency:\n", name)
		fmt.Printf("  Min:  %8s\n", s.Min)
		fmt.Printf("  Mean: %8s\n", s.Mean)
		fmt.Printf("  P50:  %8s\n", s.P50)
		fmt.Printf("  P95:  %8s\n", s.P95)
		fmt.Printf("  P99:  %8s\n", s.P99)
		fmt.Printf("  P999: %8s\n", s.P999)
		fmt.Printf("  Max:  %8s\n", s.Max)
	}
	printLatency("Write", r.WriteOps, r.WriteLatency)
	printLatency("Read", r.ReadOps, r.ReadLatency)
	printLatency("Proof", r.ProofOps, r.ProofLatency)
	printLatency("Commit", r.Commits, r.CommitLatency)

	fmt.Printf("\nAmplification:\n")
	fmt.Printf("  Write: %.2fx\n", r.WriteAmplification)
	fmt.Printf("  Space: %.2fx\n", r.SpaceAmplification)
	fmt.Printf("\nDisk Usage: %.1f MB\n", r.TotalDiskMB)
}

func printSummaryTable(results []*benchmark.Result) {
	if len(results) == 0 {
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BENCHMARK SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("\n%-25s %12s %12s %12s %12s\n",
		"Workload", "Throughput", "Commit P99", "Proof P99", "Write Amp")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, r := range results {
		commitP99 := "N/A"
		if r.Commits > 0 {
			commitP99 = r.CommitLatency.P99.String()
		}

		proofP99 := "N/A"
		if r.ProofOps > 0 {
			proofP99 = r.ProofLatency.P99.String()
		}

		fmt.Printf("%-25s %10.0f/s %12s %12s %11.2fx\n",
			r.Config.Name,
			r.OpsPerSec,
			commitP99,
			proofP99,
			r.WriteAmplification)
	}
}
