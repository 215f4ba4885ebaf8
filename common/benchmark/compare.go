package benchmark

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/kvtrie/pagetrie/common"
)

// ComparisonSuite runs the same workloads against several engine
// configurations (typically the same store over different page-set
// backends) and tabulates throughput, commit and proof latency, and
// write amplification side by side.
type ComparisonSuite struct {
	configs []Config
}

func NewComparisonSuite() *ComparisonSuite {
	return &ComparisonSuite{
		configs: StandardWorkloads(),
	}
}

// SetWorkloads sets custom workload configurations
func (cs *ComparisonSuite) SetWorkloads(configs []Config) {
	cs.configs = configs
}

// StandardWorkloads returns the full benchmark scenarios.
func StandardWorkloads() []Config {
	return []Config{
		{
			Name:           "write-heavy-uniform",
			WorkloadType:   WorkloadWriteHeavy,
			KeyMode:        KeyUniform,
			NumKeys:        1_000_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       60 * time.Second,
			Concurrency:    8,
			PreloadKeys:    100_000,
			CommitInterval: 100 * time.Millisecond,
			Seed:           12345,
		},
		{
			Name:           "read-heavy-zipfian",
			WorkloadType:   WorkloadReadHeavy,
			KeyMode:        KeyZipfian,
			NumKeys:        1_000_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       60 * time.Second,
			Concurrency:    8,
			PreloadKeys:    500_000,
			CommitInterval: 250 * time.Millisecond,
			Seed:           12345,
		},
		{
			Name:           "balanced-uniform",
			WorkloadType:   WorkloadBalanced,
			KeyMode:        KeyUniform,
			NumKeys:        1_000_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       60 * time.Second,
			Concurrency:    8,
			PreloadKeys:    100_000,
			CommitInterval: 100 * time.Millisecond,
			Seed:           12345,
		},
		{
			Name:           "proof-heavy-zipfian",
			WorkloadType:   WorkloadProofHeavy,
			KeyMode:        KeyZipfian,
			NumKeys:        500_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       60 * time.Second,
			Concurrency:    8,
			PreloadKeys:    250_000,
			CommitInterval: 250 * time.Millisecond,
			Seed:           12345,
		},
		{
			Name:           "write-only-sequential",
			WorkloadType:   WorkloadWriteOnly,
			KeyMode:        KeySequential,
			NumKeys:        1_000_000,
			KeySize:        16,
			ValueSize:      1000, // Larger values
			Duration:       30 * time.Second,
			Concurrency:    1,
			PreloadKeys:    0,
			CommitInterval: 100 * time.Millisecond,
			Seed:           12345,
		},
	}
}

// QuickWorkloads returns faster workloads for testing. Key counts are
// sized so a run seals many commits, exercising the whole
// stage-commit-prove cycle rather than a single giant batch.
func QuickWorkloads() []Config {
	return []Config{
		{
			Name:           "quick-write-heavy",
			WorkloadType:   WorkloadWriteHeavy,
			KeyMode:        KeyUniform,
			NumKeys:        50_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       15 * time.Second,
			Concurrency:    8,
			PreloadKeys:    5_000,
			CommitInterval: 50 * time.Millisecond,
			Seed:           12345,
		},
		{
			Name:           "quick-balanced",
			WorkloadType:   WorkloadBalanced,
			KeyMode:        KeyUniform,
			NumKeys:        50_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       15 * time.Second,
			Concurrency:    8,
			PreloadKeys:    10_000,
			CommitInterval: 50 * time.Millisecond,
			Seed:           12345,
		},
		{
			Name:           "quick-proof-heavy",
			WorkloadType:   WorkloadProofHeavy,
			KeyMode:        KeyZipfian,
			NumKeys:        50_000,
			KeySize:        16,
			ValueSize:      100,
			Duration:       15 * time.Second,
			Concurrency:    8,
			PreloadKeys:    30_000,
			CommitInterval: 100 * time.Millisecond,
			Seed:           12345,
		},
	}
}

// RunComparison runs all workloads against each engine in turn. Engine
// names are iterated in sorted order so the tables are stable.
func (cs *ComparisonSuite) RunComparison(engines map[string]common.AuthenticatedEngine) map[string][]*Result {
	results := make(map[string][]*Result)

	for _, engineName := range sortedNames(engines) {
		engine := engines[engineName]
		fmt.Printf("\n=== Benchmarking %s ===\n", engineName)
		engineResults := make([]*Result, 0)

		for _, config := range cs.configs {
			fmt.Printf("\nRunning: %s\n", config.Name)

			bench := NewBenchmark(engine, config)
			result, err := bench.Run()
			if err != nil {
				fmt.Printf("ERROR: %v\n", err)
				continue
			}

			engineResults = append(engineResults, result)
			cs.printResult(result)
		}

		results[engineName] = engineResults
	}

	return results
}

func (cs *ComparisonSuite) printResult(r *Result) {
	fmt.Printf("\nResults for: %s\n", r.Config.Name)
	fmt.Printf("  Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Printf("  Total Ops: %d (writes: %d, reads: %d, proofs: %d)\n",
		r.TotalOps, r.WriteOps, r.ReadOps, r.ProofOps)
	fmt.Printf("  Commits: %d (%d distinct roots)\n", r.Commits, r.DistinctRoots)

	printLat := func(name string, ops int64, s LatencyStats) {
		if ops == 0 {
			return
		}
		fmt.Printf("  %s Latency (μs): p50 %d, p95 %d, p99 %d, p999 %d\n",
			name, s.P50.Microseconds(), s.P95.Microseconds(),
			s.P99.Microseconds(), s.P999.Microseconds())
	}
	printLat("Write", r.WriteOps, r.WriteLatency)
	printLat("Read", r.ReadOps, r.ReadLatency)
	printLat("Proof", r.ProofOps, r.ProofLatency)
	printLat("Commit", r.Commits, r.CommitLatency)

	fmt.Printf("  Amplification: write %.2fx, space %.2fx\n",
		r.WriteAmplification, r.SpaceAmplification)
	fmt.Printf("  Disk Usage: %.1f MB\n", r.TotalDiskMB)
}

// PrintComparisonTable tabulates the engines side by side.
func (cs *ComparisonSuite) PrintComparisonTable(results map[string][]*Result) {
	engineNames := make([]string, 0, len(results))
	for name := range results {
		engineNames = append(engineNames, name)
	}
	sort.Strings(engineNames)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	table := func(title string, cell func(*Result) string) {
		fmt.Fprintf(w, "\n=== %s ===\n", title)
		fmt.Fprintf(w, "Workload\t")
		for _, engine := range engineNames {
			fmt.Fprintf(w, "%s\t", engine)
		}
		fmt.Fprintln(w)

		for i, config := range cs.configs {
			fmt.Fprintf(w, "%s\t", config.Name)
			for _, engine := range engineNames {
				if i < len(results[engine]) {
					fmt.Fprintf(w, "%s\t", cell(results[engine][i]))
				} else {
					fmt.Fprintf(w, "N/A\t")
				}
			}
			fmt.Fprintln(w)
		}
		w.Flush()
	}

	table("THROUGHPUT (ops/sec)", func(r *Result) string {
		return fmt.Sprintf("%.0f", r.OpsPerSec)
	})
	table("COMMIT P99 (μs)", func(r *Result) string {
		if r.Commits == 0 {
			return "N/A"
		}
		return fmt.Sprintf("%d", r.CommitLatency.P99.Microseconds())
	})
	table("PROOF P99 (μs)", func(r *Result) string {
		if r.ProofOps == 0 {
			return "N/A"
		}
		return fmt.Sprintf("%d", r.ProofLatency.P99.Microseconds())
	})
	table("WRITE AMPLIFICATION", func(r *Result) string {
		return fmt.Sprintf("%.2fx", r.WriteAmplification)
	})
}

func sortedNames(engines map[string]common.AuthenticatedEngine) []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
