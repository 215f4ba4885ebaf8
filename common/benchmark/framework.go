// Package benchmark is the workload harness for authenticated engines:
// it drives staged writes, reads, and path proofs against a
// common.AuthenticatedEngine while a committer goroutine seals batches
// on a fixed cadence, and reports per-operation and per-commit latency
// alongside the engine's amplification stats and the number of
// distinct roots the run produced.
package benchmark

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvtrie/pagetrie/common"
	"github.com/kvtrie/pagetrie/witness"
)

// WorkloadType defines the operation mix.
type WorkloadType string

const (
	WorkloadWriteHeavy WorkloadType = "write-heavy" // 90% writes, few proofs
	WorkloadReadHeavy  WorkloadType = "read-heavy"  // 85% reads, 10% proofs
	WorkloadBalanced   WorkloadType = "balanced"    // even writes/reads, 10% proofs
	WorkloadWriteOnly  WorkloadType = "write-only"  // 100% writes
	WorkloadProofHeavy WorkloadType = "proof-heavy" // 50% proofs over a warm set
)

// opMix returns the write and read fractions for a workload; whatever
// remains is proof traffic.
func opMix(w WorkloadType) (write, read float64) {
	switch w {
	case WorkloadWriteOnly:
		return 1.00, 0.00
	case WorkloadWriteHeavy:
		return 0.90, 0.08
	case WorkloadReadHeavy:
		return 0.05, 0.85
	case WorkloadProofHeavy:
		return 0.10, 0.40
	default:
		return 0.45, 0.45
	}
}

// Config defines a benchmark scenario.
type Config struct {
	Name string

	WorkloadType WorkloadType
	KeyMode      KeyMode

	NumKeys   int // Total unique keys in dataset
	KeySize   int // Bytes
	ValueSize int // Bytes

	Duration    time.Duration // How long to run
	Concurrency int           // Number of concurrent workers

	PreloadKeys int // Keys committed before the benchmark starts

	// CommitInterval is the cadence of the committer goroutine sealing
	// staged mutations into a new root during the run.
	CommitInterval time.Duration

	Seed int64
}

// Result reports one scenario's outcome.
type Result struct {
	Config Config

	// Throughput
	TotalOps  int64
	WriteOps  int64
	ReadOps   int64
	ProofOps  int64
	Commits   int64
	Duration  time.Duration
	OpsPerSec float64

	// Latency
	WriteLatency  LatencyStats
	ReadLatency   LatencyStats
	ProofLatency  LatencyStats
	CommitLatency LatencyStats

	// DistinctRoots counts the different roots the run's commits
	// produced; an idle or write-free run moves the root rarely.
	DistinctRoots int

	// Amplification, from engine stats
	WriteAmplification float64
	SpaceAmplification float64

	TotalDiskMB float64
	EngineStats common.Stats
}

// Prover is the optional proof surface an engine may expose; proof ops
// fall back to reads when the engine does not implement it.
type Prover interface {
	Prove(key []byte) (witness.PathProof, error)
}

// Benchmark drives one Config against one engine.
type Benchmark struct {
	engine common.AuthenticatedEngine
	prover Prover
	config Config

	keys *KeyGenerator

	writeLat  *LatencyHistogram
	readLat   *LatencyHistogram
	proofLat  *LatencyHistogram
	commitLat *LatencyHistogram

	writeCount atomic.Int64
	readCount  atomic.Int64
	proofCount atomic.Int64
	errorCount atomic.Int64

	commitCount atomic.Int64
	rootMu      sync.Mutex
	roots       map[[32]byte]struct{}
}

func NewBenchmark(engine common.AuthenticatedEngine, config Config) *Benchmark {
	b := &Benchmark{
		engine: engine,
		config: config,
		keys:   NewKeyGenerator(config.NumKeys, config.KeySize, config.KeyMode, config.Seed),
		roots:  make(map[[32]byte]struct{}),
	}
	b.prover, _ = engine.(Prover)
	b.resetMetrics()
	return b
}

func (b *Benchmark) resetMetrics() {
	b.writeLat = NewLatencyHistogram()
	b.readLat = NewLatencyHistogram()
	b.proofLat = NewLatencyHistogram()
	b.commitLat = NewLatencyHistogram()
	b.writeCount.Store(0)
	b.readCount.Store(0)
	b.proofCount.Store(0)
	b.errorCount.Store(0)
	b.commitCount.Store(0)
	b.roots = make(map[[32]byte]struct{})
}

// Run executes the benchmark: preload and commit the base key set,
// warm up unmeasured, then run the measured workload with the
// committer sealing batches on CommitInterval.
func (b *Benchmark) Run() (*Result, error) {
	if b.config.PreloadKeys > 0 {
		fmt.Printf("Preloading %d keys...\n", b.config.PreloadKeys)
		if err := b.preload(); err != nil {
			return nil, err
		}
		fmt.Println("Preload complete")
	}

	if warm := b.config.Duration / 5; warm > 0 {
		if warm > 2*time.Second {
			warm = 2 * time.Second
		}
		fmt.Println("Warming up...")
		b.runWorkload(warm, false)
	}

	b.resetMetrics()

	fmt.Printf("Running benchmark for %v...\n", b.config.Duration)
	startTime := time.Now()

	b.runWorkload(b.config.Duration, true)
	b.commit(true)

	duration := time.Since(startTime)
	return b.calculateResults(duration, b.engine.Stats()), nil
}

// preload commits the base key set in one batch so the measured run
// starts against a populated trie.
func (b *Benchmark) preload() error {
	value := b.valueFor(0)
	for i := 0; i < b.config.PreloadKeys; i++ {
		if err := b.engine.Put(b.keys.Key(i), value); err != nil {
			return err
		}
		if i > 0 && i%10000 == 0 {
			fmt.Printf("  Loaded %d keys\n", i)
		}
	}
	if _, err := b.engine.Commit(); err != nil {
		return err
	}
	return b.engine.Sync()
}

// runWorkload executes the workload for the given duration; measured
// selects whether latencies and counts are recorded.
func (b *Benchmark) runWorkload(duration time.Duration, measured bool) {
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(workerID, stop, measured)
		}(i)
	}

	interval := b.config.CommitInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.commit(measured)
			}
		}
	}()

	time.Sleep(duration)
	close(stop)
	wg.Wait()
}

// commit seals the staged mutations and tracks the resulting root.
func (b *Benchmark) commit(measured bool) {
	start := time.Now()
	root, err := b.engine.Commit()
	latency := time.Since(start)

	if err != nil {
		b.errorCount.Add(1)
		return
	}
	if !measured {
		return
	}
	b.commitLat.Record(latency)
	b.commitCount.Add(1)
	b.rootMu.Lock()
	b.roots[root] = struct{}{}
	b.rootMu.Unlock()
}

// worker performs operations until stopped, drawing keys from its own
// source and op kinds from its own rng.
func (b *Benchmark) worker(id int, stop <-chan struct{}, measured bool) {
	rng := mrand.New(mrand.NewSource(b.config.Seed + int64(id)*7919))
	src := b.keys.Source(rng)
	value := b.valueFor(id)
	writeFrac, readFrac := opMix(b.config.WorkloadType)

	for {
		select {
		case <-stop:
			return
		default:
			roll := rng.Float64()
			switch {
			case roll < writeFrac:
				b.doWrite(src, value, measured)
			case roll < writeFrac+readFrac:
				b.doRead(src, measured)
			default:
				b.doProve(src, measured)
			}
		}
	}
}

func (b *Benchmark) doWrite(src *KeySource, value []byte, measured bool) {
	key := src.Next()

	start := time.Now()
	err := b.engine.Put(key, value)
	latency := time.Since(start)

	if err != nil {
		b.errorCount.Add(1)
		return
	}
	if measured {
		b.writeLat.Record(latency)
		b.writeCount.Add(1)
	}
}

func (b *Benchmark) doRead(src *KeySource, measured bool) {
	key := src.Next()

	start := time.Now()
	_, err := b.engine.Get(key)
	latency := time.Since(start)

	if err != nil && !errors.Is(err, common.ErrKeyNotFound) {
		b.errorCount.Add(1)
		return
	}
	if measured {
		b.readLat.Record(latency)
		b.readCount.Add(1)
	}
}

// doProve measures path-proof construction against the last committed
// root; engines without a proof surface serve a read instead.
func (b *Benchmark) doProve(src *KeySource, measured bool) {
	if b.prover == nil {
		b.doRead(src, measured)
		return
	}
	key := src.Next()

	start := time.Now()
	_, err := b.prover.Prove(key)
	latency := time.Since(start)

	if err != nil {
		// a proof can race a concurrent commit's page turnover; count
		// it and move on rather than aborting the run.
		b.errorCount.Add(1)
		return
	}
	if measured {
		b.proofLat.Record(latency)
		b.proofCount.Add(1)
	}
}

// valueFor builds a deterministic value payload; workers use distinct
// fills so overwrites actually change bytes.
func (b *Benchmark) valueFor(worker int) []byte {
	value := make([]byte, b.config.ValueSize)
	for i := range value {
		value[i] = byte(worker + i)
	}
	return value
}

func (b *Benchmark) calculateResults(duration time.Duration, endStats common.Stats) *Result {
	writeOps := b.writeCount.Load()
	readOps := b.readCount.Load()
	proofOps := b.proofCount.Load()
	totalOps := writeOps + readOps + proofOps

	b.rootMu.Lock()
	distinctRoots := len(b.roots)
	b.rootMu.Unlock()

	return &Result{
		Config:    b.config,
		TotalOps:  totalOps,
		WriteOps:  writeOps,
		ReadOps:   readOps,
		ProofOps:  proofOps,
		Commits:   b.commitCount.Load(),
		Duration:  duration,
		OpsPerSec: float64(totalOps) / duration.Seconds(),

		WriteLatency:  b.writeLat.Stats(),
		ReadLatency:   b.readLat.Stats(),
		ProofLatency:  b.proofLat.Stats(),
		CommitLatency: b.commitLat.Stats(),

		DistinctRoots: distinctRoots,

		WriteAmplification: endStats.WriteAmp,
		SpaceAmplification: endStats.SpaceAmp,

		TotalDiskMB: float64(endStats.TotalDiskSize) / (1024 * 1024),
		EngineStats: endStats,
	}
}
