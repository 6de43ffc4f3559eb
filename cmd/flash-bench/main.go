package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/NorKV/norkv/pkg/flash"
	"github.com/NorKV/norkv/pkg/kvs"
	"github.com/NorKV/norkv/pkg/log"
	"github.com/NorKV/norkv/pkg/stats"
)

const (
	defaultValueSize = 64
	defaultKeyCount  = 100
)

var (
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, overwrite, read, delete, wear, or all)")
	duration      = flag.Duration("duration", 5*time.Second, "Duration to run each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of distinct keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	sectorSize    = flag.Int("sector-size", 4096, "Sector size of the simulated partition")
	sectorCount   = flag.Int("sectors", 16, "Sector count of the simulated partition")
	redundancy    = flag.Int("redundancy", 1, "Copies kept per key")
	resultsFile   = flag.String("results", "", "File to write CSV results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	partition := flash.NewMemPartition(*sectorSize, *sectorCount, 16)

	opts := kvs.DefaultOptions()
	opts.Redundancy = *redundancy
	opts.MaxEntries = *numKeys + 16
	opts.GCOnWrite = kvs.GCAsNeeded
	opts.Logger = log.NewNoop()
	opts.Stats = stats.NewAtomicCollector()

	store, err := kvs.New(partition, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create store: %v\n", err)
		os.Exit(1)
	}
	if err := store.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize store: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Benchmark: %d sectors x %d bytes, redundancy %d, %d keys, %d byte values\n",
		*sectorCount, *sectorSize, *redundancy, *numKeys, *valueSize)

	var results []BenchmarkResult
	runAll := *benchmarkType == "all"

	if runAll || *benchmarkType == "write" {
		results = append(results, runWriteBenchmark(store))
	}
	if runAll || *benchmarkType == "overwrite" {
		results = append(results, runOverwriteBenchmark(store))
	}
	if runAll || *benchmarkType == "read" {
		results = append(results, runReadBenchmark(store))
	}
	if runAll || *benchmarkType == "delete" {
		results = append(results, runDeleteBenchmark(store))
	}
	if runAll || *benchmarkType == "wear" {
		results = append(results, runWearBenchmark(store, partition))
	}

	for _, r := range results {
		fmt.Println(r)
	}

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Results written to %s\n", *resultsFile)
	}
}

func benchKey(i int) string {
	return fmt.Sprintf("key%04d", i%*numKeys)
}

func benchValue(r *rand.Rand) []byte {
	value := make([]byte, *valueSize)
	r.Read(value)
	return value
}

// runWriteBenchmark repeatedly stores fresh keys.
func runWriteBenchmark(store *kvs.KVS) BenchmarkResult {
	fmt.Println("Running write benchmark...")
	r := rand.New(rand.NewSource(1))

	start := time.Now()
	deadline := start.Add(*duration)
	ops := 0
	for time.Now().Before(deadline) {
		if err := store.Put(benchKey(ops), benchValue(r)); err != nil {
			fmt.Fprintf(os.Stderr, "put failed after %d ops: %v\n", ops, err)
			break
		}
		ops++
	}
	return newResult("write", ops, time.Since(start))
}

// runOverwriteBenchmark hammers a single key, which exercises garbage
// collection as superseded versions pile up.
func runOverwriteBenchmark(store *kvs.KVS) BenchmarkResult {
	fmt.Println("Running overwrite benchmark...")
	r := rand.New(rand.NewSource(2))

	start := time.Now()
	deadline := start.Add(*duration)
	ops := 0
	for time.Now().Before(deadline) {
		if err := store.Put("hot-key", benchValue(r)); err != nil {
			fmt.Fprintf(os.Stderr, "overwrite failed after %d ops: %v\n", ops, err)
			break
		}
		ops++
	}
	return newResult("overwrite", ops, time.Since(start))
}

// runReadBenchmark reads previously written keys.
func runReadBenchmark(store *kvs.KVS) BenchmarkResult {
	fmt.Println("Running read benchmark...")
	buf := make([]byte, *valueSize)

	start := time.Now()
	deadline := start.Add(*duration)
	ops, hits := 0, 0
	for time.Now().Before(deadline) {
		if _, err := store.Get(benchKey(ops), buf, 0); err == nil {
			hits++
		}
		ops++
	}
	result := newResult("read", ops, time.Since(start))
	if ops > 0 {
		result.HitRate = float64(hits) / float64(ops)
	}
	return result
}

// runDeleteBenchmark alternates put and delete on each key.
func runDeleteBenchmark(store *kvs.KVS) BenchmarkResult {
	fmt.Println("Running delete benchmark...")
	r := rand.New(rand.NewSource(3))

	start := time.Now()
	deadline := start.Add(*duration)
	ops := 0
	for time.Now().Before(deadline) {
		key := benchKey(ops)
		if err := store.Put(key, benchValue(r)); err != nil {
			break
		}
		if err := store.Delete(key); err != nil {
			break
		}
		ops += 2
	}
	return newResult("delete", ops, time.Since(start))
}

// runWearBenchmark measures how evenly garbage collection spreads sector
// erases across the partition.
func runWearBenchmark(store *kvs.KVS, partition *flash.MemPartition) BenchmarkResult {
	fmt.Println("Running wear benchmark...")
	r := rand.New(rand.NewSource(4))

	before := make([]int, partition.SectorCount())
	for s := range before {
		before[s] = partition.EraseCount(s)
	}

	start := time.Now()
	deadline := start.Add(*duration)
	ops := 0
	for time.Now().Before(deadline) {
		if err := store.Put(benchKey(ops), benchValue(r)); err != nil {
			break
		}
		ops++
	}
	elapsed := time.Since(start)

	total, max := 0, 0
	counts := make([]string, partition.SectorCount())
	for s := 0; s < partition.SectorCount(); s++ {
		n := partition.EraseCount(s) - before[s]
		total += n
		if n > max {
			max = n
		}
		counts[s] = fmt.Sprintf("%d", n)
	}
	mean := float64(total) / float64(partition.SectorCount())
	fmt.Printf("  erases per sector: [%s], mean %.1f, max %d\n",
		strings.Join(counts, " "), mean, max)

	result := newResult("wear", ops, elapsed)
	if mean > 0 {
		result.WearSpread = float64(max) / mean
	}
	return result
}

func newResult(benchType string, ops int, elapsed time.Duration) BenchmarkResult {
	result := BenchmarkResult{
		BenchmarkType: benchType,
		NumKeys:       *numKeys,
		ValueSize:     *valueSize,
		SectorCount:   *sectorCount,
		Redundancy:    *redundancy,
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if elapsed > 0 {
		result.Throughput = float64(ops) / elapsed.Seconds()
	}
	if ops > 0 {
		result.Latency = float64(elapsed.Nanoseconds()) / float64(ops)
	}
	return result
}
