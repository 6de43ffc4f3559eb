package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the results of one benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	SectorCount   int
	Redundancy    int
	Operations    int
	Duration      float64
	Throughput    float64
	Latency       float64
	HitRate       float64 // For read benchmarks
	WearSpread    float64 // For wear benchmarks: max erases / mean erases
	Timestamp     time.Time
}

func (r BenchmarkResult) String() string {
	return fmt.Sprintf("%-10s %8d ops in %6.2fs  %10.0f ops/s  %8.0f ns/op",
		r.BenchmarkType, r.Operations, r.Duration, r.Throughput, r.Latency)
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "SectorCount",
		"Redundancy", "Operations", "Duration", "Throughput", "Latency",
		"HitRate", "WearSpread",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			strconv.Itoa(r.SectorCount),
			strconv.Itoa(r.Redundancy),
			strconv.Itoa(r.Operations),
			strconv.FormatFloat(r.Duration, 'f', 3, 64),
			strconv.FormatFloat(r.Throughput, 'f', 1, 64),
			strconv.FormatFloat(r.Latency, 'f', 0, 64),
			strconv.FormatFloat(r.HitRate, 'f', 3, 64),
			strconv.FormatFloat(r.WearSpread, 'f', 3, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}
