// Package testutil provides shared test infrastructure for agentgrid.
// It holds the golden dataset of reference runs and assertion helpers used
// by the sim/ sub-package tests.
package testutil

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// GoldenDataset represents the structure of testdata/goldendataset.json.
type GoldenDataset struct {
	Tests []GoldenTestCase `json:"tests"`
}

// GoldenTestCase is one reference run: a population, a world and a cluster
// shape, plus the outcome every correct engine must reproduce.
type GoldenTestCase struct {
	Name     string `json:"name"`
	Sim      string `json:"sim"`
	Active   int    `json:"active"`
	Dormant  int    `json:"dormant"`
	Delta    int    `json:"delta"`
	Workers  int    `json:"workers"`
	Steps    int    `json:"steps"`
	Codec    string `json:"codec"`
	Assigner string `json:"assigner"`

	Metrics GoldenMetrics `json:"metrics"`
}

// GoldenMetrics are the expected results of a golden test case.
type GoldenMetrics struct {
	// Exact match metrics (integers)
	Writes       int `json:"writes"`
	Unchanged    int `json:"unchanged"`
	QueuedRemote int `json:"queued_remote"`
	Failures     int `json:"failures"`
	HealthSum    int `json:"health_sum"`

	// Compared with relative tolerance
	MeanHealth float64 `json:"mean_health"`
}

// LoadGoldenDataset loads the golden dataset from the testdata directory.
// The path is resolved relative to this source file: sim/internal/testutil/ → testdata/.
func LoadGoldenDataset(t *testing.T) *GoldenDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "goldendataset.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read golden dataset: %v", err)
	}

	var dataset GoldenDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("Failed to parse golden dataset: %v", err)
	}

	return &dataset
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
