package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/sim/cluster"
	"github.com/agentgrid/agentgrid/sim/store"
	"github.com/agentgrid/agentgrid/sim/trace"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.ErrorLevel)
	}
	os.Exit(m.Run())
}

func TestRunScenario_Health_PrintsSummary(t *testing.T) {
	// GIVEN a small health run with tracing on an in-memory store
	cfg := defaultRunFileConfig()
	cfg.Agents = 12
	cfg.Dormant = 2
	cfg.Workers = 3
	cfg.Steps = 4
	cfg.Trace = "shards"
	cfg.ReportEvery = 2
	st := store.NewMemory()
	defer st.Close()

	// WHEN it runs
	result, err := runScenario(context.Background(), st, cfg)

	// THEN every step completes and the summary mentions the run
	require.NoError(t, err)
	require.NotNil(t, result.summary)
	assert.Equal(t, 4, result.summary.Steps)
	assert.Equal(t, 12, result.summary.Agents)
	require.NotNil(t, result.trace)
	assert.Len(t, result.trace.Steps, 4)

	var out bytes.Buffer
	printSummary(&out, result.summary, result.trace)
	assert.Contains(t, out.String(), "=== Run Summary ===")
	assert.Contains(t, out.String(), "=== Trace Summary ===")
}

func TestRunScenario_OpinionOnSQLite(t *testing.T) {
	// GIVEN an opinion run persisted to sqlite with a compressed codec
	cfg := defaultRunFileConfig()
	cfg.Sim = "opinion"
	cfg.Agents = 20
	cfg.Workers = 2
	cfg.Steps = 3
	cfg.Codec = "gob+zstd"
	cfg.Store = StoreConfig{Kind: "sqlite", Path: filepath.Join(t.TempDir(), "run.db")}
	require.NoError(t, cfg.Validate())

	st, err := openStore(context.Background(), cfg.Store)
	require.NoError(t, err)
	defer st.Close()

	// WHEN it runs
	result, err := runScenario(context.Background(), st, cfg)

	// THEN it completes without agent failures
	require.NoError(t, err)
	assert.Equal(t, 3, result.summary.Steps)
	assert.Zero(t, result.summary.Failures)
	assert.Nil(t, result.trace)
}

func TestPrintSummary_Nil(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, nil, nil)
	assert.Empty(t, out.String())
}

func TestPrintSummary_Golden(t *testing.T) {
	// GIVEN a fixed two-step summary and its shard-level trace
	summary := &cluster.RunSummary{
		Namespace: "golden", Run: 1, Workers: 2, Agents: 6,
		FirstStep: 1, LastStep: 2, Steps: 2,
		StepTime: cluster.StepTimes{
			Count: 2, Mean: 3 * time.Millisecond, Min: 2 * time.Millisecond,
			P50: 3 * time.Millisecond, P95: 3900 * time.Microsecond, P99: 3980 * time.Microsecond, Max: 4 * time.Millisecond,
		},
		Writes:        12,
		QueuedRemote:  4,
		RemoteLookups: 4,
		CacheHits:     4,
	}
	tr := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelShards})
	tr.RecordStep(trace.StepRecord{Step: 1, Duration: 2 * time.Millisecond, QueuedLocal: 6, QueuedRemote: 2, RemoteLookups: 3, CacheHits: 1})
	tr.RecordStep(trace.StepRecord{Step: 2, Duration: 4 * time.Millisecond, QueuedLocal: 6, QueuedRemote: 2, RemoteLookups: 1, CacheHits: 3})
	tr.RecordShard(trace.ShardRecord{Step: 1, Shard: 0, DecideTime: time.Millisecond})
	tr.RecordShard(trace.ShardRecord{Step: 1, Shard: 1, DecideTime: 2 * time.Millisecond})
	tr.RecordShard(trace.ShardRecord{Step: 2, Shard: 0, DecideTime: 3 * time.Millisecond})
	tr.RecordShard(trace.ShardRecord{Step: 2, Shard: 1, DecideTime: time.Millisecond})

	// WHEN it is printed
	var out bytes.Buffer
	printSummary(&out, summary, tr)

	// THEN the output matches the golden file
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "run_summary", out.Bytes())
}
