package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/sim/cluster"
	"github.com/agentgrid/agentgrid/sim/trace"
)

func writeRunFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRunFileConfig_OverlaysDefaults(t *testing.T) {
	// GIVEN a run file that sets only some fields
	path := writeRunFile(t, `
sim: opinion
agents: 250
workers: 3
exchange_timeout: 5s
store:
  kind: sqlite
  path: /tmp/agentgrid.db
`)

	// WHEN it is loaded
	cfg, err := loadRunFileConfig(path)
	require.NoError(t, err)

	// THEN the file's values win and the rest keep their defaults
	assert.Equal(t, "opinion", cfg.Sim)
	assert.Equal(t, 250, cfg.Agents)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.ExchangeTimeout)
	assert.Equal(t, StoreConfig{Kind: "sqlite", Path: "/tmp/agentgrid.db"}, cfg.Store)
	assert.Equal(t, defaultRunFileConfig().Steps, cfg.Steps)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRunFileConfig_UnknownField_Rejected(t *testing.T) {
	// GIVEN a run file with a typo in a field name
	path := writeRunFile(t, "sim: health\nworkerz: 3\n")

	// WHEN it is loaded
	_, err := loadRunFileConfig(path)

	// THEN strict decoding reports the unknown field
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workerz")
}

func TestLoadRunFileConfig_MissingFile(t *testing.T) {
	_, err := loadRunFileConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "reading run config"))
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	// GIVEN a config loaded from a file with workers=3 and steps=20
	cfg := defaultRunFileConfig()
	cfg.Workers = 3
	cfg.Steps = 20

	// WHEN only --workers is passed on the command line
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	registerRunFlags(fs)
	require.NoError(t, fs.Parse([]string{"--workers", "7", "--store", "ws", "--store-url", "ws://localhost:7420/ws"}))
	cfg.applyFlags(fs)

	// THEN workers and store follow the flags and steps keeps the file value
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 20, cfg.Steps)
	assert.Equal(t, StoreConfig{Kind: "ws", URL: "ws://localhost:7420/ws"}, cfg.Store)
}

func TestRunFileConfig_Validate(t *testing.T) {
	valid := defaultRunFileConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*RunFileConfig)
		wantErr string
	}{
		{"unknown sim", func(c *RunFileConfig) { c.Sim = "traffic" }, "unknown sim"},
		{"negative agents", func(c *RunFileConfig) { c.Agents = -1 }, "agents"},
		{"too many dormant", func(c *RunFileConfig) { c.Dormant = c.Agents + 1 }, "dormant"},
		{"zero workers", func(c *RunFileConfig) { c.Workers = 0 }, "workers"},
		{"negative steps", func(c *RunFileConfig) { c.Steps = -1 }, "steps"},
		{"unknown codec", func(c *RunFileConfig) { c.Codec = "xml" }, "codec"},
		{"unknown assigner", func(c *RunFileConfig) { c.Assigner = "random" }, "assigner"},
		{"unknown failure policy", func(c *RunFileConfig) { c.FailurePolicy = "retry" }, "failure policy"},
		{"unknown trace level", func(c *RunFileConfig) { c.Trace = "verbose" }, "trace level"},
		{"negative exchange timeout", func(c *RunFileConfig) { c.ExchangeTimeout = -time.Second }, "exchange timeout"},
		{"unknown store", func(c *RunFileConfig) { c.Store.Kind = "redis" }, "unknown store"},
		{"sqlite without path", func(c *RunFileConfig) { c.Store = StoreConfig{Kind: "sqlite"} }, "path"},
		{"ws without url", func(c *RunFileConfig) { c.Store = StoreConfig{Kind: "ws"} }, "url"},
		{"external workers on memory", func(c *RunFileConfig) {
			c.ExternalWorkers = true
			c.Namespace = "ns"
		}, "ws store"},
		{"external workers without namespace", func(c *RunFileConfig) {
			c.ExternalWorkers = true
			c.Store = StoreConfig{Kind: "ws", URL: "ws://x/ws"}
		}, "namespace"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultRunFileConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRunConfig_TraceOnlyWhenEnabled(t *testing.T) {
	cfg := defaultRunFileConfig()
	assert.Nil(t, cfg.runConfig().Trace)

	cfg.Trace = string(trace.TraceLevelNone)
	assert.Nil(t, cfg.runConfig().Trace)

	cfg.Trace = string(trace.TraceLevelShards)
	cfg.FailurePolicy = string(cluster.FailureAbort)
	rc := cfg.runConfig()
	require.NotNil(t, rc.Trace)
	assert.Equal(t, trace.TraceLevelShards, rc.Trace.Config.Level)
	assert.Equal(t, cluster.FailureAbort, rc.FailurePolicy)
	assert.Equal(t, cfg.Workers, rc.Workers)
}

func TestManagerConfig_ResolvesCodecAndAssigner(t *testing.T) {
	cfg := defaultRunFileConfig()
	cfg.Codec = "gob+zstd"
	cfg.Assigner = "hash"
	cfg.Namespace = "cli-test"

	mc, err := cfg.managerConfig()
	require.NoError(t, err)
	assert.Equal(t, "gob+zstd", mc.Codec.Name())
	assert.Equal(t, "hash", mc.Assigner.Name())
	assert.Equal(t, "cli-test", mc.Namespace)
}
