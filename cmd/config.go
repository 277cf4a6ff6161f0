package cmd

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/cluster"
	"github.com/agentgrid/agentgrid/sim/trace"
)

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	Kind string `yaml:"kind"` // memory, sqlite or ws
	Path string `yaml:"path"` // sqlite database file
	URL  string `yaml:"url"`  // websocket store endpoint
}

// RunFileConfig is the YAML run file accepted by `agentgrid run --config`.
// Every field can be overridden by the flag of the same name.
type RunFileConfig struct {
	Sim     string `yaml:"sim"`
	Agents  int    `yaml:"agents"`
	Dormant int    `yaml:"dormant"`
	Seed    int64  `yaml:"seed"`

	Workers         int    `yaml:"workers"`
	Steps           int    `yaml:"steps"`
	ExternalWorkers bool   `yaml:"external_workers"`
	Namespace       string `yaml:"namespace"`
	Codec           string `yaml:"codec"`
	Assigner        string `yaml:"assigner"`
	FailurePolicy   string `yaml:"failure_policy"`

	DecideParallelism int           `yaml:"decide_parallelism"`
	ExchangeTimeout   time.Duration `yaml:"exchange_timeout"`
	ReportEvery       uint64        `yaml:"report_every"`
	Trace             string        `yaml:"trace"`

	Store StoreConfig `yaml:"store"`
}

var validSims = map[string]bool{
	"health":  true,
	"opinion": true,
}

var validStoreKinds = map[string]bool{
	"memory": true,
	"sqlite": true,
	"ws":     true,
}

// defaultRunFileConfig mirrors the flag defaults registered in registerRunFlags.
func defaultRunFileConfig() RunFileConfig {
	return RunFileConfig{
		Sim:     "health",
		Agents:  100,
		Seed:    42,
		Workers: 4,
		Steps:   10,
		Codec:   "json",
		Store:   StoreConfig{Kind: "memory"},
	}
}

// loadRunFileConfig reads path on top of the defaults.
// Unknown fields are rejected so typos fail loudly.
func loadRunFileConfig(path string) (RunFileConfig, error) {
	cfg := defaultRunFileConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading run config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing run config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags copies every flag the user set explicitly into cfg, so a flag
// always wins over the file while untouched flags keep the file's value.
func (cfg *RunFileConfig) applyFlags(fs *pflag.FlagSet) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("sim", func() { cfg.Sim = simName })
	set("agents", func() { cfg.Agents = numAgents })
	set("dormant", func() { cfg.Dormant = numDormant })
	set("seed", func() { cfg.Seed = seed })
	set("workers", func() { cfg.Workers = numWorkers })
	set("steps", func() { cfg.Steps = numSteps })
	set("external-workers", func() { cfg.ExternalWorkers = externalWorkers })
	set("namespace", func() { cfg.Namespace = namespace })
	set("codec", func() { cfg.Codec = codecName })
	set("assigner", func() { cfg.Assigner = assignerName })
	set("failure-policy", func() { cfg.FailurePolicy = failurePolicy })
	set("decide-parallelism", func() { cfg.DecideParallelism = decideParallelism })
	set("exchange-timeout", func() { cfg.ExchangeTimeout = exchangeTimeout })
	set("report-every", func() { cfg.ReportEvery = reportEvery })
	set("trace", func() { cfg.Trace = traceLevel })
	set("store", func() { cfg.Store.Kind = storeKind })
	set("sqlite-path", func() { cfg.Store.Path = sqlitePath })
	set("store-url", func() { cfg.Store.URL = storeURL })
}

// Validate checks the merged configuration.
func (cfg RunFileConfig) Validate() error {
	if !validSims[cfg.Sim] {
		return fmt.Errorf("unknown sim %q; valid: health, opinion", cfg.Sim)
	}
	if cfg.Agents < 0 {
		return fmt.Errorf("agents must be >= 0, got %d", cfg.Agents)
	}
	if cfg.Dormant < 0 || cfg.Dormant > cfg.Agents {
		return fmt.Errorf("dormant must be in [0, agents=%d], got %d", cfg.Agents, cfg.Dormant)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.Steps < 0 {
		return fmt.Errorf("steps must be >= 0, got %d", cfg.Steps)
	}
	if !sim.ValidCodecs[cfg.Codec] {
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	if !cluster.ValidAssigners[cfg.Assigner] {
		return fmt.Errorf("unknown assigner %q", cfg.Assigner)
	}
	if !cluster.IsValidFailurePolicy(cfg.FailurePolicy) {
		return fmt.Errorf("unknown failure policy %q", cfg.FailurePolicy)
	}
	if !trace.IsValidTraceLevel(cfg.Trace) {
		return fmt.Errorf("unknown trace level %q", cfg.Trace)
	}
	if cfg.ExchangeTimeout < 0 {
		return fmt.Errorf("exchange timeout must be >= 0, got %s", cfg.ExchangeTimeout)
	}
	if !validStoreKinds[cfg.Store.Kind] {
		return fmt.Errorf("unknown store %q; valid: memory, sqlite, ws", cfg.Store.Kind)
	}
	if cfg.Store.Kind == "sqlite" && cfg.Store.Path == "" {
		return fmt.Errorf("store sqlite requires a path")
	}
	if cfg.Store.Kind == "ws" && cfg.Store.URL == "" {
		return fmt.Errorf("store ws requires a url")
	}
	if cfg.ExternalWorkers && cfg.Store.Kind != "ws" {
		return fmt.Errorf("external workers need the ws store, got %q", cfg.Store.Kind)
	}
	if cfg.ExternalWorkers && cfg.Namespace == "" {
		return fmt.Errorf("external workers need an explicit namespace")
	}
	return nil
}

func (cfg RunFileConfig) managerConfig() (cluster.ManagerConfig, error) {
	codec, err := sim.NewCodec(cfg.Codec)
	if err != nil {
		return cluster.ManagerConfig{}, err
	}
	assigner, err := cluster.NewAssigner(cfg.Assigner)
	if err != nil {
		return cluster.ManagerConfig{}, err
	}
	return cluster.ManagerConfig{
		Namespace: cfg.Namespace,
		Codec:     codec,
		Assigner:  assigner,
	}, nil
}

func (cfg RunFileConfig) runConfig() cluster.RunConfig {
	rc := cluster.RunConfig{
		Steps:             cfg.Steps,
		Workers:           cfg.Workers,
		ExternalWorkers:   cfg.ExternalWorkers,
		DecideParallelism: cfg.DecideParallelism,
		ExchangeTimeout:   cfg.ExchangeTimeout,
		FailurePolicy:     cluster.FailurePolicy(cfg.FailurePolicy),
	}
	if cfg.Trace != "" && trace.TraceLevel(cfg.Trace) != trace.TraceLevelNone {
		rc.Trace = trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevel(cfg.Trace)})
	}
	return rc
}
