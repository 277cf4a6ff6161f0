package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentgrid/agentgrid/sim/store"
)

var (
	// CLI flags shared by run and worker
	logLevel  string // Log verbosity level
	simName   string // Built-in simulation to run
	seed      int64  // Seed for the opinion simulation
	namespace string // Key namespace of the run
	codecName string // Wire codec for states, updates and control messages
	storeKind string // Shared store backend: memory, sqlite or ws
	storeURL  string // Websocket store endpoint

	// CLI flags for run
	configPath        string        // YAML run config file
	numAgents         int           // Population size
	numDormant        int           // Agents that never decide (health sim)
	numWorkers        int           // Number of shards
	numSteps          int           // Steps to run
	externalWorkers   bool          // Wait for agentgrid worker processes
	assignerName      string        // Agent-to-shard assignment strategy
	failurePolicy     string        // skip or abort on per-agent failures
	decideParallelism int           // Concurrent decide calls per worker
	exchangeTimeout   time.Duration // Wait bound for peer envelopes
	reportEvery       uint64        // Log progress every N steps; 0 disables
	traceLevel        string        // none, steps or shards
	sqlitePath        string        // SQLite database file
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "agentgrid",
	Short: "Sharded agent-based simulation over a shared store",
}

// runCmd spawns a built-in population and drives it for a number of steps
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg := defaultRunFileConfig()
		if configPath != "" {
			loaded, err := loadRunFileConfig(configPath)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			cfg = loaded
		}
		cfg.applyFlags(cmd.Flags())
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid run config: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			logrus.Fatalf("Opening store: %v", err)
		}
		defer st.Close()

		logrus.WithFields(logrus.Fields{
			"sim":     cfg.Sim,
			"agents":  cfg.Agents,
			"workers": cfg.Workers,
			"steps":   cfg.Steps,
			"store":   cfg.Store.Kind,
		}).Info("Starting simulation")

		result, err := runScenario(ctx, st, cfg)
		if result != nil {
			printSummary(os.Stdout, result.summary, result.trace)
		}
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// openStore connects to the backend named by cfg.
func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.Path)
	case "ws":
		return store.DialRemote(ctx, cfg.URL, logrus.StandardLogger())
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Kind)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerRunFlags binds the run command's flags to their package variables.
func registerRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "YAML run config; explicit flags override its values")
	fs.StringVar(&simName, "sim", "health", "Built-in simulation (health, opinion)")
	fs.IntVar(&numAgents, "agents", 100, "Number of agents to spawn")
	fs.IntVar(&numDormant, "dormant", 0, "Agents that never act (health sim)")
	fs.Int64Var(&seed, "seed", 42, "Seed for the opinion simulation")

	fs.IntVar(&numWorkers, "workers", 4, "Number of shards")
	fs.IntVar(&numSteps, "steps", 10, "Number of steps to run")
	fs.BoolVar(&externalWorkers, "external-workers", false, "Wait for agentgrid worker processes instead of running workers in-process")
	fs.StringVar(&namespace, "namespace", "", "Key namespace of the run (random when empty)")
	fs.StringVar(&codecName, "codec", "json", "Wire codec (json, gob, json+zstd, gob+zstd)")
	fs.StringVar(&assignerName, "assigner", "round-robin", "Shard assignment (round-robin, hash)")
	fs.StringVar(&failurePolicy, "failure-policy", "skip", "Per-agent failure policy (skip, abort)")
	fs.IntVar(&decideParallelism, "decide-parallelism", 0, "Concurrent decide calls per worker (0 = GOMAXPROCS)")
	fs.DurationVar(&exchangeTimeout, "exchange-timeout", 30*time.Second, "Wait bound for peer update envelopes per step")
	fs.Uint64Var(&reportEvery, "report-every", 0, "Log a progress report every N steps (0 disables)")
	fs.StringVar(&traceLevel, "trace", "none", "Step trace level (none, steps, shards)")

	fs.StringVar(&storeKind, "store", "memory", "Shared store (memory, sqlite, ws)")
	fs.StringVar(&sqlitePath, "sqlite-path", "", "SQLite database file for --store sqlite")
	fs.StringVar(&storeURL, "store-url", "", "Websocket store endpoint for --store ws, e.g. ws://localhost:7420/ws")
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	registerRunFlags(runCmd.Flags())

	rootCmd.AddCommand(runCmd)
}
