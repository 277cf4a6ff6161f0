package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/cluster"
	"github.com/agentgrid/agentgrid/sim/demo"
	"github.com/agentgrid/agentgrid/sim/store"
)

var (
	// CLI flags for worker
	workerShard int // Shard this process owns
)

// workerCmd runs one shard against a websocket store until the manager
// terminates the run.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve one shard of an externally managed run",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		if storeURL == "" {
			logrus.Fatalf("--store-url is required")
		}
		if namespace == "" {
			logrus.Fatalf("--namespace is required")
		}
		if workerShard < 0 {
			logrus.Fatalf("Invalid shard %d", workerShard)
		}
		if !validSims[simName] {
			logrus.Fatalf("Unknown sim %q", simName)
		}
		if !cluster.IsValidFailurePolicy(failurePolicy) {
			logrus.Fatalf("Unknown failure policy %q", failurePolicy)
		}
		codec, err := sim.NewCodec(codecName)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.DialRemote(ctx, storeURL, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("Connecting to store: %v", err)
		}
		defer st.Close()

		wcfg := cluster.WorkerConfig{
			Shard:             cluster.ShardID(workerShard),
			Keys:              sim.NewKeyspace(namespace),
			Codec:             codec,
			DecideParallelism: decideParallelism,
			ExchangeTimeout:   exchangeTimeout,
			FailurePolicy:     cluster.FailurePolicy(failurePolicy),
			Logger:            logrus.StandardLogger(),
		}
		logrus.WithFields(logrus.Fields{"shard": workerShard, "namespace": namespace}).Info("Worker started")

		switch simName {
		case "health":
			err = cluster.NewWorker[demo.HealthState, demo.HealthWorld, demo.ChangeHealth](demo.Health{}, st, wcfg).Run(ctx)
		case "opinion":
			err = cluster.NewWorker[demo.OpinionState, demo.OpinionWorld, demo.OpinionUpdate](demo.NewOpinion(seed), st, wcfg).Run(ctx)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("Worker failed: %v", err)
		}
		logrus.Info("Worker stopped.")
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerShard, "shard", 0, "Shard index this worker owns")
	workerCmd.Flags().StringVar(&storeURL, "store-url", "", "Websocket store endpoint, e.g. ws://localhost:7420/ws")
	workerCmd.Flags().StringVar(&namespace, "namespace", "", "Key namespace printed by agentgrid run --external-workers")
	workerCmd.Flags().StringVar(&simName, "sim", "health", "Built-in simulation (health, opinion); must match the manager")
	workerCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the opinion simulation; must match the manager")
	workerCmd.Flags().StringVar(&codecName, "codec", "json", "Wire codec; must match the manager")
	workerCmd.Flags().IntVar(&decideParallelism, "decide-parallelism", 0, "Concurrent decide calls (0 = GOMAXPROCS)")
	workerCmd.Flags().DurationVar(&exchangeTimeout, "exchange-timeout", 30*time.Second, "Wait bound for peer update envelopes")
	workerCmd.Flags().StringVar(&failurePolicy, "failure-policy", "skip", "Per-agent failure policy (skip, abort)")

	rootCmd.AddCommand(workerCmd)
}
