package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentgrid/agentgrid/sim/cluster"
	"github.com/agentgrid/agentgrid/sim/demo"
	"github.com/agentgrid/agentgrid/sim/store"
	"github.com/agentgrid/agentgrid/sim/trace"
)

// scenario bundles a built-in simulation with its starting world and population.
type scenario[S, W, U any] struct {
	simulation cluster.Simulation[S, W, U]
	world      W
	states     []S
}

type runResult struct {
	summary *cluster.RunSummary
	trace   *trace.SimulationTrace
}

// progressEvent is published on the run's "progress" event channel by the
// periodic reporter.
type progressEvent struct {
	Step   uint64 `json:"step"`
	Agents int    `json:"agents"`
}

func healthScenario(cfg RunFileConfig) scenario[demo.HealthState, demo.HealthWorld, demo.ChangeHealth] {
	return scenario[demo.HealthState, demo.HealthWorld, demo.ChangeHealth]{
		simulation: demo.Health{},
		world:      demo.DefaultHealthWorld(),
		states:     demo.HealthPopulation(cfg.Agents-cfg.Dormant, cfg.Dormant),
	}
}

func opinionScenario(cfg RunFileConfig) scenario[demo.OpinionState, demo.OpinionWorld, demo.OpinionUpdate] {
	return scenario[demo.OpinionState, demo.OpinionWorld, demo.OpinionUpdate]{
		simulation: demo.NewOpinion(cfg.Seed),
		world:      demo.DefaultOpinionWorld(),
		states:     demo.OpinionPopulation(cfg.Seed, cfg.Agents),
	}
}

// runScenario dispatches cfg.Sim to its typed scenario.
func runScenario(ctx context.Context, st store.Store, cfg RunFileConfig) (*runResult, error) {
	switch cfg.Sim {
	case "health":
		return runTyped(ctx, st, cfg, healthScenario(cfg))
	case "opinion":
		return runTyped(ctx, st, cfg, opinionScenario(cfg))
	default:
		return nil, fmt.Errorf("unknown sim %q", cfg.Sim)
	}
}

func runTyped[S, W, U any](ctx context.Context, st store.Store, cfg RunFileConfig, sc scenario[S, W, U]) (*runResult, error) {
	mcfg, err := cfg.managerConfig()
	if err != nil {
		return nil, err
	}
	mcfg.Logger = logrus.StandardLogger()
	m := cluster.NewManager[S, W, U](st, mcfg)

	if _, err := m.Spawns(ctx, sc.states); err != nil {
		return nil, fmt.Errorf("spawning population: %w", err)
	}
	if cfg.ExternalWorkers {
		logrus.Warnf("Waiting for %d workers on namespace %s", cfg.Workers, m.Keys().Namespace())
	}
	if cfg.ReportEvery > 0 {
		m.RegisterReporter(cfg.ReportEvery, func(ctx context.Context, step uint64, view *cluster.ReporterView[S, W]) error {
			logrus.WithFields(logrus.Fields{"step": step, "agents": view.Count()}).Info("Progress")
			return view.Publish(ctx, "progress", progressEvent{Step: step, Agents: view.Count()})
		})
	}

	rc := cfg.runConfig()
	summary, err := m.Run(ctx, sc.simulation, sc.world, rc)
	return &runResult{summary: summary, trace: rc.Trace}, err
}

// printSummary writes a human-readable run summary to w.
func printSummary(w io.Writer, s *cluster.RunSummary, st *trace.SimulationTrace) {
	if s == nil {
		return
	}
	fmt.Fprintln(w, "=== Run Summary ===")
	fmt.Fprintf(w, "Namespace            : %s\n", s.Namespace)
	fmt.Fprintf(w, "Run                  : %d\n", s.Run)
	fmt.Fprintf(w, "Workers              : %d\n", s.Workers)
	fmt.Fprintf(w, "Agents               : %d\n", s.Agents)
	fmt.Fprintf(w, "Steps                : %d", s.Steps)
	if s.Steps > 0 {
		fmt.Fprintf(w, " (%d..%d)", s.FirstStep, s.LastStep)
	}
	fmt.Fprintln(w)
	if s.Canceled {
		fmt.Fprintln(w, "Canceled             : true")
	}
	if s.Steps > 0 {
		fmt.Fprintf(w, "Step Time (ms)       : mean %.2f, p50 %.2f, p99 %.2f, max %.2f\n",
			millis(s.StepTime.Mean), millis(s.StepTime.P50), millis(s.StepTime.P99), millis(s.StepTime.Max))
	}
	fmt.Fprintf(w, "State Writes         : %d (unchanged %d)\n", s.Writes, s.Unchanged)
	fmt.Fprintf(w, "Cross-Shard Updates  : %d\n", s.QueuedRemote)
	fmt.Fprintf(w, "Remote Lookups       : %d (cache hits %d)\n", s.RemoteLookups, s.CacheHits)
	fmt.Fprintf(w, "Agent Failures       : %d\n", s.Failures)

	ts := trace.Summarize(st)
	if st == nil || ts.TotalSteps == 0 {
		return
	}
	fmt.Fprintln(w, "=== Trace Summary ===")
	fmt.Fprintf(w, "Mean Step Duration   : %s\n", ts.MeanStepDuration.Round(time.Microsecond))
	fmt.Fprintf(w, "Max Step Duration    : %s\n", ts.MaxStepDuration.Round(time.Microsecond))
	fmt.Fprintf(w, "Cross-Shard Share    : %.3f\n", ts.CrossShardShare)
	fmt.Fprintf(w, "Cache Hit Rate       : %.3f\n", ts.CacheHitRate)
	for shard := 0; shard < s.Workers; shard++ {
		if n := ts.Stragglers[shard]; n > 0 {
			fmt.Fprintf(w, "Straggler shard %-4d : %d steps\n", shard, n)
		}
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
