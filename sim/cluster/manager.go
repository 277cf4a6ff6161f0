package cluster

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/store"
	"github.com/agentgrid/agentgrid/sim/trace"
)

// ManagerConfig configures a Manager. Zero values select defaults.
type ManagerConfig struct {
	// Namespace prefixes every key of the manager's runs; a random UUID
	// when empty.
	Namespace string
	Codec     sim.Codec
	Assigner  Assigner
	Retry     store.RetryConfig
	Logger    logrus.FieldLogger
}

// RunConfig configures one call to Manager.Run.
type RunConfig struct {
	Steps   int
	Workers int

	// ExternalWorkers makes the manager wait for workers started elsewhere
	// (agentgrid worker) instead of running them as goroutines.
	ExternalWorkers bool

	DecideParallelism int
	ExchangeTimeout   time.Duration
	BarrierTimeout    time.Duration
	FailurePolicy     FailurePolicy
	Retry             store.RetryConfig

	// Trace, when non-nil, receives step and shard records.
	Trace *trace.SimulationTrace
}

func (c RunConfig) withDefaults(managerRetry store.RetryConfig) RunConfig {
	if c.DecideParallelism <= 0 {
		c.DecideParallelism = runtime.GOMAXPROCS(0)
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 30 * time.Second
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = 2 * c.ExchangeTimeout
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailureSkip
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = managerRetry
	}
	return c
}

// Validate checks the run configuration.
func (c RunConfig) Validate() error {
	if c.Steps < 0 {
		return fmt.Errorf("steps must be >= 0, got %d", c.Steps)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if !IsValidFailurePolicy(string(c.FailurePolicy)) {
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}
	if c.BarrierTimeout < c.ExchangeTimeout {
		return fmt.Errorf("barrier timeout %s must not be shorter than exchange timeout %s",
			c.BarrierTimeout, c.ExchangeTimeout)
	}
	return c.Retry.Validate()
}

// ReporterFunc is called every N completed steps with a view of the
// committed population.
type ReporterFunc[S, W any] func(ctx context.Context, step uint64, view *ReporterView[S, W]) error

type reporter[S, W any] struct {
	every uint64
	fn    ReporterFunc[S, W]
}

// readyResend is how often the manager re-announces a run while waiting for
// workers to come up.
const readyResend = 250 * time.Millisecond

// terminateTimeout bounds the wait for terminate acks at teardown.
const terminateTimeout = 5 * time.Second

// Manager spawns agents, assigns them to shards and drives the
// barrier-synchronized step loop across workers. It owns the world between
// steps.
//
// Thread-safety: Spawn, Lookup and the accessors are safe for concurrent
// use. Only one Run may be active at a time, and spawning during a run fails.
type Manager[S, W, U any] struct {
	store    store.Store
	keys     sim.Keyspace
	codec    sim.Codec
	assigner Assigner
	retry    store.RetryConfig
	log      logrus.FieldLogger

	mu        sync.Mutex
	nextID    uint64
	ids       []sim.AgentID
	members   map[sim.AgentID]struct{}
	pins      map[sim.AgentID]ShardID
	step      uint64
	world     W
	running   bool
	runs      uint64
	observers []func(StepReport)
	spawned   []func([]sim.Agent[S])
	reporters []reporter[S, W]
}

// NewManager creates a manager using st as the shared store.
// Panics if st is nil.
func NewManager[S, W, U any](st store.Store, cfg ManagerConfig) *Manager[S, W, U] {
	if st == nil {
		panic("NewManager: store is nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = uuid.NewString()
	}
	if cfg.Codec == nil {
		cfg.Codec = sim.JSONCodec{}
	}
	if cfg.Assigner == nil {
		cfg.Assigner = RoundRobin{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = store.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Manager[S, W, U]{
		store:    st,
		keys:     sim.NewKeyspace(cfg.Namespace),
		codec:    cfg.Codec,
		assigner: cfg.Assigner,
		retry:    cfg.Retry,
		log:      cfg.Logger.WithField("namespace", cfg.Namespace),
		members:  make(map[sim.AgentID]struct{}),
		pins:     make(map[sim.AgentID]ShardID),
	}
}

// Keys returns the keyspace of the manager's namespace.
func (m *Manager[S, W, U]) Keys() sim.Keyspace { return m.keys }

// Count returns the number of spawned agents.
func (m *Manager[S, W, U]) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

// IDs returns every spawned agent id in ascending order.
func (m *Manager[S, W, U]) IDs() []sim.AgentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sim.AgentID(nil), m.ids...)
}

// Step returns the last completed step; 0 before any run.
func (m *Manager[S, W, U]) Step() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// World returns the world as of the last completed step.
func (m *Manager[S, W, U]) World() W {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.world
}

// OnStep registers fn to be called after every completed step.
func (m *Manager[S, W, U]) OnStep(fn func(StepReport)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// OnSpawns registers fn to be called with every batch of spawned agents.
func (m *Manager[S, W, U]) OnSpawns(fn func([]sim.Agent[S])) {
	m.mu.Lock()
	m.spawned = append(m.spawned, fn)
	m.mu.Unlock()
}

// RegisterReporter calls fn after every step divisible by every.
// Panics if every is 0.
func (m *Manager[S, W, U]) RegisterReporter(every uint64, fn ReporterFunc[S, W]) {
	if every == 0 {
		panic("RegisterReporter: every must be >= 1")
	}
	m.mu.Lock()
	m.reporters = append(m.reporters, reporter[S, W]{every: every, fn: fn})
	m.mu.Unlock()
}

// Spawn adds one agent and commits its state immediately.
func (m *Manager[S, W, U]) Spawn(ctx context.Context, state S) (sim.AgentID, error) {
	ids, err := m.spawn(ctx, []S{state}, nil)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Spawns adds agents in order and returns their fresh, distinct ids. On a
// store failure the ids committed so far are returned with the error.
func (m *Manager[S, W, U]) Spawns(ctx context.Context, states []S) ([]sim.AgentID, error) {
	return m.spawn(ctx, states, nil)
}

// SpawnPinned adds one agent that every run places on shard.
func (m *Manager[S, W, U]) SpawnPinned(ctx context.Context, state S, shard ShardID) (sim.AgentID, error) {
	if shard < 0 {
		return 0, fmt.Errorf("spawn: invalid shard %d", shard)
	}
	ids, err := m.spawn(ctx, []S{state}, &shard)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (m *Manager[S, W, U]) spawn(ctx context.Context, states []S, pin *ShardID) ([]sim.AgentID, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, errors.New("spawn: a run is in progress")
	}
	first := m.nextID + 1
	m.nextID += uint64(len(states))
	observers := slices.Clone(m.spawned)
	m.mu.Unlock()

	ids := make([]sim.AgentID, 0, len(states))
	agents := make([]sim.Agent[S], 0, len(states))
	var spawnErr error
	for i, s := range states {
		id := sim.AgentID(first + uint64(i))
		if err := m.commit(ctx, id, s); err != nil {
			spawnErr = fmt.Errorf("spawn agent %d: %w", id, err)
			break
		}
		ids = append(ids, id)
		agents = append(agents, sim.Agent[S]{ID: id, State: s})
	}

	// Concurrent spawns commit in any order; m.ids stays sorted.
	m.mu.Lock()
	for _, id := range ids {
		i, _ := slices.BinarySearch(m.ids, id)
		m.ids = slices.Insert(m.ids, i, id)
		m.members[id] = struct{}{}
		if pin != nil {
			m.pins[id] = *pin
		}
	}
	m.mu.Unlock()

	if len(agents) > 0 {
		for _, fn := range observers {
			fn(agents)
		}
	}
	return ids, spawnErr
}

func (m *Manager[S, W, U]) commit(ctx context.Context, id sim.AgentID, s S) error {
	raw, err := m.codec.Marshal(s)
	if err != nil {
		return err
	}
	return store.Retry(ctx, m.retry, "commit agent "+id.String(), m.log, func(ctx context.Context) error {
		return m.store.Set(ctx, m.keys.Agent(id), raw)
	})
}

// Lookup returns the last committed state of id.
func (m *Manager[S, W, U]) Lookup(ctx context.Context, id sim.AgentID) (S, error) {
	var zero S
	m.mu.Lock()
	_, ok := m.members[id]
	m.mu.Unlock()
	if !ok {
		return zero, fmt.Errorf("lookup agent %d: %w", id, sim.ErrAgentNotFound)
	}
	return fetchState[S](ctx, m.store, m.keys, m.codec, id)
}

func fetchState[S any](ctx context.Context, st store.Store, keys sim.Keyspace, codec sim.Codec, id sim.AgentID) (S, error) {
	var zero S
	raw, found, err := st.Get(ctx, keys.Agent(id))
	if err != nil {
		return zero, fmt.Errorf("lookup agent %d: %w", id, err)
	}
	if !found {
		return zero, fmt.Errorf("lookup agent %d: %w", id, sim.ErrAgentNotFound)
	}
	var s S
	if err := codec.Unmarshal(raw, &s); err != nil {
		return zero, fmt.Errorf("lookup agent %d: %w", id, err)
	}
	return s, nil
}

// Run drives cfg.Steps steps of simulation over the spawned population with
// cfg.Workers shards, starting from world. It blocks until every step
// completed, a step failed, or ctx was canceled. Cancellation is observed
// only between steps; the summary covers the steps that completed.
func (m *Manager[S, W, U]) Run(ctx context.Context, simulation Simulation[S, W, U], world W, cfg RunConfig) (*RunSummary, error) {
	cfg = cfg.withDefaults(m.retry)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, errors.New("run: a run is already in progress")
	}
	m.running = true
	m.runs++
	run := m.runs
	ids := append([]sim.AgentID(nil), m.ids...)
	pins := make(map[sim.AgentID]ShardID, len(m.pins))
	for id, shard := range m.pins {
		pins[id] = shard
	}
	step := m.step
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	log := m.log.WithField("run", run)
	summary := &RunSummary{Namespace: m.keys.Namespace(), Run: run, Workers: cfg.Workers, Agents: len(ids)}

	a, err := assign(ids, pins, cfg.Workers, m.assigner)
	if err != nil {
		return nil, err
	}
	a.Run = run
	if err := m.put(ctx, m.keys.Assignment(), a); err != nil {
		return nil, fmt.Errorf("storing assignment: %w", err)
	}
	if err := m.put(ctx, m.keys.World(), world); err != nil {
		return nil, fmt.Errorf("storing world: %w", err)
	}
	m.mu.Lock()
	m.world = world
	m.mu.Unlock()

	acks, err := m.store.Subscribe(ctx, m.keys.Acks())
	if err != nil {
		return nil, fmt.Errorf("subscribing to acks: %w", err)
	}
	defer acks.Close()
	b := &barrier{acks: acks, codec: m.codec, log: log, run: run, workers: cfg.Workers}

	// Workers must not see the caller's cancellation mid-step; they are
	// stopped explicitly at teardown.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	group, groupCtx := errgroup.WithContext(workerCtx)
	if !cfg.ExternalWorkers {
		// A local worker that fails ends its barrier waits at once.
		b.abort = groupCtx.Done()
		workers := make([]*Worker[S, W, U], cfg.Workers)
		for shard := range workers {
			w := NewWorker(simulation, m.store, WorkerConfig{
				Shard:             ShardID(shard),
				Keys:              m.keys,
				Codec:             m.codec,
				DecideParallelism: cfg.DecideParallelism,
				Retry:             cfg.Retry,
				ExchangeTimeout:   cfg.ExchangeTimeout,
				FailurePolicy:     cfg.FailurePolicy,
				Logger:            log,
			})
			if err := w.Open(ctx); err != nil {
				for _, opened := range workers[:shard] {
					_ = opened.Close()
				}
				return nil, err
			}
			workers[shard] = w
		}
		for _, w := range workers {
			group.Go(func() error {
				defer w.Close()
				return w.Serve(groupCtx)
			})
		}
	}

	runErr := m.loop(ctx, simulation, world, cfg, b, run, step, summary, log)

	// Teardown: announce termination even if the caller canceled.
	teardownCtx := context.WithoutCancel(ctx)
	if err := publish(teardownCtx, m.store, m.codec, cfg.Retry, log, m.keys.Control(),
		Command{Run: run, Step: m.Step(), Kind: CommandTerminate}); err != nil {
		log.Warnf("announcing termination: %v", err)
	} else if _, err := b.await(m.Step(), AckTerminated, min(cfg.BarrierTimeout, terminateTimeout), nil, 0); err != nil && runErr == nil {
		log.Warnf("waiting for workers to terminate: %v", err)
	}
	stopWorkers()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		var stepErr *StepError
		switch {
		case runErr == nil:
			runErr = err
		case errors.Is(runErr, errWorkersStopped) && errors.As(runErr, &stepErr):
			runErr = &StepError{Step: stepErr.Step, Shard: -1, Err: fmt.Errorf("%w: %w", sim.ErrStepFailed, err)}
		}
	}

	summary.finalize()
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			summary.Canceled = true
		}
		return summary, runErr
	}
	return summary, nil
}

// loop announces the run, waits for every shard, then runs the steps.
func (m *Manager[S, W, U]) loop(ctx context.Context, simulation Simulation[S, W, U], world W, cfg RunConfig,
	b *barrier, run, step uint64, summary *RunSummary, log logrus.FieldLogger) error {
	load := Command{Run: run, Step: step, Kind: CommandLoad}
	announce := func() {
		if err := publish(ctx, m.store, m.codec, cfg.Retry, log, m.keys.Control(), load); err != nil {
			log.Warnf("announcing run: %v", err)
		}
	}
	announce()
	if _, err := b.await(step, AckReady, cfg.BarrierTimeout, announce, readyResend); err != nil {
		return err
	}
	log.Infof("run started: %d agents on %d workers", summary.Agents, cfg.Workers)

	updater, _ := simulation.(WorldUpdater[W])
	for i := 0; i < cfg.Steps; i++ {
		if err := ctx.Err(); err != nil {
			log.Infof("run canceled after step %d", step)
			return err
		}
		step++
		report, err := m.runStep(ctx, b, cfg, run, step, world, log)
		if err != nil {
			return err
		}

		if updater != nil {
			if next, changed := updater.UpdateWorld(world, report); changed {
				world = next
				if err := m.put(context.WithoutCancel(ctx), m.keys.World(), world); err != nil {
					return &StepError{Step: step, Shard: -1, Err: fmt.Errorf("%w: storing world: %w", sim.ErrStepFailed, err)}
				}
			}
		}

		m.mu.Lock()
		m.step = step
		m.world = world
		observers := slices.Clone(m.observers)
		reporters := slices.Clone(m.reporters)
		m.mu.Unlock()

		summary.add(report)
		recordTrace(cfg.Trace, report)
		for _, fn := range observers {
			fn(report)
		}
		m.report(ctx, reporters, step, world, log)
	}
	log.Infof("run finished at step %d", step)
	return nil
}

// runStep drives one step through both barriers.
func (m *Manager[S, W, U]) runStep(ctx context.Context, b *barrier, cfg RunConfig, run, step uint64,
	world W, log logrus.FieldLogger) (StepReport, error) {
	start := time.Now()
	raw, err := m.codec.Marshal(world)
	if err != nil {
		return StepReport{}, &StepError{Step: step, Shard: -1, Err: fmt.Errorf("%w: encoding world: %w", sim.ErrStepFailed, err)}
	}
	// The step is committed to from here on; it completes even if ctx ends.
	stepCtx := context.WithoutCancel(ctx)

	decide := Command{Run: run, Step: step, Kind: CommandDecide, World: raw}
	if err := publish(stepCtx, m.store, m.codec, cfg.Retry, log, m.keys.Control(), decide); err != nil {
		return StepReport{}, &StepError{Step: step, Shard: -1, Err: fmt.Errorf("%w: %w", sim.ErrStepFailed, err)}
	}
	if _, err := b.await(step, AckDecided, cfg.BarrierTimeout, nil, 0); err != nil {
		return StepReport{}, err
	}

	update := Command{Run: run, Step: step, Kind: CommandUpdate}
	if err := publish(stepCtx, m.store, m.codec, cfg.Retry, log, m.keys.Control(), update); err != nil {
		return StepReport{}, &StepError{Step: step, Shard: -1, Err: fmt.Errorf("%w: %w", sim.ErrStepFailed, err)}
	}
	acks, err := b.await(step, AckUpdated, cfg.BarrierTimeout, nil, 0)
	if err != nil {
		return StepReport{}, err
	}

	shards := make([]ShardReport, len(acks))
	for i, a := range acks {
		shards[i] = a.Report
	}
	report := aggregateReports(step, shards, time.Since(start))
	log.WithField("step", step).Debugf("step done: %d writes, %d remote updates, %d failures",
		report.Writes, report.QueuedRemote, len(report.Failures))
	return report, nil
}

func (m *Manager[S, W, U]) report(ctx context.Context, reporters []reporter[S, W], step uint64, world W, log logrus.FieldLogger) {
	if len(reporters) == 0 {
		return
	}
	view := &ReporterView[S, W]{
		store: m.store,
		keys:  m.keys,
		codec: m.codec,
		ids:   m.IDs(),
		world: world,
		step:  step,
	}
	for _, r := range reporters {
		if step%r.every != 0 {
			continue
		}
		if err := r.fn(ctx, step, view); err != nil {
			log.WithField("step", step).Warnf("reporter failed: %v", err)
		}
	}
}

func (m *Manager[S, W, U]) put(ctx context.Context, key string, v any) error {
	raw, err := m.codec.Marshal(v)
	if err != nil {
		return err
	}
	return store.Retry(ctx, m.retry, "store "+key, m.log, func(ctx context.Context) error {
		return m.store.Set(ctx, key, raw)
	})
}

func recordTrace(t *trace.SimulationTrace, r StepReport) {
	if t == nil || t.Config.Level == trace.TraceLevelNone || t.Config.Level == "" {
		return
	}
	t.RecordStep(trace.StepRecord{
		Step:          r.Step,
		Duration:      r.Duration,
		Decided:       r.Decided,
		QueuedLocal:   r.QueuedLocal,
		QueuedRemote:  r.QueuedRemote,
		Writes:        r.Writes,
		Unchanged:     r.Unchanged,
		Failures:      len(r.Failures),
		RemoteLookups: r.RemoteLookups,
		CacheHits:     r.CacheHits,
	})
	if t.Config.Level != trace.TraceLevelShards {
		return
	}
	for _, s := range r.Shards {
		t.RecordShard(trace.ShardRecord{
			Step:       s.Step,
			Shard:      int(s.Shard),
			Agents:     s.Agents,
			Sent:       s.QueuedRemote,
			Received:   s.Received,
			Writes:     s.Writes,
			Failures:   len(s.Failures),
			DecideTime: s.DecideTime,
			UpdateTime: s.UpdateTime,
		})
	}
}

// ReporterView is the read access given to reporters: committed agent
// state, the current world, and the ability to publish events under the
// run namespace.
type ReporterView[S, W any] struct {
	store store.Store
	keys  sim.Keyspace
	codec sim.Codec
	ids   []sim.AgentID
	world W
	step  uint64
}

// IDs returns every agent id in ascending order.
func (v *ReporterView[S, W]) IDs() []sim.AgentID { return v.ids }

// Count returns the population size.
func (v *ReporterView[S, W]) Count() int { return len(v.ids) }

// World returns the world after the reported step.
func (v *ReporterView[S, W]) World() W { return v.world }

// Lookup returns the committed state of id.
func (v *ReporterView[S, W]) Lookup(ctx context.Context, id sim.AgentID) (S, error) {
	i := sort.Search(len(v.ids), func(i int) bool { return v.ids[i] >= id })
	if i == len(v.ids) || v.ids[i] != id {
		var zero S
		return zero, fmt.Errorf("lookup agent %d: %w", id, sim.ErrAgentNotFound)
	}
	return fetchState[S](ctx, v.store, v.keys, v.codec, id)
}

// Publish encodes event and publishes it on the run's event channel name.
func (v *ReporterView[S, W]) Publish(ctx context.Context, name string, event any) error {
	raw, err := v.codec.Marshal(event)
	if err != nil {
		return err
	}
	return v.store.Publish(ctx, v.keys.Events(name), raw)
}

// Run is the one-call form of Manager.Run: it runs steps steps on workers
// goroutine workers with default settings and returns the manager for
// inspection.
func Run[S, W, U any](ctx context.Context, simulation Simulation[S, W, U], world W,
	m *Manager[S, W, U], workers, steps int) (*Manager[S, W, U], error) {
	_, err := m.Run(ctx, simulation, world, RunConfig{Steps: steps, Workers: workers})
	return m, err
}
