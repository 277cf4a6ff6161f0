package cluster

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/store"
)

// WorkerConfig configures the worker owning one shard.
type WorkerConfig struct {
	Shard ShardID
	Keys  sim.Keyspace
	Codec sim.Codec

	// DecideParallelism bounds concurrent decide calls; 0 means GOMAXPROCS.
	DecideParallelism int
	Retry             store.RetryConfig
	// ExchangeTimeout bounds the wait for peer envelopes in one step.
	ExchangeTimeout time.Duration
	FailurePolicy   FailurePolicy

	Logger logrus.FieldLogger
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Codec == nil {
		c.Codec = sim.JSONCodec{}
	}
	if c.DecideParallelism <= 0 {
		c.DecideParallelism = runtime.GOMAXPROCS(0)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = store.DefaultRetryConfig()
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 30 * time.Second
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailureSkip
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Worker owns one shard: it holds the committed state of its agents, runs
// decide and update for them, and commits changed state to the store. It
// follows the manager's commands on the control channel, so the same worker
// runs as a goroutine of the manager's process or in a process of its own.
type Worker[S, W, U any] struct {
	cfg   WorkerConfig
	sim   Simulation[S, W, U]
	store store.Store
	log   logrus.FieldLogger

	mu    sync.Mutex
	phase Phase

	ctl   store.Subscription
	inbox store.Subscription

	// Set by load, fixed for the run.
	run     uint64
	workers int
	loaded  bool
	local   []sim.AgentID
	owners  map[sim.AgentID]ShardID
	states  map[sim.AgentID]S
	pop     *Population[S]

	// Per-step state, owned by the Serve goroutine.
	step     uint64
	report   ShardReport
	outgoing map[sim.AgentID][]U
	early    map[uint64][]Envelope
}

// NewWorker creates a worker for cfg.Shard.
// Panics if simulation or st is nil, or if cfg.Keys has no namespace.
func NewWorker[S, W, U any](simulation Simulation[S, W, U], st store.Store, cfg WorkerConfig) *Worker[S, W, U] {
	if simulation == nil {
		panic("NewWorker: simulation is nil")
	}
	if st == nil {
		panic("NewWorker: store is nil")
	}
	if cfg.Keys.Namespace() == "" {
		panic("NewWorker: keyspace has no namespace")
	}
	cfg = cfg.withDefaults()
	return &Worker[S, W, U]{
		cfg:   cfg,
		sim:   simulation,
		store: st,
		log:   cfg.Logger.WithField("shard", cfg.Shard),
		phase: PhaseIdle,
		early: make(map[uint64][]Envelope),
	}
}

// Phase returns the worker's current phase.
func (w *Worker[S, W, U]) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Worker[S, W, U]) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// Open subscribes to the control channel and to the shard's update channel.
// Commands published before Open returns are not seen.
func (w *Worker[S, W, U]) Open(ctx context.Context) error {
	ctl, err := w.store.Subscribe(ctx, w.cfg.Keys.Control())
	if err != nil {
		return fmt.Errorf("shard %d: subscribing to control: %w", w.cfg.Shard, err)
	}
	inbox, err := w.store.Subscribe(ctx, w.cfg.Keys.ShardUpdates(int(w.cfg.Shard)))
	if err != nil {
		_ = ctl.Close()
		return fmt.Errorf("shard %d: subscribing to updates: %w", w.cfg.Shard, err)
	}
	w.ctl, w.inbox = ctl, inbox
	return nil
}

// Close releases the worker's subscriptions.
func (w *Worker[S, W, U]) Close() error {
	var errs []error
	if w.ctl != nil {
		errs = append(errs, w.ctl.Close())
	}
	if w.inbox != nil {
		errs = append(errs, w.inbox.Close())
	}
	return errors.Join(errs...)
}

// Run opens the worker, serves commands until terminated and closes it.
func (w *Worker[S, W, U]) Run(ctx context.Context) error {
	if err := w.Open(ctx); err != nil {
		return err
	}
	defer w.Close()
	return w.Serve(ctx)
}

// Serve follows the control channel until a terminate command for the
// worker's run, ctx is done, or the store goes away. Step failures are
// reported to the manager and do not end Serve.
func (w *Worker[S, W, U]) Serve(ctx context.Context) error {
	if w.ctl == nil {
		return fmt.Errorf("shard %d: Serve called before Open", w.cfg.Shard)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-w.ctl.Messages():
			if !ok {
				return fmt.Errorf("shard %d: control channel closed: %w", w.cfg.Shard, sim.ErrStoreUnavailable)
			}
			var cmd Command
			if err := w.cfg.Codec.Unmarshal(msg, &cmd); err != nil {
				w.log.Warnf("dropping undecodable command: %v", err)
				continue
			}
			done, err := w.handle(ctx, cmd)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (w *Worker[S, W, U]) handle(ctx context.Context, cmd Command) (bool, error) {
	if cmd.Kind == CommandLoad {
		if w.loaded {
			if cmd.Run == w.run {
				// Resent while the manager waits for stragglers.
				return false, w.ack(ctx, AckReady, cmd.Step, "")
			}
			w.log.Warnf("ignoring load for run %d, serving run %d", cmd.Run, w.run)
			return false, nil
		}
		reason := ""
		if err := w.load(ctx, cmd.Run); err != nil {
			w.log.Errorf("loading shard: %v", err)
			reason = err.Error()
		}
		return false, w.ack(ctx, AckReady, cmd.Step, reason)
	}

	if cmd.Kind == CommandTerminate && cmd.Run == w.run && w.run != 0 {
		w.log.WithField("step", cmd.Step).Debug("terminating")
		return true, w.ack(ctx, AckTerminated, cmd.Step, "")
	}
	if !w.loaded || cmd.Run != w.run {
		return false, nil
	}
	log := w.log.WithField("step", cmd.Step)

	switch cmd.Kind {
	case CommandDecide:
		if cmd.Step <= w.step {
			return false, nil
		}
		reason := ""
		if err := w.decide(ctx, cmd); err != nil {
			log.Errorf("decide failed: %v", err)
			reason = err.Error()
			w.setPhase(PhaseIdle)
		}
		return false, w.ack(ctx, AckDecided, cmd.Step, reason)

	case CommandUpdate:
		if cmd.Step != w.step || w.Phase() != PhaseExchanging {
			return false, nil
		}
		reason := ""
		if err := w.update(ctx, cmd.Step); err != nil {
			log.Errorf("update failed: %v", err)
			reason = err.Error()
		}
		w.setPhase(PhaseIdle)
		return false, w.ack(ctx, AckUpdated, cmd.Step, reason)

	default:
		log.Warnf("ignoring unknown command %q", cmd.Kind)
		return false, nil
	}
}

func (w *Worker[S, W, U]) ack(ctx context.Context, kind AckKind, step uint64, reason string) error {
	a := Ack{Run: w.run, Shard: w.cfg.Shard, Step: step, Kind: kind, Error: reason}
	if kind == AckUpdated {
		a.Report = w.report
	}
	if err := publish(ctx, w.store, w.cfg.Codec, w.cfg.Retry, w.log, w.cfg.Keys.Acks(), a); err != nil {
		return fmt.Errorf("shard %d: acknowledging %s for step %d: %w", w.cfg.Shard, kind, step, err)
	}
	return nil
}

// load reads the run's assignment and the committed state of every local
// agent.
func (w *Worker[S, W, U]) load(ctx context.Context, run uint64) error {
	w.run = run

	var raw []byte
	var found bool
	err := store.Retry(ctx, w.cfg.Retry, "load assignment", w.log, func(ctx context.Context) error {
		var err error
		raw, found, err = w.store.Get(ctx, w.cfg.Keys.Assignment())
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no assignment under %q", w.cfg.Keys.Assignment())
	}
	var a Assignment
	if err := w.cfg.Codec.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("decoding assignment: %w", err)
	}
	if a.Run != run {
		return fmt.Errorf("assignment is for run %d, expected %d", a.Run, run)
	}
	if int(w.cfg.Shard) >= a.Workers || w.cfg.Shard < 0 {
		return fmt.Errorf("shard %d out of range for %d workers", w.cfg.Shard, a.Workers)
	}

	local := a.Shards[w.cfg.Shard]
	states := make(map[sim.AgentID]S, len(local))
	for _, id := range local {
		var raw []byte
		var found bool
		err := store.Retry(ctx, w.cfg.Retry, fmt.Sprintf("load agent %d", id), w.log, func(ctx context.Context) error {
			var err error
			raw, found, err = w.store.Get(ctx, w.cfg.Keys.Agent(id))
			return err
		})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("loading agent %d: %w", id, sim.ErrAgentNotFound)
		}
		var s S
		if err := w.cfg.Codec.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("loading agent %d: %w", id, err)
		}
		states[id] = s
	}

	w.workers = a.Workers
	w.local = local
	w.owners = a.Owners()
	w.states = states
	w.pop = &Population[S]{
		shard:  w.cfg.Shard,
		local:  states,
		owners: w.owners,
		ids:    a.IDs(),
		store:  w.store,
		keys:   w.cfg.Keys,
		codec:  w.cfg.Codec,
		retry:  w.cfg.Retry,
		log:    w.log,
		cache:  make(map[sim.AgentID]S),
	}
	w.loaded = true
	w.log.Debugf("loaded %d of %d agents", len(local), len(w.owners))
	return nil
}

// decide runs the decide phase for every local agent, then publishes one
// envelope to every peer shard.
func (w *Worker[S, W, U]) decide(ctx context.Context, cmd Command) error {
	start := time.Now()
	step := cmd.Step
	w.step = step
	w.report = ShardReport{Shard: w.cfg.Shard, Step: step, Agents: len(w.local)}
	w.outgoing = nil
	w.setPhase(PhaseDeciding)

	var world W
	if err := w.cfg.Codec.Unmarshal(cmd.World, &world); err != nil {
		return fmt.Errorf("decoding world: %w", err)
	}
	w.pop.reset(step)

	q := &updateQueue[U]{}
	var decided atomic.Int64
	var failMu sync.Mutex
	var failures []AgentFailure

	var g errgroup.Group
	g.SetLimit(w.cfg.DecideParallelism)
	for _, id := range w.local {
		agent := sim.Agent[S]{ID: id, State: w.states[id]}
		g.Go(func() error {
			h := newUpdates[U](id)
			if err := w.decideOne(ctx, agent, world, h); err != nil {
				failMu.Lock()
				failures = append(failures, AgentFailure{Agent: id, Phase: PhaseDeciding, Reason: err.Error()})
				failMu.Unlock()
				return nil
			}
			q.merge(h)
			decided.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	w.report.Decided = int(decided.Load())
	w.report.RemoteLookups = w.pop.remoteLookups.Load()
	w.report.CacheHits = w.pop.cacheHits.Load()

	w.setPhase(PhaseExchanging)
	r := q.partition(w.cfg.Shard, w.owners)
	for _, e := range r.unknown {
		failures = append(failures, AgentFailure{
			Agent:  e.from,
			Phase:  PhaseDeciding,
			Reason: fmt.Sprintf("update for agent %d: %v", e.target, sim.ErrAgentNotFound),
		})
	}
	w.outgoing = r.local
	for _, us := range r.local {
		w.report.QueuedLocal += len(us)
	}

	for peer := 0; peer < w.workers; peer++ {
		if ShardID(peer) == w.cfg.Shard {
			continue
		}
		env := Envelope{Run: w.run, Step: step, From: w.cfg.Shard}
		for _, e := range r.remote[ShardID(peer)] {
			payload, err := w.cfg.Codec.Marshal(e.update)
			if err != nil {
				failures = append(failures, AgentFailure{Agent: e.from, Phase: PhaseDeciding, Reason: err.Error()})
				continue
			}
			env.Updates = append(env.Updates, EnvelopeUpdate{Target: e.target, Payload: payload})
		}
		w.report.QueuedRemote += len(env.Updates)
		channel := w.cfg.Keys.ShardUpdates(peer)
		if err := publish(ctx, w.store, w.cfg.Codec, w.cfg.Retry, w.log, channel, env); err != nil {
			return fmt.Errorf("sending envelope to shard %d: %w", peer, err)
		}
	}

	w.report.DecideTime = time.Since(start)
	return w.recordFailures(PhaseDeciding, failures)
}

func (w *Worker[S, W, U]) decideOne(ctx context.Context, agent sim.Agent[S], world W, h *Updates[U]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decide panicked: %v", r)
		}
	}()
	return w.sim.Decide(ctx, agent, world, w.pop, h)
}

// update drains the step's inbound envelopes and applies every queued update.
// Local updates come first for each target, then inbound ones in ascending
// source shard order.
func (w *Worker[S, W, U]) update(ctx context.Context, step uint64) error {
	start := time.Now()
	inbound, err := w.drain(ctx, step)
	if err != nil {
		return err
	}
	w.setPhase(PhaseUpdating)

	var failures []AgentFailure
	byTarget := w.outgoing
	if byTarget == nil {
		byTarget = make(map[sim.AgentID][]U)
	}
	w.outgoing = nil
	bad := make(map[sim.AgentID]string)
	for _, env := range inbound {
		for _, eu := range env.Updates {
			if owner, ok := w.owners[eu.Target]; !ok || owner != w.cfg.Shard {
				w.log.Warnf("dropping update for agent %d misrouted from shard %d", eu.Target, env.From)
				continue
			}
			var u U
			if err := w.cfg.Codec.Unmarshal(eu.Payload, &u); err != nil {
				bad[eu.Target] = err.Error()
				continue
			}
			byTarget[eu.Target] = append(byTarget[eu.Target], u)
			w.report.Received++
		}
	}

	targets := make([]sim.AgentID, 0, len(byTarget)+len(bad))
	for id := range byTarget {
		targets = append(targets, id)
	}
	for id := range bad {
		if _, ok := byTarget[id]; !ok {
			targets = append(targets, id)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	for _, id := range targets {
		if reason, ok := bad[id]; ok {
			failures = append(failures, AgentFailure{Agent: id, Phase: PhaseUpdating, Reason: reason})
			continue
		}
		current, ok := w.states[id]
		if !ok {
			continue
		}
		// Update works on a decoded copy; w.states only ever holds committed state.
		state, err := cloneState(w.cfg.Codec, current)
		if err != nil {
			failures = append(failures, AgentFailure{Agent: id, Phase: PhaseUpdating, Reason: err.Error()})
			continue
		}
		changed, err := w.updateOne(&state, byTarget[id])
		if err != nil {
			failures = append(failures, AgentFailure{Agent: id, Phase: PhaseUpdating, Reason: err.Error()})
			continue
		}
		w.report.Updated++
		if !changed {
			w.report.Unchanged++
			continue
		}
		raw, err := w.cfg.Codec.Marshal(state)
		if err != nil {
			failures = append(failures, AgentFailure{Agent: id, Phase: PhaseUpdating, Reason: err.Error()})
			continue
		}
		key := w.cfg.Keys.Agent(id)
		err = store.Retry(ctx, w.cfg.Retry, "commit agent "+id.String(), w.log, func(ctx context.Context) error {
			return w.store.Set(ctx, key, raw)
		})
		if err != nil {
			return fmt.Errorf("committing agent %d: %w", id, err)
		}
		w.states[id] = state
		w.report.Writes++
	}

	w.report.UpdateTime = time.Since(start)
	return w.recordFailures(PhaseUpdating, failures)
}

func cloneState[S any](codec sim.Codec, s S) (S, error) {
	var out S
	raw, err := codec.Marshal(s)
	if err != nil {
		return out, err
	}
	err = codec.Unmarshal(raw, &out)
	return out, err
}

func (w *Worker[S, W, U]) updateOne(state *S, updates []U) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update panicked: %v", r)
		}
	}()
	return w.sim.Update(state, updates), nil
}

// drain collects exactly one envelope from every peer shard for step.
// Envelopes of later steps are kept for later; stale ones are dropped.
func (w *Worker[S, W, U]) drain(ctx context.Context, step uint64) ([]Envelope, error) {
	got := make(map[ShardID]Envelope, w.workers)
	for _, env := range w.early[step] {
		if _, dup := got[env.From]; !dup {
			got[env.From] = env
		}
	}
	for s := range w.early {
		if s <= step {
			delete(w.early, s)
		}
	}

	timer := time.NewTimer(w.cfg.ExchangeTimeout)
	defer timer.Stop()
	for len(got) < w.workers-1 {
		select {
		case msg, ok := <-w.inbox.Messages():
			if !ok {
				return nil, fmt.Errorf("update channel closed: %w", sim.ErrStoreUnavailable)
			}
			var env Envelope
			if err := w.cfg.Codec.Unmarshal(msg, &env); err != nil {
				w.log.Warnf("dropping undecodable envelope: %v", err)
				continue
			}
			switch {
			case env.Run != w.run || env.Step < step:
				continue
			case env.Step > step:
				w.early[env.Step] = append(w.early[env.Step], env)
				continue
			case env.From == w.cfg.Shard || env.From < 0 || int(env.From) >= w.workers:
				continue
			}
			if _, dup := got[env.From]; dup {
				w.log.Warnf("dropping duplicate envelope from shard %d", env.From)
				continue
			}
			got[env.From] = env
		case <-timer.C:
			return nil, fmt.Errorf("received %d of %d envelopes within %s", len(got), w.workers-1, w.cfg.ExchangeTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]Envelope, 0, len(got))
	for _, env := range got {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out, nil
}

// recordFailures adds failures to the step report in agent order and applies
// the failure policy.
func (w *Worker[S, W, U]) recordFailures(phase Phase, failures []AgentFailure) error {
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Agent < failures[j].Agent })
	for _, f := range failures {
		w.log.WithFields(logrus.Fields{"step": w.step, "phase": phase, "agent": f.Agent}).Warn(f.Reason)
	}
	w.report.Failures = append(w.report.Failures, failures...)
	if w.cfg.FailurePolicy == FailureAbort {
		return fmt.Errorf("%d agent failures while %s (first: agent %d: %s)",
			len(failures), phase, failures[0].Agent, failures[0].Reason)
	}
	return nil
}
