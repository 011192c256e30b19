package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fleetops/internal/metrics"
	"fleetops/internal/model"
)

// Orchestrator owns the engine lifecycles: one ticker goroutine per engine,
// independent intervals, stop-waits-for-inflight-cycle semantics. It never
// coordinates engine work beyond that; the store's compare-and-swap is the
// only cross-engine guard.
type Orchestrator struct {
	CycleTimeout time.Duration
	LogConflicts bool

	mu      sync.Mutex
	runners map[string]*runner
	order   []string
}

type runner struct {
	engine   Engine
	interval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopping bool

	state model.EngineState
}

func NewOrchestrator(cycleTimeout time.Duration) *Orchestrator {
	if cycleTimeout <= 0 {
		cycleTimeout = 10 * time.Second
	}
	return &Orchestrator{
		CycleTimeout: cycleTimeout,
		runners:      map[string]*runner{},
	}
}

// Register adds an engine in the stopped state.
func (o *Orchestrator) Register(e Engine, interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := e.Name()
	if _, ok := o.runners[name]; ok {
		return
	}
	o.runners[name] = &runner{
		engine:   e,
		interval: interval,
		state: model.EngineState{
			Name:        name,
			Status:      model.EngineStopped,
			IntervalSec: int(interval / time.Second),
		},
	}
	o.order = append(o.order, name)
}

// Start launches the engine's loop. Starting a running engine is a no-op.
func (o *Orchestrator) Start(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runners[name]
	if !ok {
		return fmt.Errorf("engine: unknown engine %q", name)
	}
	if r.state.Status == model.EngineRunning {
		return nil
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.state.Status = model.EngineRunning
	go o.loop(r)
	return nil
}

// Stop signals the engine and waits for any in-flight cycle to commit.
// Stopping a stopped engine is a no-op; concurrent Stop calls for the same
// engine all wait for the one shutdown.
func (o *Orchestrator) Stop(name string) error {
	o.mu.Lock()
	r, ok := o.runners[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("engine: unknown engine %q", name)
	}
	if r.state.Status != model.EngineRunning {
		o.mu.Unlock()
		return nil
	}
	if r.stopping {
		// another caller owns the close; wait for the loop to drain
		done := r.done
		o.mu.Unlock()
		<-done
		return nil
	}
	r.stopping = true
	stop, done := r.stop, r.done
	o.mu.Unlock()

	close(stop)
	<-done

	o.mu.Lock()
	r.state.Status = model.EngineStopped
	r.stopping = false
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) StartAll() {
	o.mu.Lock()
	names := append([]string(nil), o.order...)
	o.mu.Unlock()
	for _, n := range names {
		_ = o.Start(n)
	}
}

func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	names := append([]string(nil), o.order...)
	o.mu.Unlock()
	for _, n := range names {
		_ = o.Stop(n)
	}
}

// StatusAll returns a snapshot of every engine's state, registration order.
func (o *Orchestrator) StatusAll() []model.EngineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.EngineState, 0, len(o.order))
	for _, n := range o.order {
		out = append(out, o.runners[n].state)
	}
	return out
}

func (o *Orchestrator) loop(r *runner) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	o.runCycle(r)
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			o.runCycle(r)
		}
	}
}

func (o *Orchestrator) runCycle(r *runner) {
	ctx, cancel := context.WithTimeout(context.Background(), o.CycleTimeout)
	defer cancel()

	name := r.engine.Name()
	started := time.Now()
	stats, err := r.engine.RunCycle(ctx)
	metrics.CycleDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())

	o.mu.Lock()
	r.state.LastRun = started
	r.state.Claimed += uint64(stats.Claimed)
	r.state.Conflicts += uint64(stats.Conflicts)
	r.state.Infeasible += uint64(stats.Infeasible)
	if err != nil {
		r.state.Failure++
	} else {
		r.state.Success++
	}
	logConflicts := o.LogConflicts
	o.mu.Unlock()

	metrics.OrdersClaimed.WithLabelValues(name).Add(float64(stats.Claimed))
	metrics.ClaimConflicts.WithLabelValues(name).Add(float64(stats.Conflicts))
	metrics.InfeasibleOrders.WithLabelValues(name).Add(float64(stats.Infeasible))
	metrics.RoutesReplaced.WithLabelValues(name).Add(float64(stats.Replaced))
	if err != nil {
		metrics.EngineCycles.WithLabelValues(name, "failure").Inc()
		log.Printf("engine %s: cycle failed: %v", name, err)
		return
	}
	metrics.EngineCycles.WithLabelValues(name, "success").Inc()
	if logConflicts && stats.Conflicts > 0 {
		log.Printf("engine %s: %d claim conflicts (lost races, skipped)", name, stats.Conflicts)
	}
}
