package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetops/internal/model"
)

type tickEngine struct {
	name string

	mu    sync.Mutex
	runs  int
	stats CycleStats
	err   error

	block chan struct{} // when set, RunCycle waits on it
}

func (e *tickEngine) Name() string { return e.name }

func (e *tickEngine) RunCycle(_ context.Context) (CycleStats, error) {
	e.mu.Lock()
	e.runs++
	block := e.block
	stats, err := e.stats, e.err
	e.mu.Unlock()
	if block != nil {
		<-block
	}
	return stats, err
}

func (e *tickEngine) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func TestOrchestratorStartStop(t *testing.T) {
	o := NewOrchestrator(time.Second)
	e := &tickEngine{name: "loop"}
	o.Register(e, 10*time.Millisecond)

	states := o.StatusAll()
	if len(states) != 1 || states[0].Status != model.EngineStopped {
		t.Fatalf("registered engine must start stopped, got %+v", states)
	}

	if err := o.Start("loop"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// starting a running engine is a no-op
	if err := o.Start("loop"); err != nil {
		t.Fatalf("double start must be a no-op: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for e.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if e.runCount() == 0 {
		t.Fatalf("engine never cycled")
	}

	if err := o.Stop("loop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	after := e.runCount()
	time.Sleep(50 * time.Millisecond)
	if e.runCount() != after {
		t.Fatalf("engine cycled after Stop returned")
	}
	if st := o.StatusAll()[0]; st.Status != model.EngineStopped || st.Success == 0 {
		t.Fatalf("got %+v, want stopped with successes", st)
	}
	// stopping again is a no-op
	if err := o.Stop("loop"); err != nil {
		t.Fatalf("double stop must be a no-op: %v", err)
	}
}

func TestOrchestratorStopWaitsForInflightCycle(t *testing.T) {
	o := NewOrchestrator(time.Second)
	block := make(chan struct{})
	e := &tickEngine{name: "slow", block: block}
	o.Register(e, time.Hour)

	if err := o.Start("slow"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for e.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		_ = o.Stop("slow")
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a cycle was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop never returned after the cycle committed")
	}
}

// Concurrent Stop calls for one engine must resolve to a single channel
// close, with every caller returning only after the loop drained.
func TestOrchestratorConcurrentStops(t *testing.T) {
	o := NewOrchestrator(time.Second)
	block := make(chan struct{})
	e := &tickEngine{name: "sleepy", block: block}
	o.Register(e, time.Hour)

	if err := o.Start("sleepy"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for e.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.Stop("sleepy"); err != nil {
				t.Errorf("stop: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("concurrent stops never returned")
	}
	if st := o.StatusAll()[0]; st.Status != model.EngineStopped {
		t.Fatalf("engine must end stopped, got %+v", st)
	}
}

func TestOrchestratorCounters(t *testing.T) {
	o := NewOrchestrator(time.Second)
	e := &tickEngine{name: "c", stats: CycleStats{Claimed: 2, Conflicts: 1, Infeasible: 3}}
	o.Register(e, time.Hour)

	if err := o.Start("c"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for e.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := o.Stop("c"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	st := o.StatusAll()[0]
	if st.Claimed != 2 || st.Conflicts != 1 || st.Infeasible != 3 || st.Success != 1 {
		t.Fatalf("bad counters: %+v", st)
	}
	if st.LastRun.IsZero() {
		t.Fatalf("LastRun must be recorded")
	}
}

func TestOrchestratorUnknownEngine(t *testing.T) {
	o := NewOrchestrator(time.Second)
	if err := o.Start("nope"); err == nil {
		t.Fatalf("starting an unknown engine must fail")
	}
	if err := o.Stop("nope"); err == nil {
		t.Fatalf("stopping an unknown engine must fail")
	}
}
