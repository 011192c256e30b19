package engine

import "context"

// CycleStats summarizes one engine cycle for the orchestrator's counters.
type CycleStats struct {
	Claimed    int // pending->assigned CAS wins
	Conflicts  int // CAS losses, expected under concurrency
	Infeasible int // orders left pending because nothing fit
	Replaced   int // full route replacements
	Escalated  int // escalation records created or raised
}

// Engine is one automation loop body. RunCycle does a full pass and returns;
// the orchestrator owns scheduling, timeouts and lifecycle.
type Engine interface {
	Name() string
	RunCycle(ctx context.Context) (CycleStats, error)
}
