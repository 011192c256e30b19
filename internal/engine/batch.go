package engine

import (
	"context"
	"fmt"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/opt"
	"fleetops/internal/store"
)

// Batch periodically plans all pending orders together across the available
// fleet. Orders another engine claims mid-plan are dropped from their route
// and the rest is re-sequenced; a vehicle whose route version moved under us
// gets its claims rolled back.
type Batch struct {
	Store   store.Store
	Builder *opt.Builder
	Now     func() time.Time
}

func NewBatch(st store.Store, b *opt.Builder) *Batch {
	return &Batch{Store: st, Builder: b, Now: time.Now}
}

func (e *Batch) Name() string { return "smart_batching" }

func (e *Batch) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	pending, err := e.Store.PendingOrders(ctx, store.OrderFilter{})
	if err != nil {
		return stats, fmt.Errorf("batch: list pending: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}
	vehicles, err := e.Store.AvailableVehicles(ctx, store.VehicleFilter{})
	if err != nil {
		return stats, fmt.Errorf("batch: list vehicles: %w", err)
	}
	if len(vehicles) == 0 {
		stats.Infeasible = len(pending)
		return stats, nil
	}

	startAt := e.Now()
	plan, err := e.Builder.BuildPlan(ctx, pending, vehicles, startAt)
	if err != nil {
		return stats, fmt.Errorf("batch: plan: %w", err)
	}
	stats.Infeasible += len(plan.Unplaced)

	versions := map[string]model.Vehicle{}
	for _, v := range vehicles {
		versions[v.ID] = v
	}

	for _, route := range plan.Routes {
		v := versions[route.VehicleID]
		claimed := []string{}
		lost := map[string]bool{}
		for _, id := range route.OrderIDs() {
			ok, err := e.Store.CompareAndSwapOrderStatus(ctx, id, model.OrderPending, model.OrderAssigned, v.ID)
			if err != nil {
				e.rollback(ctx, claimed)
				return stats, fmt.Errorf("batch: claim %s: %w", id, err)
			}
			if !ok {
				stats.Conflicts++
				lost[id] = true
				continue
			}
			claimed = append(claimed, id)
		}
		if len(claimed) == 0 {
			continue
		}
		if len(lost) > 0 {
			// drop the stops we lost and re-sequence what we actually hold
			kept := route.Stops[:0]
			for _, st := range route.Stops {
				if !lost[st.OrderID] {
					kept = append(kept, st)
				}
			}
			route, err = e.Builder.Resequence(ctx, v, kept, startAt)
			if err != nil {
				e.rollback(ctx, claimed)
				return stats, fmt.Errorf("batch: resequence %s: %w", v.ID, err)
			}
		}

		ok, err := e.Store.ReplaceVehicleRoute(ctx, v.ID, &route, v.RouteVersion)
		if err != nil {
			e.rollback(ctx, claimed)
			return stats, fmt.Errorf("batch: route write %s: %w", v.ID, err)
		}
		if !ok {
			// vehicle changed under us; give the orders back
			e.rollback(ctx, claimed)
			stats.Conflicts += len(claimed)
			continue
		}
		stats.Claimed += len(claimed)
		stats.Replaced++
	}
	return stats, nil
}

func (e *Batch) rollback(ctx context.Context, orderIDs []string) {
	for _, id := range orderIDs {
		_, _ = e.Store.CompareAndSwapOrderStatus(ctx, id, model.OrderAssigned, model.OrderPending, "")
	}
}
