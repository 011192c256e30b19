package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/opt"
	"fleetops/internal/store"
)

// Reopt re-sequences the remaining stops of busy vehicles and replaces the
// route only when the new sequence is meaningfully shorter. Comparing on
// straight-line path length keeps the check free of provider calls and makes
// the engine idempotent: an unchanged route yields zero improvement and no
// replacement.
type Reopt struct {
	Store   store.Store
	Builder *opt.Builder
	// Tolerance is the minimum fractional improvement before replacing.
	Tolerance float64
	Now       func() time.Time
}

func NewReopt(st store.Store, b *opt.Builder, tolerance float64) *Reopt {
	if tolerance <= 0 {
		tolerance = 0.05
	}
	return &Reopt{Store: st, Builder: b, Tolerance: tolerance, Now: time.Now}
}

func (e *Reopt) Name() string { return "reoptimizer" }

func (e *Reopt) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	vehicles, err := e.Store.ListVehicles(ctx, store.VehicleFilter{Status: model.VehicleBusy})
	if err != nil {
		return stats, fmt.Errorf("reopt: list vehicles: %w", err)
	}
	for _, v := range vehicles {
		replaced, err := e.ReoptimizeVehicle(ctx, v)
		if err != nil {
			return stats, err
		}
		if replaced {
			stats.Replaced++
		}
	}
	return stats, nil
}

// ReoptimizeVehicle re-plans one vehicle's remaining work. Exposed so the
// API layer can trigger it directly on fleet events (vehicle went offline,
// manual rebalance). Completed work always commits: when stops dropped out
// of the route the replacement happens regardless of the distance tolerance,
// and a fully-served route is cleared so the vehicle returns to the
// available pool.
func (e *Reopt) ReoptimizeVehicle(ctx context.Context, v model.Vehicle) (bool, error) {
	if v.Route == nil || len(v.Route.Stops) == 0 {
		return false, nil
	}
	remaining, err := e.remainingStops(ctx, v)
	if err != nil {
		return false, err
	}
	if len(remaining) == 0 {
		ok, err := e.Store.ReplaceVehicleRoute(ctx, v.ID, nil, v.RouteVersion)
		if err != nil {
			return false, fmt.Errorf("reopt: clear route %s: %w", v.ID, err)
		}
		return ok, nil
	}
	shrunk := len(remaining) < len(v.Route.Stops)
	if !shrunk && len(remaining) < 3 {
		return false, nil
	}

	oldDist := opt.PathDistance(v.Location, remaining)
	route, err := e.Builder.Resequence(ctx, v, remaining, e.Now())
	if err != nil {
		return false, fmt.Errorf("reopt: resequence %s: %w", v.ID, err)
	}
	if !shrunk {
		if oldDist <= 0 {
			return false, nil
		}
		newDist := opt.PathDistance(v.Location, route.Stops)
		if (oldDist-newDist)/oldDist <= e.Tolerance {
			return false, nil
		}
	}

	ok, err := e.Store.ReplaceVehicleRoute(ctx, v.ID, &route, v.RouteVersion)
	if err != nil {
		return false, fmt.Errorf("reopt: route write %s: %w", v.ID, err)
	}
	return ok, nil
}

// remainingStops filters the current route down to work not yet done:
// delivered and failed orders drop out entirely, picked-up orders keep only
// their delivery stop.
func (e *Reopt) remainingStops(ctx context.Context, v model.Vehicle) ([]model.Stop, error) {
	status := map[string]model.OrderStatus{}
	for _, id := range v.Route.OrderIDs() {
		o, err := e.Store.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("reopt: load order %s: %w", id, err)
		}
		status[id] = o.Status
	}
	out := []model.Stop{}
	for _, st := range v.Route.Stops {
		switch status[st.OrderID] {
		case model.OrderAssigned:
			out = append(out, st)
		case model.OrderPickedUp, model.OrderInTransit:
			if st.Type == model.StopDelivery {
				out = append(out, st)
			}
		}
	}
	return out, nil
}
