package engine

import (
	"context"
	"fmt"
	"time"

	"fleetops/internal/config"
	"fleetops/internal/geo"
	"fleetops/internal/model"
	"fleetops/internal/opt"
	"fleetops/internal/store"
)

// Dispatch assigns single pending orders to the best-scoring vehicle as soon
// as they appear. Orders with a time window are left for the batching engine,
// which can sequence them together. The claim is a compare-and-swap on
// pending; losing the race to another engine is a silent skip.
type Dispatch struct {
	Store   store.Store
	Builder *opt.Builder
	Weights config.Dispatch
	Now     func() time.Time
}

func NewDispatch(st store.Store, b *opt.Builder, w config.Dispatch) *Dispatch {
	return &Dispatch{Store: st, Builder: b, Weights: w, Now: time.Now}
}

func (d *Dispatch) Name() string { return "auto_dispatch" }

func (d *Dispatch) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	pending, err := d.Store.PendingOrders(ctx, store.OrderFilter{WithoutWindow: true})
	if err != nil {
		return stats, fmt.Errorf("dispatch: list pending: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}
	vehicles, err := d.Store.AvailableVehicles(ctx, store.VehicleFilter{})
	if err != nil {
		return stats, fmt.Errorf("dispatch: list vehicles: %w", err)
	}

	taken := map[string]bool{}
	for _, o := range pending {
		v, ok := d.pickVehicle(o, vehicles, taken)
		if !ok {
			stats.Infeasible++
			continue
		}

		claimed, err := d.Store.CompareAndSwapOrderStatus(ctx, o.ID, model.OrderPending, model.OrderAssigned, v.ID)
		if err != nil {
			return stats, fmt.Errorf("dispatch: claim %s: %w", o.ID, err)
		}
		if !claimed {
			stats.Conflicts++
			continue
		}
		stats.Claimed++

		route, err := d.Builder.BuildSingle(ctx, v, o, d.Now())
		if err != nil {
			d.release(ctx, o.ID)
			return stats, fmt.Errorf("dispatch: route %s: %w", o.ID, err)
		}
		replaced, err := d.Store.ReplaceVehicleRoute(ctx, v.ID, &route, v.RouteVersion)
		if err != nil {
			d.release(ctx, o.ID)
			return stats, fmt.Errorf("dispatch: route write %s: %w", v.ID, err)
		}
		if !replaced {
			// another engine took the vehicle; undo the claim and move on
			d.release(ctx, o.ID)
			stats.Claimed--
			stats.Conflicts++
			continue
		}
		stats.Replaced++
		taken[v.ID] = true
	}
	return stats, nil
}

// pickVehicle scores candidates by w1/(distance) + w2*rating + w3*(1-load),
// distance from vehicle to the order's pickup.
func (d *Dispatch) pickVehicle(o model.Order, vehicles []model.Vehicle, taken map[string]bool) (model.Vehicle, bool) {
	var best model.Vehicle
	bestScore := -1.0
	for _, v := range vehicles {
		if taken[v.ID] || !v.Matches(o.VehicleType) || v.Capacity < o.Weight {
			continue
		}
		dist := geo.Haversine(v.Location, o.Pickup)
		score := d.Weights.DistanceWeight/(dist+1) +
			d.Weights.RatingWeight*v.Rating +
			d.Weights.LoadWeight*(1-v.LoadRatio())
		if score > bestScore {
			bestScore = score
			best = v
		}
	}
	return best, bestScore >= 0
}

func (d *Dispatch) release(ctx context.Context, orderID string) {
	_, _ = d.Store.CompareAndSwapOrderStatus(ctx, orderID, model.OrderAssigned, model.OrderPending, "")
}
