package opt

import (
	"context"
	"time"

	"fleetops/internal/geo"
	"fleetops/internal/model"
)

// sequence orders the cluster's stops with a priority-first nearest-neighbor
// walk: at each step pick the eligible stop maximizing priority/(distance+eps),
// ties broken by earliest deadline. A delivery becomes eligible only after its
// pickup is placed. Time windows gate eligibility; when no candidate is
// window-feasible the walk falls back to all remaining stops so late orders
// still get served rather than dropped.
func (b *Builder) sequence(ctx context.Context, v model.Vehicle, orders []model.Order, startAt time.Time) (model.Route, error) {
	type candidate struct {
		stop     model.Stop
		pairIdx  int // index of the delivery unlocked by this pickup, -1 otherwise
		released bool
	}
	cands := make([]candidate, 0, len(orders)*2)
	for _, o := range orders {
		di := len(cands) + 1
		cands = append(cands, candidate{
			stop: model.Stop{
				OrderID:  o.ID,
				Type:     model.StopPickup,
				Location: o.Pickup,
				Weight:   o.Weight,
				Priority: o.Priority,
				Deadline: o.Deadline,
				Window:   o.Window,
			},
			pairIdx:  di,
			released: true,
		})
		cands = append(cands, candidate{
			stop: model.Stop{
				OrderID:  o.ID,
				Type:     model.StopDelivery,
				Location: o.Delivery,
				Weight:   o.Weight,
				Priority: o.Priority,
				Deadline: o.Deadline,
				Window:   o.Window,
			},
			pairIdx: -1,
		})
	}

	route := model.Route{VehicleID: v.ID, StartAt: startAt}
	cur := v.Location
	now := startAt
	placed := make([]bool, len(cands))
	remaining := len(cands)

	for remaining > 0 {
		best := -1
		bestScore := -1.0
		var bestLeg geo.Leg
		windowPass := true
	pick:
		for i, c := range cands {
			if placed[i] || !c.released {
				continue
			}
			leg, err := b.Geo.DistanceDuration(ctx, cur, c.stop.Location)
			if err != nil {
				return route, err
			}
			arrival := now.Add(time.Duration(leg.DurationSec * float64(time.Second)))
			if windowPass && c.stop.Window != nil && arrival.After(c.stop.Window.Latest) {
				continue
			}
			score := float64(c.stop.Priority+1) / (leg.DistanceM + b.eps())
			if score > bestScore || (score == bestScore && best >= 0 && c.stop.Deadline.Before(cands[best].stop.Deadline)) {
				bestScore = score
				best = i
				bestLeg = leg
			}
		}
		if best < 0 {
			if windowPass {
				// nothing window-feasible; serve the rest anyway
				windowPass = false
				goto pick
			}
			break
		}

		st := cands[best].stop
		if len(route.Stops) == 0 {
			// the leg to the first stop only influenced its selection; the
			// route clock starts at the first stop
			st.LegDistanceM, st.LegDurationSec = 0, 0
			now = startAt
		} else {
			st.LegDistanceM = bestLeg.DistanceM
			st.LegDurationSec = bestLeg.DurationSec
			st.Estimated = bestLeg.Estimated
			now = now.Add(time.Duration(bestLeg.DurationSec * float64(time.Second)))
		}
		if st.Window != nil && now.Before(st.Window.Earliest) {
			now = st.Window.Earliest
		}
		now = now.Add(b.serviceTime(st.Type))
		cur = st.Location
		route.Stops = append(route.Stops, st)
		placed[best] = true
		remaining--
		if p := cands[best].pairIdx; p >= 0 {
			cands[p].released = true
		}
	}
	return route, nil
}

func (b *Builder) serviceTime(t model.StopType) time.Duration {
	if t == model.StopPickup {
		return b.pickupSvc()
	}
	return b.deliverySvc()
}

// BuildSingle produces the one-order pickup-then-delivery route auto-dispatch
// writes after a successful claim.
func (b *Builder) BuildSingle(ctx context.Context, v model.Vehicle, o model.Order, startAt time.Time) (model.Route, error) {
	route, err := b.sequence(ctx, v, []model.Order{o}, startAt)
	if err != nil {
		return route, err
	}
	b.ComputeETAs(&route, startAt)
	return route, nil
}

// Resequence rebuilds a route from the undone stops of an existing one,
// starting from the vehicle's current position. Orders whose pickup already
// happened keep only their delivery stop.
func (b *Builder) Resequence(ctx context.Context, v model.Vehicle, remaining []model.Stop, startAt time.Time) (model.Route, error) {
	byOrder := map[string][]model.Stop{}
	ids := []string{}
	for _, st := range remaining {
		if _, ok := byOrder[st.OrderID]; !ok {
			ids = append(ids, st.OrderID)
		}
		byOrder[st.OrderID] = append(byOrder[st.OrderID], st)
	}

	route := model.Route{VehicleID: v.ID, StartAt: startAt}
	var full []model.Order
	var deliveryOnly []model.Stop
	for _, id := range ids {
		stops := byOrder[id]
		var pickup, delivery *model.Stop
		for i := range stops {
			switch stops[i].Type {
			case model.StopPickup:
				pickup = &stops[i]
			case model.StopDelivery:
				delivery = &stops[i]
			}
		}
		switch {
		case pickup != nil && delivery != nil:
			full = append(full, model.Order{
				ID:       id,
				Pickup:   pickup.Location,
				Delivery: delivery.Location,
				Weight:   pickup.Weight,
				Priority: pickup.Priority,
				Deadline: pickup.Deadline,
				Window:   pickup.Window,
			})
		case delivery != nil:
			deliveryOnly = append(deliveryOnly, *delivery)
		}
	}

	seq, err := b.sequence(ctx, v, full, startAt)
	if err != nil {
		return route, err
	}
	route.Stops = seq.Stops

	// deliveries of already-picked-up orders are inserted greedily by the
	// same score; their pickup constraint is already satisfied
	for _, d := range deliveryOnly {
		route.Stops = b.insertDelivery(ctx, v, route.Stops, d)
	}
	if err := b.refreshLegs(ctx, v, &route); err != nil {
		return route, err
	}
	b.ComputeETAs(&route, startAt)
	return route, nil
}

func (b *Builder) insertDelivery(ctx context.Context, v model.Vehicle, stops []model.Stop, d model.Stop) []model.Stop {
	bestPos := len(stops)
	bestCost := -1.0
	for pos := 0; pos <= len(stops); pos++ {
		prev := v.Location
		if pos > 0 {
			prev = stops[pos-1].Location
		}
		cost := geo.Haversine(prev, d.Location)
		if pos < len(stops) {
			cost += geo.Haversine(d.Location, stops[pos].Location) - geo.Haversine(prev, stops[pos].Location)
		}
		if bestCost < 0 || cost < bestCost {
			bestCost = cost
			bestPos = pos
		}
	}
	out := make([]model.Stop, 0, len(stops)+1)
	out = append(out, stops[:bestPos]...)
	out = append(out, d)
	out = append(out, stops[bestPos:]...)
	return out
}

// refreshLegs refetches leg distances for the whole stop sequence in one
// geometry call. The leg into the first stop stays zero.
func (b *Builder) refreshLegs(ctx context.Context, v model.Vehicle, route *model.Route) error {
	if len(route.Stops) < 2 {
		return nil
	}
	points := make([]model.GeoPoint, 0, len(route.Stops)+1)
	points = append(points, v.Location)
	for _, st := range route.Stops {
		points = append(points, st.Location)
	}
	geom, err := b.Geo.RouteGeometry(ctx, points)
	if err != nil {
		return err
	}
	if len(geom.Legs) != len(route.Stops) {
		return nil
	}
	for i := 1; i < len(route.Stops); i++ {
		route.Stops[i].LegDistanceM = geom.Legs[i].DistanceM
		route.Stops[i].LegDurationSec = geom.Legs[i].DurationSec
		route.Stops[i].Estimated = geom.Legs[i].Estimated
	}
	route.Stops[0].LegDistanceM, route.Stops[0].LegDurationSec = 0, 0
	return nil
}
