package opt

import (
	"context"

	"fleetops/internal/geo"
	"fleetops/internal/model"
)

// improve runs a bounded 2-opt pass over a sequenced route. Segment reversals
// are evaluated on straight-line distance so the pass costs no provider
// calls; legs are refetched once at the end if the order changed. A reversal
// is rejected when it would put a delivery before its own pickup or when the
// segment contains time-windowed stops, which the greedy walk already placed
// feasibly.
func (b *Builder) improve(ctx context.Context, v model.Vehicle, route model.Route) (model.Route, error) {
	stops := route.Stops
	if len(stops) < 3 {
		return route, nil
	}
	changed := false
	for pass := 0; pass < b.TwoOptIterations; pass++ {
		improvedPass := false
		for i := 0; i < len(stops)-1; i++ {
			for j := i + 1; j < len(stops); j++ {
				if !reversible(stops, i, j) {
					continue
				}
				if twoOptGain(v.Location, stops, i, j) <= 0 {
					continue
				}
				reverse(stops, i, j)
				improvedPass = true
				changed = true
			}
		}
		if !improvedPass {
			break
		}
	}
	if changed {
		if err := b.refreshLegs(ctx, v, &route); err != nil {
			return route, err
		}
	}
	return route, nil
}

// reversible reports whether stops[i..j] may be reversed without breaking
// pickup-before-delivery or touching a windowed stop.
func reversible(stops []model.Stop, i, j int) bool {
	seenPickup := map[string]bool{}
	for k := i; k <= j; k++ {
		if stops[k].Window != nil {
			return false
		}
		switch stops[k].Type {
		case model.StopPickup:
			seenPickup[stops[k].OrderID] = true
		case model.StopDelivery:
			if seenPickup[stops[k].OrderID] {
				return false
			}
		}
	}
	return true
}

// twoOptGain is the straight-line distance saved by reversing stops[i..j].
func twoOptGain(start model.GeoPoint, stops []model.Stop, i, j int) float64 {
	prev := start
	if i > 0 {
		prev = stops[i-1].Location
	}
	before := geo.Haversine(prev, stops[i].Location)
	after := geo.Haversine(prev, stops[j].Location)
	if j < len(stops)-1 {
		next := stops[j+1].Location
		before += geo.Haversine(stops[j].Location, next)
		after += geo.Haversine(stops[i].Location, next)
	}
	return before - after
}

// PathDistance is the straight-line length of the walk from start through
// every stop, used for cheap route-to-route comparisons.
func PathDistance(start model.GeoPoint, stops []model.Stop) float64 {
	total := 0.0
	prev := start
	for _, st := range stops {
		total += geo.Haversine(prev, st.Location)
		prev = st.Location
	}
	return total
}

func reverse(stops []model.Stop, i, j int) {
	for i < j {
		stops[i], stops[j] = stops[j], stops[i]
		i++
		j--
	}
}
