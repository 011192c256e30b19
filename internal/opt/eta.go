package opt

import (
	"time"

	"fleetops/internal/model"
)

// ComputeETAs fills arrival times and cumulative totals from the leg data
// captured during sequencing. The first stop's arrival is the route start;
// each next arrival adds the previous stop's service time and the incoming
// leg's drive time. Arrivals never decrease: a stop whose window opens later
// waits at the location.
func (b *Builder) ComputeETAs(route *model.Route, startAt time.Time) {
	route.StartAt = startAt
	route.TotalDistanceM = 0
	route.TotalDurationSec = 0
	route.Estimated = false
	if len(route.Stops) == 0 {
		return
	}

	arrival := startAt
	for i := range route.Stops {
		st := &route.Stops[i]
		if i > 0 {
			prev := &route.Stops[i-1]
			arrival = prev.ETA.
				Add(b.serviceTime(prev.Type)).
				Add(time.Duration(st.LegDurationSec * float64(time.Second)))
		}
		if st.Window != nil && arrival.Before(st.Window.Earliest) {
			arrival = st.Window.Earliest
		}
		st.ETA = arrival
		route.TotalDistanceM += st.LegDistanceM
		st.CumDistanceM = route.TotalDistanceM
		st.CumDurationSec = arrival.Sub(startAt).Seconds()
		if st.Estimated {
			route.Estimated = true
		}
	}
	last := route.Stops[len(route.Stops)-1]
	route.TotalDurationSec = last.CumDurationSec + b.serviceTime(last.Type).Seconds()
}
