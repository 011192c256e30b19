package opt

import (
	"context"
	"math"
	"sort"
	"time"

	"fleetops/internal/geo"
	"fleetops/internal/model"
)

// Builder turns a set of pending orders and available vehicles into routes.
// Clustering is a light capacity-aware nearest-centroid pass, not full
// k-means: one assignment pass, one centroid recompute, one reassignment.
type Builder struct {
	Geo geo.Client

	// TargetPerVehicle caps how many orders a cluster aims for; the cluster
	// count is min(vehicles, ceil(orders/target)).
	TargetPerVehicle int
	// Epsilon keeps the priority/(distance+eps) score finite at zero distance.
	Epsilon          float64
	TwoOptIterations int
	PickupService    time.Duration
	DeliveryService  time.Duration
}

// Plan is the builder output. Unplaced orders had no feasible vehicle and
// stay pending.
type Plan struct {
	Routes   []model.Route
	Unplaced []string
}

func (b *Builder) target() int {
	if b.TargetPerVehicle <= 0 {
		return 5
	}
	return b.TargetPerVehicle
}

func (b *Builder) eps() float64 {
	if b.Epsilon <= 0 {
		return 1.0
	}
	return b.Epsilon
}

func (b *Builder) pickupSvc() time.Duration {
	if b.PickupService <= 0 {
		return 10 * time.Minute
	}
	return b.PickupService
}

func (b *Builder) deliverySvc() time.Duration {
	if b.DeliveryService <= 0 {
		return 5 * time.Minute
	}
	return b.DeliveryService
}

// anchor is the point an order is clustered on.
func anchor(o model.Order) model.GeoPoint {
	return model.GeoPoint{
		Lat: (o.Pickup.Lat + o.Delivery.Lat) / 2,
		Lng: (o.Pickup.Lng + o.Delivery.Lng) / 2,
	}
}

type cluster struct {
	centroid model.GeoPoint
	orders   []model.Order
}

func (c *cluster) weight() float64 {
	w := 0.0
	for _, o := range c.orders {
		w += o.Weight
	}
	return w
}

// recompute sets the centroid to the priority-weighted mean of order anchors.
func (c *cluster) recompute() {
	if len(c.orders) == 0 {
		return
	}
	var lat, lng, wsum float64
	for _, o := range c.orders {
		w := float64(o.Priority + 1)
		p := anchor(o)
		lat += p.Lat * w
		lng += p.Lng * w
		wsum += w
	}
	c.centroid = model.GeoPoint{Lat: lat / wsum, Lng: lng / wsum}
}

// BuildPlan clusters orders, balances and merges clusters against the fleet,
// assigns each cluster to a vehicle and sequences it into a route with ETAs.
func (b *Builder) BuildPlan(ctx context.Context, orders []model.Order, vehicles []model.Vehicle, startAt time.Time) (Plan, error) {
	plan := Plan{}
	if len(orders) == 0 || len(vehicles) == 0 {
		for _, o := range orders {
			plan.Unplaced = append(plan.Unplaced, o.ID)
		}
		return plan, nil
	}

	// Orders no vehicle could ever carry are reported back, not clustered.
	feasible := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		ok := false
		for _, v := range vehicles {
			if v.Matches(o.VehicleType) && v.Capacity >= o.Weight {
				ok = true
				break
			}
		}
		if ok {
			feasible = append(feasible, o)
		} else {
			plan.Unplaced = append(plan.Unplaced, o.ID)
		}
	}
	if len(feasible) == 0 {
		return plan, nil
	}

	clusters := b.clusterOrders(feasible, vehicles)
	clusters = balance(clusters, len(feasible), len(vehicles))
	clusters = merge(clusters, len(vehicles))

	assigned, unplaced := assignClusters(clusters, vehicles)
	plan.Unplaced = append(plan.Unplaced, unplaced...)

	for _, a := range assigned {
		route, err := b.sequence(ctx, a.vehicle, a.orders, startAt)
		if err != nil {
			return plan, err
		}
		if b.TwoOptIterations > 0 {
			route, err = b.improve(ctx, a.vehicle, route)
			if err != nil {
				return plan, err
			}
		}
		b.ComputeETAs(&route, startAt)
		plan.Routes = append(plan.Routes, route)
	}
	return plan, nil
}

// clusterOrders runs the weighted nearest-centroid pass. Centroids are seeded
// from the highest-priority orders, spread across the input.
func (b *Builder) clusterOrders(orders []model.Order, vehicles []model.Vehicle) []*cluster {
	k := len(vehicles)
	if byTarget := int(math.Ceil(float64(len(orders)) / float64(b.target()))); byTarget < k {
		k = byTarget
	}
	if k < 1 {
		k = 1
	}

	maxCap := 0.0
	for _, v := range vehicles {
		if v.Capacity > maxCap {
			maxCap = v.Capacity
		}
	}

	seeds := make([]model.Order, len(orders))
	copy(seeds, orders)
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].Priority > seeds[j].Priority })

	clusters := make([]*cluster, 0, k)
	for i := 0; i < k; i++ {
		// spread seeds over the priority-sorted list instead of taking the
		// top k, which tend to be co-located
		idx := i * len(seeds) / k
		clusters = append(clusters, &cluster{centroid: anchor(seeds[idx])})
	}

	assign := func() {
		for _, c := range clusters {
			c.orders = c.orders[:0]
		}
		for _, o := range orders {
			best := -1
			bestDist := math.MaxFloat64
			for i, c := range clusters {
				if maxCap > 0 && c.weight()+o.Weight > maxCap {
					continue
				}
				d := geo.Haversine(anchor(o), c.centroid)
				if d < bestDist {
					bestDist = d
					best = i
				}
			}
			if best < 0 {
				// every cluster is at capacity; least-loaded takes it and the
				// balancing/assignment passes sort the overflow out
				for i, c := range clusters {
					if best < 0 || c.weight() < clusters[best].weight() {
						best = i
					}
				}
			}
			clusters[best].orders = append(clusters[best].orders, o)
		}
	}

	assign()
	for _, c := range clusters {
		c.recompute()
	}
	assign()

	out := clusters[:0]
	for _, c := range clusters {
		if len(c.orders) > 0 {
			c.recompute()
			out = append(out, c)
		}
	}
	return out
}

// balance peels orders off oversized clusters into new ones while idle
// vehicles remain. A cluster counts as oversized above ceil(n/m)+1 orders.
func balance(clusters []*cluster, orderCount, vehicleCount int) []*cluster {
	limit := int(math.Ceil(float64(orderCount)/float64(vehicleCount))) + 1
	for len(clusters) < vehicleCount {
		var over *cluster
		for _, c := range clusters {
			if len(c.orders) > limit && (over == nil || len(c.orders) > len(over.orders)) {
				over = c
			}
		}
		if over == nil {
			break
		}
		// seed the new cluster at the member farthest from the old centroid,
		// then pull its nearest neighbors across until the old cluster fits
		far := 0
		farDist := -1.0
		for i, o := range over.orders {
			if d := geo.Haversine(anchor(o), over.centroid); d > farDist {
				farDist = d
				far = i
			}
		}
		nc := &cluster{centroid: anchor(over.orders[far])}
		nc.orders = append(nc.orders, over.orders[far])
		over.orders = append(over.orders[:far], over.orders[far+1:]...)
		for len(over.orders) > limit {
			near := 0
			nearDist := math.MaxFloat64
			for i, o := range over.orders {
				if d := geo.Haversine(anchor(o), nc.centroid); d < nearDist {
					nearDist = d
					near = i
				}
			}
			nc.orders = append(nc.orders, over.orders[near])
			over.orders = append(over.orders[:near], over.orders[near+1:]...)
		}
		nc.recompute()
		over.recompute()
		clusters = append(clusters, nc)
	}
	return clusters
}

// merge folds the lowest-load clusters together until they fit the fleet.
func merge(clusters []*cluster, vehicleCount int) []*cluster {
	for len(clusters) > vehicleCount && len(clusters) > 1 {
		sort.Slice(clusters, func(i, j int) bool { return clusters[i].weight() < clusters[j].weight() })
		clusters[1].orders = append(clusters[1].orders, clusters[0].orders...)
		clusters[1].recompute()
		clusters = clusters[1:]
	}
	return clusters
}

type assignment struct {
	vehicle model.Vehicle
	orders  []model.Order
}

// assignClusters maps clusters to vehicles: heaviest cluster first, to the
// nearest vehicle that matches every order's type and has the capacity,
// least-loaded on distance ties. Orders that cannot fit any remaining vehicle
// are peeled off lowest-priority-first and reported unplaced.
func assignClusters(clusters []*cluster, vehicles []model.Vehicle) ([]assignment, []string) {
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].weight() > clusters[j].weight() })
	used := make([]bool, len(vehicles))
	var out []assignment
	var unplaced []string

	for _, c := range clusters {
		sort.SliceStable(c.orders, func(i, j int) bool { return c.orders[i].Priority < c.orders[j].Priority })
		for len(c.orders) > 0 {
			best := -1
			bestDist := math.MaxFloat64
			for i, v := range vehicles {
				if used[i] || !fits(v, c) {
					continue
				}
				d := geo.Haversine(v.Location, c.centroid)
				if d < bestDist || (d == bestDist && best >= 0 && v.LoadRatio() < vehicles[best].LoadRatio()) {
					bestDist = d
					best = i
				}
			}
			if best >= 0 {
				used[best] = true
				out = append(out, assignment{vehicle: vehicles[best], orders: c.orders})
				c.orders = nil
				break
			}
			// shed the lowest-priority order and retry
			unplaced = append(unplaced, c.orders[0].ID)
			c.orders = c.orders[1:]
		}
	}
	return out, unplaced
}

func fits(v model.Vehicle, c *cluster) bool {
	if v.Capacity < c.weight() {
		return false
	}
	for _, o := range c.orders {
		if !v.Matches(o.VehicleType) {
			return false
		}
	}
	return true
}
