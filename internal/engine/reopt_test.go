package engine

import (
	"context"
	"testing"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/store"
)

func seedBusyVehicle(t *testing.T, m *store.Memory, stops []model.Stop, orders []model.Order) model.Vehicle {
	t.Helper()
	ctx := context.Background()
	if _, err := m.CreateOrders(ctx, orders); err != nil {
		t.Fatalf("orders: %v", err)
	}
	_, _ = m.CreateVehicles(ctx, []model.Vehicle{{
		ID: "v1", Capacity: 100, Location: model.GeoPoint{Lat: 24.70, Lng: 46.60},
	}})
	ok, err := m.ReplaceVehicleRoute(ctx, "v1", &model.Route{Stops: stops, StartAt: time.Now()}, 0)
	if err != nil || !ok {
		t.Fatalf("seed route: ok=%v err=%v", ok, err)
	}
	v, _ := m.GetVehicle(ctx, "v1")
	return v
}

func assignedOrder(id string, pickup, delivery model.GeoPoint, deadline time.Time) model.Order {
	return model.Order{
		ID: id, Pickup: pickup, Delivery: delivery, Weight: 5,
		Deadline: deadline, Status: model.OrderAssigned, VehicleID: "v1",
	}
}

func stopsFor(orders ...model.Order) []model.Stop {
	out := []model.Stop{}
	for _, o := range orders {
		out = append(out,
			model.Stop{OrderID: o.ID, Type: model.StopPickup, Location: o.Pickup, Weight: o.Weight, Deadline: o.Deadline},
			model.Stop{OrderID: o.ID, Type: model.StopDelivery, Location: o.Delivery, Weight: o.Weight, Deadline: o.Deadline},
		)
	}
	return out
}

// Running the re-optimizer over a route the greedy heuristic already produced
// must change nothing: same input, same sequence, zero improvement.
func TestReoptIdempotentOnUnchangedRoute(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	deadline := time.Now().Add(3 * time.Hour)
	a := assignedOrder("a", model.GeoPoint{Lat: 24.70, Lng: 46.61}, model.GeoPoint{Lat: 24.705, Lng: 46.615}, deadline)
	b := assignedOrder("b", model.GeoPoint{Lat: 24.75, Lng: 46.66}, model.GeoPoint{Lat: 24.755, Lng: 46.665}, deadline)
	// near order fully served before the far one: already the greedy shape
	v := seedBusyVehicle(t, m, stopsFor(a, b), []model.Order{a, b})

	e := NewReopt(m, testOptBuilder(), 0.05)
	stats, err := e.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Replaced != 0 {
		t.Fatalf("unchanged route must not be replaced, got %+v", stats)
	}
	after, _ := m.GetVehicle(ctx, "v1")
	if after.RouteVersion != v.RouteVersion {
		t.Fatalf("route version moved %d -> %d without a replacement", v.RouteVersion, after.RouteVersion)
	}
}

// A zigzag route between a near and a far order is worth well over the 5%
// tolerance; the re-optimizer must replace it under the version guard.
func TestReoptReplacesWastefulRoute(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	deadline := time.Now().Add(3 * time.Hour)
	near := assignedOrder("near", model.GeoPoint{Lat: 24.70, Lng: 46.60}, model.GeoPoint{Lat: 24.701, Lng: 46.601}, deadline)
	far := assignedOrder("far", model.GeoPoint{Lat: 24.80, Lng: 46.70}, model.GeoPoint{Lat: 24.801, Lng: 46.701}, deadline)

	// far pickup, back for near, out again for far delivery
	zigzag := []model.Stop{
		{OrderID: "far", Type: model.StopPickup, Location: far.Pickup, Weight: 5},
		{OrderID: "near", Type: model.StopPickup, Location: near.Pickup, Weight: 5},
		{OrderID: "far", Type: model.StopDelivery, Location: far.Delivery, Weight: 5},
		{OrderID: "near", Type: model.StopDelivery, Location: near.Delivery, Weight: 5},
	}
	v := seedBusyVehicle(t, m, zigzag, []model.Order{near, far})

	e := NewReopt(m, testOptBuilder(), 0.05)
	replaced, err := e.ReoptimizeVehicle(ctx, v)
	if err != nil {
		t.Fatalf("reoptimize: %v", err)
	}
	if !replaced {
		t.Fatalf("wasteful route must be replaced")
	}
	after, _ := m.GetVehicle(ctx, "v1")
	if after.RouteVersion != v.RouteVersion+1 {
		t.Fatalf("replacement must bump the version once, got %d", after.RouteVersion)
	}
	assertPickupBeforeDeliveryStops(t, after.Route.Stops)
}

// Stops already behind the vehicle drop out: a picked-up order keeps only its
// delivery, a delivered order disappears.
func TestReoptDropsCompletedWork(t *testing.T) {
	m := store.NewMemory()
	deadline := time.Now().Add(3 * time.Hour)
	a := assignedOrder("a", model.GeoPoint{Lat: 24.70, Lng: 46.61}, model.GeoPoint{Lat: 24.71, Lng: 46.62}, deadline)
	b := assignedOrder("b", model.GeoPoint{Lat: 24.72, Lng: 46.63}, model.GeoPoint{Lat: 24.73, Lng: 46.64}, deadline)
	c := assignedOrder("c", model.GeoPoint{Lat: 24.74, Lng: 46.65}, model.GeoPoint{Lat: 24.75, Lng: 46.66}, deadline)
	b.Status = model.OrderPickedUp
	c.Status = model.OrderDelivered
	v := seedBusyVehicle(t, m, stopsFor(a, b, c), []model.Order{a, b, c})

	e := NewReopt(m, testOptBuilder(), 0.05)
	remaining := remainingForTest(t, e, v)
	if len(remaining) != 3 {
		t.Fatalf("want a's two stops plus b's delivery, got %d stops", len(remaining))
	}
	for _, st := range remaining {
		if st.OrderID == "c" {
			t.Fatalf("delivered order must drop out of the plan")
		}
		if st.OrderID == "b" && st.Type == model.StopPickup {
			t.Fatalf("picked-up order must keep only its delivery")
		}
	}
}

// A vehicle that delivered everything on its route must come back to the
// available pool instead of idling busy on a stale route.
func TestReoptClearsFullyServedRoute(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	deadline := time.Now().Add(3 * time.Hour)
	a := assignedOrder("a", model.GeoPoint{Lat: 24.70, Lng: 46.61}, model.GeoPoint{Lat: 24.71, Lng: 46.62}, deadline)
	a.Status = model.OrderDelivered
	v := seedBusyVehicle(t, m, stopsFor(a), []model.Order{a})

	e := NewReopt(m, testOptBuilder(), 0.05)
	stats, err := e.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Replaced != 1 {
		t.Fatalf("finished route must be cleared, got %+v", stats)
	}
	after, _ := m.GetVehicle(ctx, "v1")
	if after.Status != model.VehicleAvailable || after.Route != nil {
		t.Fatalf("got %s with route=%v, want available with no route", after.Status, after.Route)
	}
	if after.RouteVersion != v.RouteVersion+1 {
		t.Fatalf("clear must go through the version guard, got %d", after.RouteVersion)
	}
}

// When completed stops dropped out, the replacement commits regardless of
// the distance tolerance: the route no longer matches the remaining work.
func TestReoptCommitsShrunkRoute(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	deadline := time.Now().Add(3 * time.Hour)
	a := assignedOrder("a", model.GeoPoint{Lat: 24.70, Lng: 46.61}, model.GeoPoint{Lat: 24.705, Lng: 46.615}, deadline)
	b := assignedOrder("b", model.GeoPoint{Lat: 24.75, Lng: 46.66}, model.GeoPoint{Lat: 24.755, Lng: 46.665}, deadline)
	b.Status = model.OrderDelivered
	// greedy-shaped sequence: zero distance gain, only the drop forces a write
	v := seedBusyVehicle(t, m, stopsFor(a, b), []model.Order{a, b})

	e := NewReopt(m, testOptBuilder(), 0.05)
	replaced, err := e.ReoptimizeVehicle(ctx, v)
	if err != nil {
		t.Fatalf("reoptimize: %v", err)
	}
	if !replaced {
		t.Fatalf("shrunk route must be replaced")
	}
	after, _ := m.GetVehicle(ctx, "v1")
	if after.Status != model.VehicleBusy || after.Route == nil {
		t.Fatalf("vehicle with work left must stay busy")
	}
	for _, st := range after.Route.Stops {
		if st.OrderID == "b" {
			t.Fatalf("delivered order must leave the route, got %+v", after.Route.Stops)
		}
	}
	if len(after.Route.Stops) != 2 {
		t.Fatalf("want a's pickup and delivery, got %d stops", len(after.Route.Stops))
	}
}

func remainingForTest(t *testing.T, e *Reopt, v model.Vehicle) []model.Stop {
	t.Helper()
	stops, err := e.remainingStops(context.Background(), v)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	return stops
}

func assertPickupBeforeDeliveryStops(t *testing.T, stops []model.Stop) {
	t.Helper()
	picked := map[string]bool{}
	for _, st := range stops {
		switch st.Type {
		case model.StopPickup:
			picked[st.OrderID] = true
		case model.StopDelivery:
			if !picked[st.OrderID] {
				t.Fatalf("delivery of %s before its pickup", st.OrderID)
			}
		}
	}
}
