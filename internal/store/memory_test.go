package store

import (
	"context"
	"testing"
	"time"

	"fleetops/internal/model"
)

func TestCompareAndSwapOrderStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CreateOrders(ctx, []model.Order{{ID: "o1", Deadline: time.Now().Add(time.Hour)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := m.CompareAndSwapOrderStatus(ctx, "o1", model.OrderPending, model.OrderAssigned, "v1")
	if err != nil || !ok {
		t.Fatalf("first claim should win, ok=%v err=%v", ok, err)
	}
	o, _ := m.GetOrder(ctx, "o1")
	if o.Status != model.OrderAssigned || o.VehicleID != "v1" {
		t.Fatalf("got %s/%s, want assigned/v1", o.Status, o.VehicleID)
	}

	// second claim loses silently
	ok, err = m.CompareAndSwapOrderStatus(ctx, "o1", model.OrderPending, model.OrderAssigned, "v2")
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if ok {
		t.Fatalf("second claim must lose")
	}
	o, _ = m.GetOrder(ctx, "o1")
	if o.VehicleID != "v1" {
		t.Fatalf("vehicle must stay v1, got %s", o.VehicleID)
	}

	// reassignment reset clears the vehicle
	ok, _ = m.CompareAndSwapOrderStatus(ctx, "o1", model.OrderAssigned, model.OrderPending, "")
	if !ok {
		t.Fatalf("assigned->pending reset should succeed")
	}
	o, _ = m.GetOrder(ctx, "o1")
	if o.Status != model.OrderPending || o.VehicleID != "" {
		t.Fatalf("got %s/%q, want pending with no vehicle", o.Status, o.VehicleID)
	}

	// invalid transition is rejected without error
	ok, err = m.CompareAndSwapOrderStatus(ctx, "o1", model.OrderPending, model.OrderDelivered, "")
	if err != nil || ok {
		t.Fatalf("pending->delivered must be refused, ok=%v err=%v", ok, err)
	}

	if _, err := m.CompareAndSwapOrderStatus(ctx, "missing", model.OrderPending, model.OrderAssigned, "v1"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPendingOrdersDeterministicOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	_, _ = m.CreateOrders(ctx, []model.Order{
		{ID: "b", Priority: 1, Deadline: base.Add(2 * time.Hour)},
		{ID: "a", Priority: 1, Deadline: base.Add(1 * time.Hour)},
		{ID: "c", Priority: 5, Deadline: base.Add(3 * time.Hour)},
	})
	out, err := m.PendingOrders(ctx, OrderFilter{})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, o := range out {
		if o.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, o.ID, want[i])
		}
	}
}

func TestReplaceVehicleRouteVersionGuard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.CreateVehicles(ctx, []model.Vehicle{{ID: "v1", Capacity: 50}})

	route := &model.Route{Stops: []model.Stop{{OrderID: "o1", Type: model.StopPickup}, {OrderID: "o1", Type: model.StopDelivery}}}
	ok, err := m.ReplaceVehicleRoute(ctx, "v1", route, 0)
	if err != nil || !ok {
		t.Fatalf("replace at version 0: ok=%v err=%v", ok, err)
	}
	v, _ := m.GetVehicle(ctx, "v1")
	if v.RouteVersion != 1 || v.Status != model.VehicleBusy {
		t.Fatalf("got version=%d status=%s, want 1/busy", v.RouteVersion, v.Status)
	}
	if v.Route == nil || v.Route.Version != 1 {
		t.Fatalf("route version must follow vehicle version")
	}

	// stale version loses
	ok, err = m.ReplaceVehicleRoute(ctx, "v1", route, 0)
	if err != nil || ok {
		t.Fatalf("stale replace must lose, ok=%v err=%v", ok, err)
	}

	// clearing the route frees the vehicle
	ok, _ = m.ReplaceVehicleRoute(ctx, "v1", nil, 1)
	if !ok {
		t.Fatalf("clear should succeed")
	}
	v, _ = m.GetVehicle(ctx, "v1")
	if v.Route != nil || v.Status != model.VehicleAvailable {
		t.Fatalf("got route=%v status=%s, want cleared/available", v.Route, v.Status)
	}
}

func TestOrdersNearingDeadline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	_, _ = m.CreateOrders(ctx, []model.Order{
		// 60 min SLA, 48 min elapsed: inside the 20% window
		{ID: "risky", Status: model.OrderAssigned, CreatedAt: now.Add(-48 * time.Minute), Deadline: now.Add(12 * time.Minute)},
		// 60 min SLA, 10 min elapsed: safe
		{ID: "safe", Status: model.OrderAssigned, CreatedAt: now.Add(-10 * time.Minute), Deadline: now.Add(50 * time.Minute)},
		// at risk by time but still pending, so not scanned
		{ID: "unassigned", Status: model.OrderPending, CreatedAt: now.Add(-48 * time.Minute), Deadline: now.Add(12 * time.Minute)},
	})
	out, err := m.OrdersNearingDeadline(ctx, 0.20, now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(out) != 1 || out[0].ID != "risky" {
		t.Fatalf("got %v, want just risky", out)
	}
}

func TestUpsertEscalationDedupesAndRaises(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.UpsertEscalation(ctx, model.EscalationRecord{OrderID: "o1", Reason: model.EscalationSLARisk, Severity: model.SeverityMedium})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, _ := m.UpsertEscalation(ctx, model.EscalationRecord{OrderID: "o1", Reason: model.EscalationSLARisk, Severity: model.SeverityLow})
	if second.ID != first.ID {
		t.Fatalf("same order+reason must dedupe")
	}
	if second.Severity != model.SeverityMedium {
		t.Fatalf("severity must not drop, got %s", second.Severity)
	}
	third, _ := m.UpsertEscalation(ctx, model.EscalationRecord{OrderID: "o1", Reason: model.EscalationSLARisk, Severity: model.SeverityCritical})
	if third.Severity != model.SeverityCritical {
		t.Fatalf("severity must rise, got %s", third.Severity)
	}

	// different reason gets its own record
	other, _ := m.UpsertEscalation(ctx, model.EscalationRecord{OrderID: "o1", Reason: model.EscalationStuck, Severity: model.SeverityLow})
	if other.ID == first.ID {
		t.Fatalf("different reason must not dedupe")
	}

	// resolving reopens the slot
	if err := m.ResolveEscalation(ctx, first.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	fresh, _ := m.UpsertEscalation(ctx, model.EscalationRecord{OrderID: "o1", Reason: model.EscalationSLARisk, Severity: model.SeverityLow})
	if fresh.ID == first.ID {
		t.Fatalf("resolved record must not be reused")
	}
	active, _ := m.ActiveEscalations(ctx)
	if len(active) != 2 {
		t.Fatalf("want 2 active records, got %d", len(active))
	}
}
