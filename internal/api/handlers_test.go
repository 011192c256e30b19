package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetops/internal/config"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

// newTestServer wires a server with the in-memory store, the in-process
// broker and straight-line geo (empty DATABASE_URL / REDIS_URL / geo URL).
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(config.Default())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestOrderIntakeForcesPending(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s.OrdersHandler, http.MethodPost, "/v1/orders", map[string]any{
		"orders": []model.Order{{
			ID:        "o1",
			Status:    model.OrderDelivered, // client lifecycle claims are ignored
			VehicleID: "v9",
			Deadline:  time.Now().Add(time.Hour),
		}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	o, err := s.Store.GetOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != model.OrderPending || o.VehicleID != "" {
		t.Fatalf("intake must reset lifecycle, got %s/%q", o.Status, o.VehicleID)
	}
}

func TestOrderIntakeRequiresDeadline(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s.OrdersHandler, http.MethodPost, "/v1/orders", map[string]any{
		"orders": []model.Order{{ID: "o1"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing slaDeadline must 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("errors must be problem documents, got %q", ct)
	}
	var problem Problem
	if err := json.Unmarshal(w.Body.Bytes(), &problem); err != nil || problem.Title == "" {
		t.Fatalf("want a problem document, got %s", w.Body.String())
	}
	if problem.Type != "urn:fleetops:problem:bad-request" {
		t.Fatalf("problem type %q", problem.Type)
	}
}

func TestOrderStatusUpdateCASAndConflict(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, _ = s.Store.CreateOrders(ctx, []model.Order{{
		ID: "o1", Status: model.OrderPending, Deadline: time.Now().Add(time.Hour),
	}})

	// skipping ahead in the lifecycle is rejected before any write
	w := doJSON(t, s.OrderByIDHandler, http.MethodPost, "/v1/orders/o1/status",
		map[string]string{"status": "picked_up"})
	if w.Code != http.StatusConflict {
		t.Fatalf("pending -> picked_up must 409, got %d", w.Code)
	}

	// marking it failed is legal from any non-terminal state
	w = doJSON(t, s.OrderByIDHandler, http.MethodPost, "/v1/orders/o1/status",
		map[string]string{"status": "failed"})
	if w.Code != http.StatusOK {
		t.Fatalf("fail: %d %s", w.Code, w.Body.String())
	}

	// failed is terminal, any further transition conflicts
	w = doJSON(t, s.OrderByIDHandler, http.MethodPost, "/v1/orders/o1/status",
		map[string]string{"status": "assigned"})
	if w.Code != http.StatusConflict {
		t.Fatalf("terminal transition must 409, got %d", w.Code)
	}
}

func TestOrderGetNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s.OrderByIDHandler, http.MethodGet, "/v1/orders/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestOrdersListFiltersByStatus(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, _ = s.Store.CreateOrders(ctx, []model.Order{
		{ID: "p", Status: model.OrderPending, Deadline: time.Now().Add(time.Hour)},
		{ID: "d", Status: model.OrderDelivered, Deadline: time.Now().Add(time.Hour)},
	})
	w := doJSON(t, s.OrdersHandler, http.MethodGet, "/v1/orders?status=pending", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Items []model.Order `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "p" {
		t.Fatalf("want only the pending order, got %+v", resp.Items)
	}
}

func TestVehicleLocationAndGet(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, _ = s.Store.CreateVehicles(ctx, []model.Vehicle{{ID: "v1", Capacity: 50}})

	w := doJSON(t, s.VehicleByIDHandler, http.MethodPost, "/v1/vehicles/v1/location",
		model.GeoPoint{Lat: 24.71, Lng: 46.68})
	if w.Code != http.StatusNoContent {
		t.Fatalf("location: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s.VehicleByIDHandler, http.MethodGet, "/v1/vehicles/v1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	var v model.Vehicle
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Location.Lat != 24.71 || v.Location.Lng != 46.68 {
		t.Fatalf("location not applied: %+v", v.Location)
	}
}

// POST /v1/plan previews a batch plan without claiming anything.
func TestPlanIsDryRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	now := time.Now()
	orders := make([]model.Order, 0, 4)
	for i := 0; i < 4; i++ {
		orders = append(orders, model.Order{
			ID:       fmt.Sprintf("o%d", i),
			Pickup:   model.GeoPoint{Lat: 24.70 + 0.01*float64(i), Lng: 46.60},
			Delivery: model.GeoPoint{Lat: 24.71 + 0.01*float64(i), Lng: 46.62},
			Weight:   5, Deadline: now.Add(3 * time.Hour),
		})
	}
	_, _ = s.Store.CreateOrders(ctx, orders)
	_, _ = s.Store.CreateVehicles(ctx, []model.Vehicle{{
		ID: "v1", Capacity: 50, Location: model.GeoPoint{Lat: 24.70, Lng: 46.60},
	}})

	w := doJSON(t, s.PlanHandler, http.MethodPost, "/v1/plan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("plan: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Routes   []model.Route `json:"routes"`
		Unplaced []model.Order `json:"unplaced"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Routes) == 0 {
		t.Fatalf("want at least one planned route")
	}

	// nothing was claimed or written
	all, _ := s.Store.ListOrders(ctx, store.OrderFilter{})
	for _, o := range all {
		if o.Status != model.OrderPending {
			t.Fatalf("dry run must not claim, %s is %s", o.ID, o.Status)
		}
	}
	v, _ := s.Store.GetVehicle(ctx, "v1")
	if v.Route != nil {
		t.Fatalf("dry run must not write routes")
	}
}

func TestEnginesListAndLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s.EnginesHandler, http.MethodGet, "/v1/engines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var resp struct {
		Engines []model.EngineState `json:"engines"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Engines) != 4 {
		t.Fatalf("want 4 registered engines, got %d", len(resp.Engines))
	}
	for _, e := range resp.Engines {
		if e.Status != model.EngineStopped {
			t.Fatalf("engine %s must boot stopped", e.Name)
		}
	}

	w = doJSON(t, s.EngineActionHandler, http.MethodPost, "/v1/engines/auto_dispatch/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	found := false
	for _, e := range s.Orch.StatusAll() {
		if e.Name == "auto_dispatch" {
			found = true
			if e.Status != model.EngineRunning {
				t.Fatalf("auto_dispatch should be running")
			}
		}
	}
	if !found {
		t.Fatalf("auto_dispatch missing from status")
	}

	w = doJSON(t, s.EngineActionHandler, http.MethodPost, "/v1/engines/auto_dispatch/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d", w.Code)
	}

	w = doJSON(t, s.EngineActionHandler, http.MethodPost, "/v1/engines/bogus/start", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown engine must 404, got %d", w.Code)
	}
}

func TestAlertsListAndResolve(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	rec, err := s.Store.UpsertEscalation(ctx, model.EscalationRecord{
		OrderID: "o1", Reason: model.EscalationSLARisk, Severity: model.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, s.AlertsHandler, http.MethodGet, "/v1/alerts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var resp struct {
		Items []model.EscalationRecord `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != rec.ID {
		t.Fatalf("want the seeded alert, got %+v", resp.Items)
	}

	w = doJSON(t, s.AlertByIDHandler, http.MethodPost, "/v1/alerts/"+rec.ID+"/resolve", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}
	active, _ := s.Store.ActiveEscalations(ctx)
	if len(active) != 0 {
		t.Fatalf("resolved alert still active: %+v", active)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		model.Subscription{URL: "", Events: []string{"*"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing url must 400, got %d", w.Code)
	}

	w = doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		model.Subscription{URL: "https://hooks.example.com/fleet", Events: []string{"escalation.alert"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var sub model.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.ID == "" {
		t.Fatalf("created subscription must carry an id")
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	if w := doJSON(t, s.HealthHandler, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := doJSON(t, s.ReadyHandler, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("readyz: %d", w.Code)
	}
}
