package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/store"
)

// OrdersHandler handles POST/GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Orders []model.Order `json:"orders"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.Orders) == 0 {
			writeProblem(w, http.StatusBadRequest, "No orders", "orders array is empty", r.URL.Path)
			return
		}
		for i, o := range req.Orders {
			if o.Deadline.IsZero() {
				writeProblem(w, http.StatusBadRequest, "Invalid order", "slaDeadline required on order "+o.ID, r.URL.Path)
				return
			}
			// intake never trusts client lifecycle state
			req.Orders[i].Status = model.OrderPending
			req.Orders[i].VehicleID = ""
		}
		created, err := s.Store.CreateOrders(r.Context(), req.Orders)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"created": created, "skipped": len(req.Orders) - created})
	case http.MethodGet:
		f := store.OrderFilter{}
		if v := r.URL.Query().Get("status"); v != "" {
			f.Statuses = []model.OrderStatus{model.OrderStatus(v)}
		}
		items, err := s.Store.ListOrders(r.Context(), f)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OrderByIDHandler handles /v1/orders/{id} and /v1/orders/{id}/status
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}

	if len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPost {
		s.orderStatusUpdate(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Order not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// orderStatusUpdate advances an order's lifecycle. The write is the same
// compare-and-swap the engines use, so a driver update racing an engine
// resolves to exactly one winner.
func (s *Server) orderStatusUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Status model.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Order not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
		return
	}
	if !o.Status.CanTransition(req.Status) {
		writeProblem(w, http.StatusConflict, "Invalid transition",
			string(o.Status)+" -> "+string(req.Status), r.URL.Path)
		return
	}
	ok, err := s.Store.CompareAndSwapOrderStatus(r.Context(), id, o.Status, req.Status, o.VehicleID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Update failed", err.Error(), r.URL.Path)
		return
	}
	if !ok {
		writeProblem(w, http.StatusConflict, "Lost update race", "order changed concurrently, re-read and retry", r.URL.Path)
		return
	}
	data, _ := json.Marshal(map[string]any{"orderId": id, "status": req.Status})
	s.Broker.Publish("order.status", Event{Type: "order.status", Data: data})
	writeJSON(w, http.StatusOK, map[string]any{"orderId": id, "status": req.Status})
}

// VehiclesHandler handles POST/GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Vehicles []model.Vehicle `json:"vehicles"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateVehicles(r.Context(), req.Vehicles)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create vehicles failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"created": created})
	case http.MethodGet:
		f := store.VehicleFilter{Type: r.URL.Query().Get("type")}
		if v := r.URL.Query().Get("status"); v != "" {
			f.Status = model.VehicleStatus(v)
		}
		items, err := s.Store.ListVehicles(r.Context(), f)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List vehicles failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehicleByIDHandler handles /v1/vehicles/{id}, /location and /reoptimize
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/vehicles/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		v, err := s.Store.GetVehicle(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Vehicle not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Get vehicle failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case action == "location" && r.Method == http.MethodPost:
		var loc model.GeoPoint
		if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := s.Store.UpdateVehicleLocation(r.Context(), id, loc, time.Now()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Vehicle not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Location update failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "reoptimize" && r.Method == http.MethodPost:
		v, err := s.Store.GetVehicle(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Vehicle not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Get vehicle failed", err.Error(), r.URL.Path)
			return
		}
		replaced, err := s.Reopt.ReoptimizeVehicle(r.Context(), v)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Reoptimize failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"vehicleId": id, "replaced": replaced})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// PlanHandler handles POST /v1/plan: a dry-run batch plan over the current
// pending orders and available fleet. Nothing is claimed or written.
func (s *Server) PlanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pending, err := s.Store.PendingOrders(r.Context(), store.OrderFilter{})
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List pending failed", err.Error(), r.URL.Path)
		return
	}
	vehicles, err := s.Store.AvailableVehicles(r.Context(), store.VehicleFilter{})
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List vehicles failed", err.Error(), r.URL.Path)
		return
	}
	plan, err := s.Builder.BuildPlan(r.Context(), pending, vehicles, time.Now())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Plan failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": plan.Routes, "unplaced": plan.Unplaced})
}

// EnginesHandler handles GET /v1/engines
func (s *Server) EnginesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": s.Orch.StatusAll()})
}

// EngineActionHandler handles POST /v1/engines/{name}/start and /stop
func (s *Server) EngineActionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/engines/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	name, action := parts[0], parts[1]
	var err error
	switch action {
	case "start":
		err = s.Orch.Start(name)
	case "stop":
		err = s.Orch.Stop(name)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Unknown engine", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": name, "action": action})
}

// AlertsHandler handles GET /v1/alerts (active escalations)
func (s *Server) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.ActiveEscalations(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List alerts failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// AlertByIDHandler handles POST /v1/alerts/{id}/resolve
func (s *Server) AlertByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/alerts/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "resolve" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.ResolveEscalation(r.Context(), parts[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Alert not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Resolve failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": parts[0], "resolved": true})
}

// SubscriptionsHandler handles POST /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var sub model.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if sub.URL == "" || len(sub.Events) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
		return
	}
	out, err := s.Store.CreateSubscription(r.Context(), sub)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ReadyHandler handles GET /readyz: ready once the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.ListVehicles(r.Context(), store.VehicleFilter{}); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
