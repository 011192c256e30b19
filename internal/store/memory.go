package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetops/internal/model"
)

// Memory is an in-memory store used for development and tests. All mutations
// happen under one mutex, which makes every operation atomic the same way a
// single SQL statement is in the Postgres store.
type Memory struct {
	mu          sync.Mutex
	orders      map[string]model.Order
	orderIDs    []string // insertion order, for stable listings
	vehicles    map[string]model.Vehicle
	vehicleIDs  []string
	escalations map[string]model.EscalationRecord
	escIDs      []string
	subs        []model.Subscription
	deliveries  map[string]*memDelivery
	deliveryIDs []string
}

type memDelivery struct {
	AlertDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
}

func NewMemory() *Memory {
	return &Memory{
		orders:      map[string]model.Order{},
		vehicles:    map[string]model.Vehicle{},
		escalations: map[string]model.EscalationRecord{},
		deliveries:  map[string]*memDelivery{},
	}
}

func (m *Memory) CreateOrders(ctx context.Context, orders []model.Order) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	created := 0
	for _, o := range orders {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if _, exists := m.orders[o.ID]; exists {
			continue
		}
		if o.Status == "" {
			o.Status = model.OrderPending
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = o.CreatedAt
		}
		m.orders[o.ID] = o
		m.orderIDs = append(m.orderIDs, o.ID)
		created++
	}
	return created, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listOrdersLocked(f), nil
}

func (m *Memory) listOrdersLocked(f OrderFilter) []model.Order {
	out := []model.Order{}
	for _, id := range m.orderIDs {
		o := m.orders[id]
		if len(f.Statuses) > 0 && !statusIn(o.Status, f.Statuses) {
			continue
		}
		if f.WithoutWindow && o.Window != nil {
			continue
		}
		if f.VehicleID != "" && o.VehicleID != f.VehicleID {
			continue
		}
		out = append(out, o)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// PendingOrders returns pending orders sorted by descending priority, then
// ascending SLA deadline, then id, so engines claim in a deterministic order.
func (m *Memory) PendingOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Statuses = []model.OrderStatus{model.OrderPending}
	out := m.listOrdersLocked(f)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) OrdersNearingDeadline(ctx context.Context, riskFraction float64, now time.Time) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, id := range m.orderIDs {
		o := m.orders[id]
		switch o.Status {
		case model.OrderAssigned, model.OrderPickedUp, model.OrderInTransit:
		default:
			continue
		}
		total := o.Deadline.Sub(o.CreatedAt)
		if total <= 0 {
			continue
		}
		windowStart := o.Deadline.Add(-time.Duration(riskFraction * float64(total)))
		if !now.Before(windowStart) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (m *Memory) CompareAndSwapOrderStatus(ctx context.Context, orderID string, expected, next model.OrderStatus, vehicleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != expected || !expected.CanTransition(next) {
		return false, nil
	}
	o.Status = next
	switch next {
	case model.OrderAssigned:
		o.VehicleID = vehicleID
	case model.OrderPending:
		o.VehicleID = ""
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return true, nil
}

func (m *Memory) CreateVehicles(ctx context.Context, vehicles []model.Vehicle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, v := range vehicles {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if _, exists := m.vehicles[v.ID]; exists {
			continue
		}
		if v.Status == "" {
			v.Status = model.VehicleAvailable
		}
		m.vehicles[v.ID] = v
		m.vehicleIDs = append(m.vehicleIDs, v.ID)
		created++
	}
	return created, nil
}

func (m *Memory) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, id := range m.vehicleIDs {
		v := m.vehicles[id]
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory) AvailableVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	f.Status = model.VehicleAvailable
	return m.ListVehicles(ctx, f)
}

func (m *Memory) UpdateVehicleLocation(ctx context.Context, vehicleID string, loc model.GeoPoint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return ErrNotFound
	}
	v.Location = loc
	v.LastSeen = at
	m.vehicles[vehicleID] = v
	return nil
}

func (m *Memory) ReplaceVehicleRoute(ctx context.Context, vehicleID string, route *model.Route, expectedVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return false, ErrNotFound
	}
	if v.RouteVersion != expectedVersion {
		return false, nil
	}
	v.RouteVersion++
	if route == nil || len(route.Stops) == 0 {
		v.Route = nil
		if v.Status == model.VehicleBusy {
			v.Status = model.VehicleAvailable
		}
	} else {
		rt := *route
		rt.VehicleID = vehicleID
		rt.Version = v.RouteVersion
		v.Route = &rt
		if v.Status != model.VehicleOffline {
			v.Status = model.VehicleBusy
		}
	}
	m.vehicles[vehicleID] = v
	return true, nil
}

// UpsertEscalation keeps one active record per order and reason. Severity
// only ever rises on an active record.
func (m *Memory) UpsertEscalation(ctx context.Context, rec model.EscalationRecord) (model.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.escIDs {
		cur := m.escalations[id]
		if cur.Resolved || cur.OrderID != rec.OrderID || cur.Reason != rec.Reason {
			continue
		}
		if rec.Severity.Rank() > cur.Severity.Rank() {
			cur.Severity = rec.Severity
		}
		if rec.ReassignRequested {
			cur.ReassignRequested = true
		}
		m.escalations[id] = cur
		return cur, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.escalations[rec.ID] = rec
	m.escIDs = append(m.escIDs, rec.ID)
	return rec, nil
}

func (m *Memory) ActiveEscalations(ctx context.Context) ([]model.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.EscalationRecord{}
	for _, id := range m.escIDs {
		if rec := m.escalations[id]; !rec.Resolved {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) ResolveEscalation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escalations[id]
	if !ok {
		return ErrNotFound
	}
	rec.Resolved = true
	m.escalations[id] = rec
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *Memory) SubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueAlertDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		AlertDelivery: AlertDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt: time.Now(),
	}
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueAlertDeliveries(ctx context.Context, limit int) ([]AlertDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []AlertDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.AlertDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkAlertDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	if success {
		d.Status = "delivered"
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailAlertDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	return nil
}

func statusIn(s model.OrderStatus, set []model.OrderStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
