package store

import (
	"context"
	"errors"
	"time"

	"fleetops/internal/model"
)

// OrderFilter narrows order reads.
type OrderFilter struct {
	Statuses      []model.OrderStatus
	WithoutWindow bool // only orders without a time window (auto-dispatch candidates)
	VehicleID     string
	Limit         int
}

// VehicleFilter narrows vehicle reads.
type VehicleFilter struct {
	Status model.VehicleStatus
	Type   string
}

// Store is the single source of truth for order/vehicle mutable state. The
// compare-and-swap operations are the sole coordination mechanism between
// engines: every write that moves an order out of pending must be conditioned
// on the order still being pending, atomically.
type Store interface {
	// Orders
	CreateOrders(ctx context.Context, orders []model.Order) (created int, err error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	PendingOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	OrdersNearingDeadline(ctx context.Context, riskFraction float64, now time.Time) ([]model.Order, error)
	// CompareAndSwapOrderStatus transitions orderID from expected to next in a
	// single atomic step, recording vehicleID when next is assigned and
	// clearing it when next is pending. Returns false (no error) on conflict.
	CompareAndSwapOrderStatus(ctx context.Context, orderID string, expected, next model.OrderStatus, vehicleID string) (bool, error)

	// Vehicles
	CreateVehicles(ctx context.Context, vehicles []model.Vehicle) (created int, err error)
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error)
	AvailableVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error)
	UpdateVehicleLocation(ctx context.Context, vehicleID string, loc model.GeoPoint, at time.Time) error
	// ReplaceVehicleRoute swaps the vehicle's whole route, guarded by the
	// route version. An empty route clears it. Returns false on version
	// conflict. Vehicle status follows the route: busy iff non-empty.
	ReplaceVehicleRoute(ctx context.Context, vehicleID string, route *model.Route, expectedVersion int) (bool, error)

	// Escalations
	UpsertEscalation(ctx context.Context, rec model.EscalationRecord) (model.EscalationRecord, error)
	ActiveEscalations(ctx context.Context) ([]model.EscalationRecord, error)
	ResolveEscalation(ctx context.Context, id string) error

	// Alert webhook subscriptions and deliveries
	CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	SubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	EnqueueAlertDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueAlertDeliveries(ctx context.Context, limit int) ([]AlertDelivery, error)
	MarkAlertDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error
	FailAlertDelivery(ctx context.Context, id string, lastError string, responseCode int) error
}

var ErrNotFound = errors.New("not found")
