package model

import "time"

// OrderStatus tracks the delivery lifecycle. Transitions are monotonic along
// pending -> assigned -> picked_up -> in_transit -> delivered; failed and
// escalated are reachable from any non-terminal state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAssigned  OrderStatus = "assigned"
	OrderPickedUp  OrderStatus = "picked_up"
	OrderInTransit OrderStatus = "in_transit"
	OrderDelivered OrderStatus = "delivered"
	OrderFailed    OrderStatus = "failed"
	OrderEscalated OrderStatus = "escalated"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderFailed
}

var statusRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderAssigned:  1,
	OrderPickedUp:  2,
	OrderInTransit: 3,
	OrderDelivered: 4,
}

// CanTransition reports whether moving from s to next respects the monotonic
// lifecycle. Resetting assigned orders back to pending is permitted: that is
// how escalation reassignment works.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == OrderFailed || next == OrderEscalated {
		return true
	}
	if s == OrderAssigned && next == OrderPending {
		return true
	}
	a, okA := statusRank[s]
	b, okB := statusRank[next]
	return okA && okB && b == a+1
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TimeWindow bounds when a stop may be served.
type TimeWindow struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// Order is a single delivery request.
type Order struct {
	ID          string      `json:"id"`
	Pickup      GeoPoint    `json:"pickup"`
	Delivery    GeoPoint    `json:"delivery"`
	Weight      float64     `json:"weight"`
	Priority    int         `json:"priority"`
	Window      *TimeWindow `json:"timeWindow,omitempty"`
	Deadline    time.Time   `json:"slaDeadline"`
	VehicleType string      `json:"vehicleType,omitempty"` // required vehicle type; empty matches any
	Status      OrderStatus `json:"status"`
	VehicleID   string      `json:"vehicleId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type VehicleStatus string

const (
	VehicleAvailable VehicleStatus = "available"
	VehicleBusy      VehicleStatus = "busy"
	VehicleOffline   VehicleStatus = "offline"
)

// Vehicle is a fleet unit. Status is busy iff its current route is non-empty;
// the store maintains that invariant on route replacement.
type Vehicle struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Capacity     float64       `json:"capacity"`
	Location     GeoPoint      `json:"location"`
	Rating       float64       `json:"rating"`
	Status       VehicleStatus `json:"status"`
	Route        *Route        `json:"route,omitempty"`
	RouteVersion int           `json:"routeVersion"`
	LastSeen     time.Time     `json:"lastSeen,omitempty"`
}

// CurrentLoad sums load units of orders on the current route.
func (v Vehicle) CurrentLoad() float64 {
	if v.Route == nil {
		return 0
	}
	return v.Route.Load()
}

// LoadRatio is current load over capacity, in [0,1].
func (v Vehicle) LoadRatio() float64 {
	if v.Capacity <= 0 {
		return 1
	}
	r := v.CurrentLoad() / v.Capacity
	if r > 1 {
		r = 1
	}
	return r
}

// Matches reports whether the vehicle can serve an order's type requirement.
func (v Vehicle) Matches(requiredType string) bool {
	return requiredType == "" || requiredType == v.Type
}

type StopType string

const (
	StopPickup   StopType = "pickup"
	StopDelivery StopType = "delivery"
)

// Stop is one visit on a route. Leg fields describe the segment arriving at
// this stop; cumulative fields and ETA are filled by the ETA calculator.
type Stop struct {
	OrderID        string      `json:"orderId"`
	Type           StopType    `json:"type"`
	Location       GeoPoint    `json:"location"`
	Weight         float64     `json:"weight,omitempty"`
	Priority       int         `json:"priority,omitempty"`
	Deadline       time.Time   `json:"slaDeadline,omitempty"`
	Window         *TimeWindow `json:"timeWindow,omitempty"`
	LegDistanceM   float64     `json:"legDistM"`
	LegDurationSec float64     `json:"legDriveSec"`
	CumDistanceM   float64     `json:"cumDistM"`
	CumDurationSec float64     `json:"cumDurationSec"`
	ETA            time.Time   `json:"eta"`
	Estimated      bool        `json:"estimated,omitempty"` // leg used straight-line fallback
}

// Route is an ordered stop sequence for one vehicle. Routes are replaced
// whole, never patched, guarded by Version.
type Route struct {
	VehicleID        string    `json:"vehicleId"`
	Version          int       `json:"version"`
	Stops            []Stop    `json:"stops"`
	TotalDistanceM   float64   `json:"totalDistM"`
	TotalDurationSec float64   `json:"totalDurationSec"`
	StartAt          time.Time `json:"startAt"`
	Estimated        bool      `json:"estimated,omitempty"`
}

// OrderIDs returns the distinct order ids on the route, in stop order.
func (r *Route) OrderIDs() []string {
	seen := map[string]bool{}
	out := []string{}
	for _, st := range r.Stops {
		if !seen[st.OrderID] {
			seen[st.OrderID] = true
			out = append(out, st.OrderID)
		}
	}
	return out
}

// Load sums the load units carried on the route (pickup stops only).
func (r *Route) Load() float64 {
	total := 0.0
	for _, st := range r.Stops {
		if st.Type == StopPickup {
			total += st.Weight
		}
	}
	return total
}

type EscalationReason string

const (
	EscalationSLARisk             EscalationReason = "sla_risk"
	EscalationStuck               EscalationReason = "stuck"
	EscalationUnresponsiveVehicle EscalationReason = "unresponsive_vehicle"
	EscalationFailedDelivery      EscalationReason = "failed_delivery"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank orders severities; higher is more urgent.
func (s Severity) Rank() int { return severityRank[s] }

// EscalationRecord is produced when an order crosses a risk threshold.
type EscalationRecord struct {
	ID                string           `json:"id"`
	OrderID           string           `json:"orderId"`
	Reason            EscalationReason `json:"reason"`
	Severity          Severity         `json:"severity"`
	CreatedAt         time.Time        `json:"createdAt"`
	Resolved          bool             `json:"resolved"`
	ReassignRequested bool             `json:"reassignRequested,omitempty"`
}

type EngineStatus string

const (
	EngineStopped EngineStatus = "stopped"
	EngineRunning EngineStatus = "running"
)

// EngineState is the orchestrator's per-engine view, read by status callers.
type EngineState struct {
	Name        string       `json:"name"`
	Status      EngineStatus `json:"status"`
	IntervalSec int          `json:"intervalSec"`
	LastRun     time.Time    `json:"lastRun,omitempty"`
	Success     uint64       `json:"success"`
	Failure     uint64       `json:"failure"`
	Claimed     uint64       `json:"claimed"`
	Conflicts   uint64       `json:"conflicts"`
	Infeasible  uint64       `json:"infeasible"`
}

// Subscription registers a webhook target for alert events.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
