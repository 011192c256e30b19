package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the dispatch core.
	Registry = prometheus.NewRegistry()

	// EngineCycles counts engine cycles by engine and result.
	EngineCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_cycles_total", Help: "Automation engine cycles by result."},
		[]string{"engine", "result"},
	)
	// CycleDuration records cycle wall time per engine.
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "engine_cycle_duration_seconds", Help: "Engine cycle duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"engine"},
	)
	// OrdersClaimed counts successful pending->assigned claims per engine.
	OrdersClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_claimed_total", Help: "Orders claimed out of pending, by engine."},
		[]string{"engine"},
	)
	// ClaimConflicts counts compare-and-swap losses per engine. Conflicts are
	// expected under concurrency, not failures.
	ClaimConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "claim_conflicts_total", Help: "Order claim CAS conflicts, by engine."},
		[]string{"engine"},
	)
	// InfeasibleOrders counts orders left pending because no vehicle fit.
	InfeasibleOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "infeasible_orders_total", Help: "Orders with no feasible vehicle, by engine."},
		[]string{"engine"},
	)
	// RoutesReplaced counts full route replacements per engine.
	RoutesReplaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routes_replaced_total", Help: "Vehicle route replacements, by engine."},
		[]string{"engine"},
	)
	// Escalations counts escalation records by severity.
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "escalations_total", Help: "Escalation records created or raised, by severity."},
		[]string{"severity"},
	)
	// GeoFallbacks counts legs served by the straight-line estimate.
	GeoFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "geo_fallback_legs_total", Help: "Route legs estimated via straight-line fallback."},
	)
	// AlertDeliveries counts alert webhook delivery outcomes.
	AlertDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alert_deliveries_total", Help: "Alert webhook deliveries by status."},
		[]string{"status"},
	)
)

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(EngineCycles)
		Registry.MustRegister(CycleDuration)
		Registry.MustRegister(OrdersClaimed)
		Registry.MustRegister(ClaimConflicts)
		Registry.MustRegister(InfeasibleOrders)
		Registry.MustRegister(RoutesReplaced)
		Registry.MustRegister(Escalations)
		Registry.MustRegister(GeoFallbacks)
		Registry.MustRegister(AlertDeliveries)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
