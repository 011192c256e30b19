package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

// Alerter receives escalation events for fan-out (webhooks, live streams).
type Alerter interface {
	Alert(ctx context.Context, rec model.EscalationRecord, order model.Order) error
}

// Escalation watches active orders sliding toward their SLA deadline. The
// risk window opens when the remaining time drops under RiskFraction of the
// order's total SLA duration; severity climbs as the window shrinks. A
// critical order that was assigned but never picked up is released back to
// pending for reassignment — again a compare-and-swap, so a driver scanning
// the pickup at that exact moment wins.
type Escalation struct {
	Store        store.Store
	Alerter      Alerter
	RiskFraction float64
	StuckAfter   time.Duration
	SilentAfter  time.Duration
	Now          func() time.Time

	// last severity alerted per record, to alert on raise only
	alerted map[string]model.Severity
}

func NewEscalation(st store.Store, al Alerter, riskFraction float64, stuckAfter, silentAfter time.Duration) *Escalation {
	if riskFraction <= 0 || riskFraction >= 1 {
		riskFraction = 0.20
	}
	return &Escalation{
		Store:        st,
		Alerter:      al,
		RiskFraction: riskFraction,
		StuckAfter:   stuckAfter,
		SilentAfter:  silentAfter,
		Now:          time.Now,
		alerted:      map[string]model.Severity{},
	}
}

func (e *Escalation) Name() string { return "escalation" }

func (e *Escalation) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	now := e.Now()

	if err := e.scanSLARisk(ctx, now, &stats); err != nil {
		return stats, err
	}
	if err := e.scanStuck(ctx, now, &stats); err != nil {
		return stats, err
	}
	if err := e.scanUnresponsive(ctx, now, &stats); err != nil {
		return stats, err
	}
	if err := e.scanFailed(ctx, &stats); err != nil {
		return stats, err
	}
	if err := e.sweepResolved(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func (e *Escalation) scanSLARisk(ctx context.Context, now time.Time, stats *CycleStats) error {
	atRisk, err := e.Store.OrdersNearingDeadline(ctx, e.RiskFraction, now)
	if err != nil {
		return fmt.Errorf("escalation: scan deadlines: %w", err)
	}
	for _, o := range atRisk {
		sev := e.severity(o, now)
		rec, err := e.raise(ctx, o, model.EscalationSLARisk, sev, stats)
		if err != nil {
			return err
		}

		if sev != model.SeverityCritical || o.Status != model.OrderAssigned {
			continue
		}
		// critical and still not picked up: release for reassignment
		ok, err := e.Store.CompareAndSwapOrderStatus(ctx, o.ID, model.OrderAssigned, model.OrderPending, "")
		if err != nil {
			return fmt.Errorf("escalation: release %s: %w", o.ID, err)
		}
		if !ok {
			stats.Conflicts++
			continue
		}
		if err := e.dropFromRoute(ctx, o.VehicleID, o.ID, stats); err != nil {
			return err
		}
		rec.ReassignRequested = true
		if _, err := e.Store.UpsertEscalation(ctx, rec); err != nil {
			return fmt.Errorf("escalation: record %s: %w", o.ID, err)
		}
		if err := e.Store.ResolveEscalation(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("escalation: resolve %s: %w", rec.ID, err)
		}
		delete(e.alerted, rec.ID)
	}
	return nil
}

// dropFromRoute strips a released order's stops from its old vehicle's route
// so the order cannot ride two routes at once. A route left empty clears and
// the vehicle returns to available. Version-guarded; a lost guard means
// another engine already rewrote the route and owns the cleanup.
func (e *Escalation) dropFromRoute(ctx context.Context, vehicleID, orderID string, stats *CycleStats) error {
	if vehicleID == "" {
		return nil
	}
	v, err := e.Store.GetVehicle(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("escalation: load vehicle %s: %w", vehicleID, err)
	}
	if v.Route == nil {
		return nil
	}
	kept := make([]model.Stop, 0, len(v.Route.Stops))
	for _, st := range v.Route.Stops {
		if st.OrderID != orderID {
			kept = append(kept, st)
		}
	}
	if len(kept) == len(v.Route.Stops) {
		return nil
	}
	route := &model.Route{VehicleID: v.ID, Stops: kept, StartAt: v.Route.StartAt}
	ok, err := e.Store.ReplaceVehicleRoute(ctx, v.ID, route, v.RouteVersion)
	if err != nil {
		return fmt.Errorf("escalation: route strip %s: %w", v.ID, err)
	}
	if !ok {
		stats.Conflicts++
	}
	return nil
}

// severity maps how deep the order sits in its risk window. An order still
// waiting for pickup is already high: there is handoff work left that a
// moving order has behind it.
func (e *Escalation) severity(o model.Order, now time.Time) model.Severity {
	total := o.Deadline.Sub(o.CreatedAt)
	if total <= 0 {
		return model.SeverityCritical
	}
	rem := o.Deadline.Sub(now)
	if rem < 0 {
		rem = 0
	}
	frac := rem.Seconds() / (e.RiskFraction * total.Seconds())
	if o.Status == model.OrderAssigned {
		if frac <= 0.25 {
			return model.SeverityCritical
		}
		return model.SeverityHigh
	}
	switch {
	case frac <= 0.25:
		return model.SeverityCritical
	case frac <= 0.5:
		return model.SeverityHigh
	case frac <= 0.75:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (e *Escalation) scanStuck(ctx context.Context, now time.Time, stats *CycleStats) error {
	if e.StuckAfter <= 0 {
		return nil
	}
	assigned, err := e.Store.ListOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderAssigned}})
	if err != nil {
		return fmt.Errorf("escalation: scan stuck: %w", err)
	}
	for _, o := range assigned {
		if now.Sub(o.UpdatedAt) < e.StuckAfter {
			continue
		}
		if _, err := e.raise(ctx, o, model.EscalationStuck, model.SeverityMedium, stats); err != nil {
			return err
		}
	}
	return nil
}

func (e *Escalation) scanUnresponsive(ctx context.Context, now time.Time, stats *CycleStats) error {
	if e.SilentAfter <= 0 {
		return nil
	}
	vehicles, err := e.Store.ListVehicles(ctx, store.VehicleFilter{Status: model.VehicleBusy})
	if err != nil {
		return fmt.Errorf("escalation: scan vehicles: %w", err)
	}
	for _, v := range vehicles {
		if v.LastSeen.IsZero() || now.Sub(v.LastSeen) < e.SilentAfter {
			continue
		}
		orders, err := e.Store.ListOrders(ctx, store.OrderFilter{
			VehicleID: v.ID,
			Statuses:  []model.OrderStatus{model.OrderAssigned, model.OrderPickedUp, model.OrderInTransit},
		})
		if err != nil {
			return fmt.Errorf("escalation: orders on %s: %w", v.ID, err)
		}
		for _, o := range orders {
			if _, err := e.raise(ctx, o, model.EscalationUnresponsiveVehicle, model.SeverityHigh, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Escalation) scanFailed(ctx context.Context, stats *CycleStats) error {
	failed, err := e.Store.ListOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderFailed}})
	if err != nil {
		return fmt.Errorf("escalation: scan failed: %w", err)
	}
	for _, o := range failed {
		if _, err := e.raise(ctx, o, model.EscalationFailedDelivery, model.SeverityHigh, stats); err != nil {
			return err
		}
	}
	return nil
}

// raise upserts the record and alerts when it is new or its severity rose.
func (e *Escalation) raise(ctx context.Context, o model.Order, reason model.EscalationReason, sev model.Severity, stats *CycleStats) (model.EscalationRecord, error) {
	rec, err := e.Store.UpsertEscalation(ctx, model.EscalationRecord{
		OrderID:  o.ID,
		Reason:   reason,
		Severity: sev,
	})
	if err != nil {
		return rec, fmt.Errorf("escalation: record %s: %w", o.ID, err)
	}
	prev, seen := e.alerted[rec.ID]
	if seen && rec.Severity.Rank() <= prev.Rank() {
		return rec, nil
	}
	e.alerted[rec.ID] = rec.Severity
	stats.Escalated++
	metrics.Escalations.WithLabelValues(string(rec.Severity)).Inc()
	if e.Alerter != nil {
		if err := e.Alerter.Alert(ctx, rec, o); err != nil {
			return rec, fmt.Errorf("escalation: alert %s: %w", o.ID, err)
		}
	}
	return rec, nil
}

// sweepResolved closes records whose orders finished: everything resolves on
// delivery; a failed order keeps only its failed_delivery record active for
// the operator.
func (e *Escalation) sweepResolved(ctx context.Context) error {
	active, err := e.Store.ActiveEscalations(ctx)
	if err != nil {
		return fmt.Errorf("escalation: list active: %w", err)
	}
	for _, rec := range active {
		o, err := e.Store.GetOrder(ctx, rec.OrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("escalation: load %s: %w", rec.OrderID, err)
		}
		done := o.Status == model.OrderDelivered ||
			(o.Status == model.OrderFailed && rec.Reason != model.EscalationFailedDelivery)
		if !done {
			continue
		}
		if err := e.Store.ResolveEscalation(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("escalation: resolve %s: %w", rec.ID, err)
		}
		delete(e.alerted, rec.ID)
	}
	return nil
}
