package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetops/internal/model"
)

// Postgres backs the store with PostgreSQL. Compare-and-swap operations are
// single conditional UPDATEs so the claim check and the write are one atomic
// round trip.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema when missing. Dev helper, same spirit as the
// migrations-on-boot flow used elsewhere in the fleet stack.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			pickup_lat DOUBLE PRECISION NOT NULL,
			pickup_lng DOUBLE PRECISION NOT NULL,
			delivery_lat DOUBLE PRECISION NOT NULL,
			delivery_lng DOUBLE PRECISION NOT NULL,
			weight DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority INT NOT NULL DEFAULT 0,
			window_start TIMESTAMPTZ,
			window_end TIMESTAMPTZ,
			deadline TIMESTAMPTZ NOT NULL,
			vehicle_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			vehicle_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE TABLE IF NOT EXISTS vehicles (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT '',
			capacity DOUBLE PRECISION NOT NULL DEFAULT 0,
			lat DOUBLE PRECISION NOT NULL DEFAULT 0,
			lng DOUBLE PRECISION NOT NULL DEFAULT 0,
			rating DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'available',
			route JSONB,
			route_version INT NOT NULL DEFAULT 0,
			last_seen TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			severity TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			reassign_requested BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_active ON escalations(order_id, reason) WHERE NOT resolved`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			events JSONB NOT NULL,
			secret TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS alert_deliveries (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			payload BYTEA NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error TEXT NOT NULL DEFAULT '',
			response_code INT NOT NULL DEFAULT 0
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

const orderCols = `id, pickup_lat, pickup_lng, delivery_lat, delivery_lng, weight, priority,
	window_start, window_end, deadline, vehicle_type, status, vehicle_id, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
	var o model.Order
	var ws, we sql.NullTime
	var vid sql.NullString
	err := row.Scan(&o.ID, &o.Pickup.Lat, &o.Pickup.Lng, &o.Delivery.Lat, &o.Delivery.Lng,
		&o.Weight, &o.Priority, &ws, &we, &o.Deadline, &o.VehicleType, &o.Status, &vid,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if ws.Valid && we.Valid {
		o.Window = &model.TimeWindow{Earliest: ws.Time, Latest: we.Time}
	}
	o.VehicleID = vid.String
	return o, nil
}

func (p *Postgres) CreateOrders(ctx context.Context, orders []model.Order) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	created := 0
	for _, o := range orders {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if o.Status == "" {
			o.Status = model.OrderPending
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now().UTC()
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = o.CreatedAt
		}
		var ws, we any
		if o.Window != nil {
			ws, we = o.Window.Earliest, o.Window.Latest
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (id) DO NOTHING`,
			o.ID, o.Pickup.Lat, o.Pickup.Lng, o.Delivery.Lat, o.Delivery.Lng, o.Weight, o.Priority,
			ws, we, o.Deadline, o.VehicleType, o.Status, nullIfEmpty(o.VehicleID), o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

func (p *Postgres) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE 1=1`
	args := []any{}
	if len(f.Statuses) > 0 {
		states, _ := json.Marshal(f.Statuses)
		args = append(args, string(states))
		q += ` AND status IN (SELECT jsonb_array_elements_text($1::jsonb))`
	}
	if f.WithoutWindow {
		q += ` AND window_start IS NULL`
	}
	if f.VehicleID != "" {
		args = append(args, f.VehicleID)
		q += ` AND vehicle_id=$` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return p.queryOrders(ctx, q, args...)
}

func (p *Postgres) PendingOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE status='pending'`
	args := []any{}
	if f.WithoutWindow {
		q += ` AND window_start IS NULL`
	}
	// deterministic claim order: priority desc, deadline asc, id asc
	q += ` ORDER BY priority DESC, deadline ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return p.queryOrders(ctx, q, args...)
}

func (p *Postgres) OrdersNearingDeadline(ctx context.Context, riskFraction float64, now time.Time) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders
		WHERE status IN ('assigned','picked_up','in_transit')
		AND deadline > created_at
		AND $1 >= deadline - (deadline - created_at) * $2
		ORDER BY deadline ASC`
	return p.queryOrders(ctx, q, now, riskFraction)
}

func (p *Postgres) queryOrders(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) CompareAndSwapOrderStatus(ctx context.Context, orderID string, expected, next model.OrderStatus, vehicleID string) (bool, error) {
	if !expected.CanTransition(next) {
		return false, nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET
			status=$1,
			vehicle_id=CASE WHEN $1='assigned' THEN $2 WHEN $1='pending' THEN NULL ELSE vehicle_id END,
			updated_at=now()
		WHERE id=$3 AND status=$4`,
		string(next), nullIfEmpty(vehicleID), orderID, string(expected))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) CreateVehicles(ctx context.Context, vehicles []model.Vehicle) (int, error) {
	created := 0
	for _, v := range vehicles {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if v.Status == "" {
			v.Status = model.VehicleAvailable
		}
		res, err := p.db.ExecContext(ctx, `INSERT INTO vehicles (id, type, capacity, lat, lng, rating, status, route_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0) ON CONFLICT (id) DO NOTHING`,
			v.ID, v.Type, v.Capacity, v.Location.Lat, v.Location.Lng, v.Rating, string(v.Status))
		if err != nil {
			return created, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

const vehicleCols = `id, type, capacity, lat, lng, rating, status, route, route_version, last_seen`

func scanVehicle(row interface{ Scan(...any) error }) (model.Vehicle, error) {
	var v model.Vehicle
	var route []byte
	var seen sql.NullTime
	err := row.Scan(&v.ID, &v.Type, &v.Capacity, &v.Location.Lat, &v.Location.Lng,
		&v.Rating, &v.Status, &route, &v.RouteVersion, &seen)
	if err != nil {
		return v, err
	}
	if len(route) > 0 {
		var rt model.Route
		if json.Unmarshal(route, &rt) == nil && len(rt.Stops) > 0 {
			v.Route = &rt
		}
	}
	if seen.Valid {
		v.LastSeen = seen.Time
	}
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE id=$1`, id)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	q := `SELECT ` + vehicleCols + ` FROM vehicles WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += ` AND status=$` + strconv.Itoa(len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		q += ` AND type=$` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) AvailableVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	f.Status = model.VehicleAvailable
	return p.ListVehicles(ctx, f)
}

func (p *Postgres) UpdateVehicleLocation(ctx context.Context, vehicleID string, loc model.GeoPoint, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicles SET lat=$1, lng=$2, last_seen=$3 WHERE id=$4`,
		loc.Lat, loc.Lng, at, vehicleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReplaceVehicleRoute(ctx context.Context, vehicleID string, route *model.Route, expectedVersion int) (bool, error) {
	var routeJSON any
	empty := route == nil || len(route.Stops) == 0
	if !empty {
		rt := *route
		rt.VehicleID = vehicleID
		rt.Version = expectedVersion + 1
		b, err := json.Marshal(rt)
		if err != nil {
			return false, err
		}
		routeJSON = b
	}
	res, err := p.db.ExecContext(ctx, `UPDATE vehicles SET
			route=$1,
			route_version=route_version+1,
			status=CASE
				WHEN $2 AND status='busy' THEN 'available'
				WHEN NOT $2 AND status<>'offline' THEN 'busy'
				ELSE status END
		WHERE id=$3 AND route_version=$4`,
		routeJSON, empty, vehicleID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) UpsertEscalation(ctx context.Context, rec model.EscalationRecord) (model.EscalationRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer func() { _ = tx.Rollback() }()
	var cur model.EscalationRecord
	row := tx.QueryRowContext(ctx, `SELECT id, order_id, reason, severity, created_at, resolved, reassign_requested
		FROM escalations WHERE order_id=$1 AND reason=$2 AND NOT resolved FOR UPDATE`,
		rec.OrderID, string(rec.Reason))
	err = row.Scan(&cur.ID, &cur.OrderID, &cur.Reason, &cur.Severity, &cur.CreatedAt, &cur.Resolved, &cur.ReassignRequested)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO escalations (id, order_id, reason, severity, created_at, resolved, reassign_requested)
			VALUES ($1,$2,$3,$4,$5,FALSE,$6)`,
			rec.ID, rec.OrderID, string(rec.Reason), string(rec.Severity), rec.CreatedAt, rec.ReassignRequested); err != nil {
			return rec, err
		}
		cur = rec
	case err != nil:
		return rec, err
	default:
		if rec.Severity.Rank() > cur.Severity.Rank() {
			cur.Severity = rec.Severity
		}
		if rec.ReassignRequested {
			cur.ReassignRequested = true
		}
		if _, err := tx.ExecContext(ctx, `UPDATE escalations SET severity=$1, reassign_requested=$2 WHERE id=$3`,
			string(cur.Severity), cur.ReassignRequested, cur.ID); err != nil {
			return rec, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return cur, nil
}

func (p *Postgres) ActiveEscalations(ctx context.Context) ([]model.EscalationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, order_id, reason, severity, created_at, resolved, reassign_requested
		FROM escalations WHERE NOT resolved ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.EscalationRecord{}
	for rows.Next() {
		var rec model.EscalationRecord
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Reason, &rec.Severity, &rec.CreatedAt, &rec.Resolved, &rec.ReassignRequested); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveEscalation(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE escalations SET resolved=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return sub, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.URL, events, sub.Secret)
	return sub, err
}

func (p *Postgres) SubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, secret FROM subscriptions
		WHERE events @> to_jsonb($1::text) OR events @> to_jsonb('*'::text)`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueAlertDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO alert_deliveries (id, subscription_id, event_type, url, secret, payload)
		VALUES ($1,$2,$3,$4,$5,$6)`, id, subscriptionID, eventType, url, secret, payload)
	return id, err
}

func (p *Postgres) FetchDueAlertDeliveries(ctx context.Context, limit int) ([]AlertDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, subscription_id, event_type, url, secret, payload, status, attempts
		FROM alert_deliveries
		WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []AlertDelivery{}
	for rows.Next() {
		var d AlertDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkAlertDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE alert_deliveries SET status='delivered', attempts=attempts+1, response_code=$1 WHERE id=$2`,
			responseCode, id)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE alert_deliveries SET status='retry', attempts=attempts+1,
		next_attempt_at=$1, last_error=$2, response_code=$3 WHERE id=$4`,
		next, lastError, responseCode, id)
	return err
}

func (p *Postgres) FailAlertDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE alert_deliveries SET status='failed', last_error=$1, response_code=$2 WHERE id=$3`,
		lastError, responseCode, id)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
