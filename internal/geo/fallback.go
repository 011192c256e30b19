package geo

import (
	"context"
	"math"

	"fleetops/internal/metrics"
	"fleetops/internal/model"
)

// StraightLine estimates legs from great-circle distance at a fixed speed.
// It never fails, which makes it both the degraded-mode fallback and a
// deterministic client for tests.
type StraightLine struct {
	SpeedKph float64
}

func (s StraightLine) speed() float64 {
	if s.SpeedKph <= 0 {
		return 40
	}
	return s.SpeedKph
}

func (s StraightLine) DistanceDuration(_ context.Context, a, b model.GeoPoint) (Leg, error) {
	d := Haversine(a, b)
	return Leg{DistanceM: d, DurationSec: d / (s.speed() / 3.6), Estimated: true}, nil
}

func (s StraightLine) RouteGeometry(ctx context.Context, points []model.GeoPoint) (Geometry, error) {
	out := Geometry{}
	for i := 1; i < len(points); i++ {
		leg, _ := s.DistanceDuration(ctx, points[i-1], points[i])
		out.Legs = append(out.Legs, leg)
		out.TotalDistanceM += leg.DistanceM
		out.TotalDurationSec += leg.DurationSec
	}
	return out, nil
}

// WithFallback wraps a client so that a failed lookup is retried once and
// then served by the straight-line estimate for that leg only. Callers see
// degraded legs via Leg.Estimated, never an error.
type WithFallback struct {
	Inner Client
	Line  StraightLine
}

func (f WithFallback) DistanceDuration(ctx context.Context, a, b model.GeoPoint) (Leg, error) {
	if f.Inner != nil {
		if leg, err := f.Inner.DistanceDuration(ctx, a, b); err == nil {
			return leg, nil
		}
		// one retry before degrading
		if leg, err := f.Inner.DistanceDuration(ctx, a, b); err == nil {
			return leg, nil
		}
	}
	metrics.GeoFallbacks.Inc()
	return f.Line.DistanceDuration(ctx, a, b)
}

func (f WithFallback) RouteGeometry(ctx context.Context, points []model.GeoPoint) (Geometry, error) {
	if f.Inner != nil {
		if geom, err := f.Inner.RouteGeometry(ctx, points); err == nil {
			return geom, nil
		}
		if geom, err := f.Inner.RouteGeometry(ctx, points); err == nil {
			return geom, nil
		}
	}
	metrics.GeoFallbacks.Inc()
	return f.Line.RouteGeometry(ctx, points)
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b model.GeoPoint) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
