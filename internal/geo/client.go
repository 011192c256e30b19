package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fleetops/internal/model"
)

// Leg is a distance/duration estimate for one segment.
type Leg struct {
	DistanceM   float64
	DurationSec float64
	Estimated   bool // true when derived from the straight-line fallback
}

// Geometry is a multi-point route estimate.
type Geometry struct {
	Legs             []Leg
	TotalDistanceM   float64
	TotalDurationSec float64
}

// Client is the routing provider boundary. It is the only source of
// real-world travel time in the system.
type Client interface {
	DistanceDuration(ctx context.Context, a, b model.GeoPoint) (Leg, error)
	RouteGeometry(ctx context.Context, points []model.GeoPoint) (Geometry, error)
}

// OSRM talks to an OSRM-compatible routing service. Requests carry a bounded
// timeout and are rate limited so a burst of sequencing work cannot flood the
// provider.
type OSRM struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewOSRM builds a client for the given base URL, e.g. "http://osrm:5000".
func NewOSRM(baseURL string, timeout time.Duration, requestsPerSec float64) *OSRM {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if requestsPerSec <= 0 {
		requestsPerSec = 20
	}
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Legs     []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

func (c *OSRM) DistanceDuration(ctx context.Context, a, b model.GeoPoint) (Leg, error) {
	geom, err := c.RouteGeometry(ctx, []model.GeoPoint{a, b})
	if err != nil {
		return Leg{}, err
	}
	if len(geom.Legs) == 0 {
		return Leg{}, fmt.Errorf("geo: empty route between %v and %v", a, b)
	}
	return geom.Legs[0], nil
}

func (c *OSRM) RouteGeometry(ctx context.Context, points []model.GeoPoint) (Geometry, error) {
	if len(points) < 2 {
		return Geometry{}, fmt.Errorf("geo: need at least 2 points, got %d", len(points))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Geometry{}, err
	}
	coords := make([]string, len(points))
	for i, p := range points {
		coords[i] = fmt.Sprintf("%f,%f", p.Lng, p.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=false", c.baseURL, strings.Join(coords, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Geometry{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Geometry{}, fmt.Errorf("geo: route request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Geometry{}, fmt.Errorf("geo: route request: status %d", resp.StatusCode)
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Geometry{}, fmt.Errorf("geo: decode response: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Geometry{}, fmt.Errorf("geo: no route (code=%s)", body.Code)
	}
	rt := body.Routes[0]
	out := Geometry{TotalDistanceM: rt.Distance, TotalDurationSec: rt.Duration}
	for _, lg := range rt.Legs {
		out.Legs = append(out.Legs, Leg{DistanceM: lg.Distance, DurationSec: lg.Duration})
	}
	return out, nil
}
