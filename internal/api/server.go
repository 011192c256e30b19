package api

import (
	"context"
	"log"
	"strings"
	"time"

	"fleetops/internal/config"
	"fleetops/internal/engine"
	"fleetops/internal/geo"
	"fleetops/internal/notify"
	"fleetops/internal/opt"
	"fleetops/internal/store"
)

// Server carries the wired process: store, geo, route builder, the four
// automation engines behind the orchestrator, and alert fan-out.
type Server struct {
	Cfg     config.Config
	Store   store.Store
	Geo     geo.Client
	Builder *opt.Builder
	Orch    *engine.Orchestrator
	Reopt   *engine.Reopt
	Pub     *notify.Publisher
	Broker  EventBroker
}

// NewServer wires everything from config. No DATABASE_URL means the
// in-memory store; no REDIS_URL means the in-process broker; no geo base URL
// means straight-line estimates only.
func NewServer(cfg config.Config) (*Server, error) {
	var st store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(context.Background()); err != nil {
			return nil, err
		}
		st = pg
	}

	line := geo.StraightLine{SpeedKph: cfg.Geo.FallbackSpeedKph}
	var inner geo.Client
	if cfg.Geo.BaseURL != "" {
		inner = geo.NewOSRM(cfg.Geo.BaseURL, time.Duration(cfg.Geo.TimeoutSec)*time.Second, cfg.Geo.RequestsPerSec)
	}
	gc := geo.WithFallback{Inner: inner, Line: line}

	builder := &opt.Builder{
		Geo:              gc,
		TargetPerVehicle: cfg.Builder.TargetOrdersPerVehicle,
		Epsilon:          cfg.Builder.Epsilon,
		TwoOptIterations: cfg.Builder.TwoOptIterations,
		PickupService:    time.Duration(cfg.Builder.PickupServiceMin) * time.Minute,
		DeliveryService:  time.Duration(cfg.Builder.DeliveryServiceMin) * time.Minute,
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Printf("api: redis broker unavailable, falling back to in-process: %v", err)
			broker = NewBroker()
		} else {
			broker = rb
		}
	} else {
		broker = NewBroker()
	}

	pub := notify.NewPublisher(st)
	pub.Stream = func(eventType string, payload []byte) {
		broker.Publish(eventType, Event{Type: eventType, Data: payload})
	}

	orch := engine.NewOrchestrator(time.Duration(cfg.Engines.CycleTimeoutSec) * time.Second)
	orch.LogConflicts = cfg.LogConflicts

	reopt := engine.NewReopt(st, builder, cfg.Reopt.Tolerance)
	orch.Register(engine.NewDispatch(st, builder, cfg.Dispatch), time.Duration(cfg.Engines.DispatchSec)*time.Second)
	orch.Register(engine.NewBatch(st, builder), time.Duration(cfg.Engines.BatchSec)*time.Second)
	orch.Register(reopt, time.Duration(cfg.Engines.ReoptSec)*time.Second)
	orch.Register(
		engine.NewEscalation(st, pub, cfg.Escalation.RiskFraction,
			time.Duration(cfg.Escalation.StuckAfterMin)*time.Minute,
			time.Duration(cfg.Escalation.SilentAfterMin)*time.Minute),
		time.Duration(cfg.Engines.EscalationSec)*time.Second)

	return &Server{
		Cfg:     cfg,
		Store:   st,
		Geo:     gc,
		Builder: builder,
		Orch:    orch,
		Reopt:   reopt,
		Pub:     pub,
		Broker:  broker,
	}, nil
}

// NewAlertWorker creates the background worker draining alert deliveries.
func (s *Server) NewAlertWorker() *notify.Worker {
	return notify.NewWorker(s.Store)
}
