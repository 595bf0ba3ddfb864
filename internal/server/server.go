// Package server exposes the pipeline over HTTP: ingestion, ledger queries,
// KPI reads, guardrail status and delivery task operations.
package server

import (
	"context"
	"net/http"
	"time"

	aggregateservice "github.com/beaconhq/beacon/internal/aggregate/service"
	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	guardrailservice "github.com/beaconhq/beacon/internal/guardrail/service"
	"github.com/beaconhq/beacon/internal/ingest"
	"github.com/beaconhq/beacon/internal/ratelimit"
	"github.com/beaconhq/beacon/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(telemetry.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	ingestsvc    ingest.Service
	eventsvc     eventdomain.Service
	kpisvc       aggregateservice.Service
	guardrailsvc guardrailservice.Service
	tasks        deliverydomain.Repository
	clock        clock.Clock
	limiter      *ratelimit.IngestLimiter
	metrics      *telemetry.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Ingestsvc    ingest.Service
	Eventsvc     eventdomain.Service
	KPIsvc       aggregateservice.Service
	Guardrailsvc guardrailservice.Service
	Tasks        deliverydomain.Repository
	Clock        clock.Clock
	Limiter      *ratelimit.IngestLimiter `optional:"true"`
	Metrics      *telemetry.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("server"),
		ingestsvc:    p.Ingestsvc,
		eventsvc:     p.Eventsvc,
		kpisvc:       p.KPIsvc,
		guardrailsvc: p.Guardrailsvc,
		tasks:        p.Tasks,
		clock:        p.Clock,
		limiter:      p.Limiter,
		metrics:      p.Metrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/events", s.IngestEvent)
	v1.GET("/events", s.ListEvents)
	v1.GET("/events/by-request/:requestId", s.GetEventsByRequestID)
	v1.GET("/events/by-property", s.ListEventsByProperty)

	v1.GET("/kpis/:name", s.GetKPI)
	v1.GET("/guardrails/status", s.GuardrailStatus)

	v1.GET("/delivery-tasks", s.ListDeliveryTasks)
	v1.POST("/delivery-tasks/:id/cancel", s.CancelDeliveryTask)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
