// Package ingest is the write path of the pipeline. One call commits the
// event, its idempotency reservation and the delivery tasks it fans out to in
// a single transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/beaconhq/beacon/internal/clock"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/beaconhq/beacon/internal/idempotency"
	"github.com/beaconhq/beacon/internal/telemetry"
	"github.com/beaconhq/beacon/pkg/db"
	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Result is the outcome of one ingestion attempt. Deduplicated is true when
// the idempotency key was already bound to an earlier event; Event is then
// that earlier event, not a new one.
type Result struct {
	Event        *eventdomain.BusinessEvent `json:"event"`
	Deduplicated bool                       `json:"deduplicated"`
}

// Service accepts events at the edge.
type Service interface {
	Ingest(ctx context.Context, req eventdomain.AppendRequest, idempotencyKey string) (*Result, error)
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Events   eventdomain.Service
	EventRep eventdomain.Repository
	Idem     *idempotency.Store
	Tasks    deliverydomain.Repository
	Routes   *deliverydomain.RouteTable
	Clock    clock.Clock
	Metrics  *telemetry.Metrics `optional:"true"`
}

type gateway struct {
	db      *gorm.DB
	log     *zap.Logger
	events  eventdomain.Service
	eventRp eventdomain.Repository
	idem    *idempotency.Store
	tasks   deliverydomain.Repository
	routes  *deliverydomain.RouteTable
	clock   clock.Clock
	metrics *telemetry.Metrics
}

func NewService(p ServiceParam) Service {
	return &gateway{
		db:      p.DB,
		log:     p.Log.Named("ingest.gateway"),
		events:  p.Events,
		eventRp: p.EventRep,
		idem:    p.Idem,
		tasks:   p.Tasks,
		routes:  p.Routes,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// errDuplicateKey aborts the ingestion transaction when another attempt
// already owns the idempotency key. It never escapes Ingest.
var errDuplicateKey = errors.New("duplicate_idempotency_key")

func (g *gateway) Ingest(ctx context.Context, req eventdomain.AppendRequest, idempotencyKey string) (*Result, error) {
	// Fast path: a committed reservation answers without opening a
	// transaction or re-validating the payload.
	if idempotencyKey != "" {
		prior, err := g.idem.Lookup(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
		}
		if prior != nil {
			return g.deduplicated(ctx, req.App, prior.EventID)
		}
	}

	var (
		event   *eventdomain.BusinessEvent
		priorID snowflake.ID
	)
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, err := g.events.AppendInTx(ctx, tx, req)
		if err != nil {
			return err
		}
		event = appended

		if idempotencyKey != "" {
			fresh, prior, err := g.idem.CheckOrReserve(ctx, tx, idempotencyKey, appended.ID)
			if err != nil {
				return err
			}
			if !fresh {
				if prior != nil {
					priorID = prior.EventID
				}
				// Rolls back the append; the winner's event is the answer.
				return errDuplicateKey
			}
		}

		return g.tasks.EnqueueInTx(ctx, tx, g.buildTasks(appended))
	})
	if err != nil {
		if errors.Is(err, errDuplicateKey) {
			if priorID == 0 {
				// The winner has not committed yet. The caller retries with
				// the same key and lands on the fast path.
				return nil, fmt.Errorf("%w: concurrent ingestion in flight", eventdomain.ErrStoreUnavailable)
			}
			return g.deduplicated(ctx, req.App, priorID)
		}
		if isValidationErr(err) {
			if g.metrics != nil {
				g.metrics.IncIngestRejected(err.Error())
			}
			return nil, err
		}
		if db.IsDuplicateKeyErr(err) {
			// A racing attempt hit the reservation's unique constraint
			// before the conflict clause resolved it. Retrying with the
			// same key lands on the fast path.
			return nil, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
		}
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.IncIngestAccepted(event.App)
	}
	g.log.Debug("event ingested",
		zap.String("event_id", event.ID.String()),
		zap.String("event_name", event.EventName),
		zap.String("app", event.App),
	)
	return &Result{Event: event}, nil
}

func (g *gateway) deduplicated(ctx context.Context, app string, eventID snowflake.ID) (*Result, error) {
	event, err := g.eventRp.FindByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}
	if g.metrics != nil {
		g.metrics.IncIngestDeduplicated(app)
	}
	return &Result{Event: event, Deduplicated: true}, nil
}

// buildTasks derives one pending delivery task per route subscribed to the
// event. Task payloads are self-contained so the worker never re-reads the
// event row.
func (g *gateway) buildTasks(event *eventdomain.BusinessEvent) []*deliverydomain.DeliveryTask {
	routes := g.routes.RoutesFor(event.EventName)
	if len(routes) == 0 {
		return nil
	}

	now := g.clock.Now().UTC()
	tasks := make([]*deliverydomain.DeliveryTask, 0, len(routes))
	for _, route := range routes {
		tasks = append(tasks, &deliverydomain.DeliveryTask{
			ID:      ulid.Make().String(),
			EventID: event.ID,
			Route:   route.Name,
			Payload: datatypes.JSONMap{
				"event_id":    event.ID.String(),
				"request_id":  event.RequestID,
				"app":         event.App,
				"env":         event.Env,
				"event_name":  event.EventName,
				"actor_type":  string(event.ActorType),
				"actor_id":    event.ActorID,
				"occurred_at": event.OccurredAt,
				"properties":  map[string]any(event.Properties),
			},
			State:         deliverydomain.TaskStatePending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return tasks
}

func isValidationErr(err error) bool {
	return errors.Is(err, eventdomain.ErrInvalidActorType) ||
		errors.Is(err, eventdomain.ErrInvalidEventName) ||
		errors.Is(err, eventdomain.ErrInvalidApp) ||
		errors.Is(err, eventdomain.ErrInvalidRequestID) ||
		errors.Is(err, eventdomain.ErrPropertyTooLarge)
}
