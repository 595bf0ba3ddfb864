package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/aggregate/consumer"
	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	aggregaterepository "github.com/beaconhq/beacon/internal/aggregate/repository"
	"github.com/beaconhq/beacon/internal/aggregate/sample"
	aggregateservice "github.com/beaconhq/beacon/internal/aggregate/service"
	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	deliveryrepository "github.com/beaconhq/beacon/internal/delivery/repository"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	eventrepository "github.com/beaconhq/beacon/internal/event/repository"
	eventservice "github.com/beaconhq/beacon/internal/event/service"
	"github.com/beaconhq/beacon/internal/idempotency"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    Service
	db     *gorm.DB
	clock  *clock.FakeClock
	events eventdomain.Repository
}

func newFixture(t *testing.T, routesYAML string) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&eventdomain.BusinessEvent{},
		&eventdomain.EventProperty{},
		&idempotency.Reservation{},
		&deliverydomain.DeliveryTask{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{Ingest: config.IngestConfig{
		MaxPropertyBytes: 1 << 16,
		IdempotencyTTL:   24 * time.Hour,
	}}

	eventRepo := eventrepository.New(db)
	events := eventservice.NewService(eventservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  eventRepo,
		Clock: fake,
		Cfg:   cfg,
	})
	routes, err := deliverydomain.ParseRouteTable([]byte(routesYAML))
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		Events:   events,
		EventRep: eventRepo,
		Idem: idempotency.NewStore(idempotency.StoreParam{
			DB:    db,
			Log:   zap.NewNop(),
			Clock: fake,
			Cfg:   cfg,
		}),
		Tasks:  deliveryrepository.New(db),
		Routes: routes,
		Clock:  fake,
	})
	return &fixture{svc: svc, db: db, clock: fake, events: eventRepo}
}

func creditPurchased(requestID string, amount float64) eventdomain.AppendRequest {
	return eventdomain.AppendRequest{
		RequestID:  requestID,
		App:        "lms",
		Env:        "production",
		EventName:  "credit_purchased",
		ActorType:  "student",
		ActorID:    "student-1",
		OccurredAt: time.Date(2025, 6, 1, 11, 30, 0, 0, time.UTC),
		Properties: map[string]any{"amount": amount},
	}
}

func (f *fixture) eventCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&eventdomain.BusinessEvent{}).Count(&n).Error)
	return n
}

// constraintFailingEvents simulates a unique-constraint violation surfacing
// from the store instead of the conflict clause, as mysql does when two
// uncommitted attempts race the reservation insert.
type constraintFailingEvents struct {
	eventdomain.Service
}

func (constraintFailingEvents) AppendInTx(context.Context, *gorm.DB, eventdomain.AppendRequest) (*eventdomain.BusinessEvent, error) {
	return nil, errors.New("UNIQUE constraint failed: idempotency_reservations.key")
}

func TestIngest_DuplicateKeyStoreErrorIsRetryable(t *testing.T) {
	f := newFixture(t, "")

	routes, err := deliverydomain.ParseRouteTable(nil)
	require.NoError(t, err)
	svc := NewService(ServiceParam{
		DB:       f.db,
		Log:      zap.NewNop(),
		Events:   constraintFailingEvents{},
		EventRep: f.events,
		Idem: idempotency.NewStore(idempotency.StoreParam{
			DB:    f.db,
			Log:   zap.NewNop(),
			Clock: f.clock,
			Cfg:   config.Config{},
		}),
		Tasks:  deliveryrepository.New(f.db),
		Routes: routes,
		Clock:  f.clock,
	})

	_, err = svc.Ingest(context.Background(), creditPurchased("req-1", 10), "k1")
	assert.ErrorIs(t, err, eventdomain.ErrStoreUnavailable)
	assert.EqualValues(t, 0, f.eventCount(t))
}

func TestIngest_SameKeyTwice(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, creditPurchased("req-1", 49), "k1")
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := f.svc.Ingest(ctx, creditPurchased("req-2", 49), "k1")
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	assert.EqualValues(t, 1, f.eventCount(t))
}

func TestIngest_NoKeyAppendsEveryTime(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, creditPurchased("req-1", 10), "")
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, creditPurchased("req-2", 10), "")
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.eventCount(t))
}

func TestIngest_ValidationRollsBackReservation(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	bad := creditPurchased("req-1", 10)
	bad.ActorType = "robot"
	_, err := f.svc.Ingest(ctx, bad, "k1")
	assert.ErrorIs(t, err, eventdomain.ErrInvalidActorType)

	// The key is still free for a valid retry.
	result, err := f.svc.Ingest(ctx, creditPurchased("req-1", 10), "k1")
	require.NoError(t, err)
	assert.False(t, result.Deduplicated)
}

func TestIngest_FansOutPerRoute(t *testing.T) {
	f := newFixture(t, `
routes:
  - name: billing
    url: https://billing.internal/hooks
    events: [credit_purchased]
  - name: analytics
    url: https://analytics.internal/hooks
    events: [credit_purchased, session_started]
  - name: crm
    url: https://crm.internal/hooks
    events: [provider_onboarded]
`)
	ctx := context.Background()

	result, err := f.svc.Ingest(ctx, creditPurchased("req-1", 49), "")
	require.NoError(t, err)

	var tasks []deliverydomain.DeliveryTask
	require.NoError(t, f.db.Order("route").Find(&tasks).Error)
	require.Len(t, tasks, 2)
	assert.Equal(t, "analytics", tasks[0].Route)
	assert.Equal(t, "billing", tasks[1].Route)
	for _, task := range tasks {
		assert.Equal(t, result.Event.ID, task.EventID)
		assert.Equal(t, deliverydomain.TaskStatePending, task.State)
		assert.Equal(t, "credit_purchased", task.Payload["event_name"])
	}
}

func TestIngest_DuplicateEnqueuesNoTasks(t *testing.T) {
	f := newFixture(t, `
routes:
  - name: billing
    url: https://billing.internal/hooks
    events: [credit_purchased]
`)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, creditPurchased("req-1", 49), "k1")
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, creditPurchased("req-2", 49), "k1")
	require.NoError(t, err)

	var tasks int64
	require.NoError(t, f.db.Model(&deliverydomain.DeliveryTask{}).Count(&tasks).Error)
	assert.EqualValues(t, 1, tasks)
}

// TestIngest_DedupDoesNotDoubleCount drives the full pipeline: the same
// purchase submitted twice under one idempotency key must aggregate once.
func TestIngest_DedupDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.db.AutoMigrate(&aggregatedomain.Bucket{}, &aggregatedomain.Cursor{}))

	catalog, err := aggregatedomain.ParseCatalog([]byte(`
kpis:
  - name: credit_revenue
    kind: sum
    mode: incremental
    app: lms
    event_name: credit_purchased
    property: amount
    bucket: 1h
`))
	require.NoError(t, err)

	_, err = f.svc.Ingest(ctx, creditPurchased("req-1", 49), "k1")
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, creditPurchased("req-2", 49), "k1")
	require.NoError(t, err)

	reservoirs := sample.NewRegistry(128)
	buckets := aggregaterepository.New(f.db)
	cons := consumer.NewConsumer(consumer.ConsumerParam{
		DB:         f.db,
		Log:        zap.NewNop(),
		Catalog:    catalog,
		Buckets:    buckets,
		Events:     f.events,
		Reservoirs: reservoirs,
		Clock:      f.clock,
		Cfg:        config.Config{Aggregate: config.AggregateConfig{BatchSize: 100}},
	})
	processed, err := cons.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	kpis := aggregateservice.NewService(aggregateservice.ServiceParam{
		Log:        zap.NewNop(),
		Catalog:    catalog,
		Buckets:    buckets,
		Events:     f.events,
		Reservoirs: reservoirs,
		Clock:      f.clock,
	})
	result, err := kpis.ComputeKPI(ctx, "credit_revenue", aggregatedomain.Window{
		From: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(49), result.Value)
}
