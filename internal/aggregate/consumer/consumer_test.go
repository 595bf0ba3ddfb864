package consumer

import (
	"context"
	"fmt"
	"testing"
	"time"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	aggregaterepository "github.com/beaconhq/beacon/internal/aggregate/repository"
	"github.com/beaconhq/beacon/internal/aggregate/sample"
	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	eventrepository "github.com/beaconhq/beacon/internal/event/repository"
	eventservice "github.com/beaconhq/beacon/internal/event/service"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type consumerFixture struct {
	consumer   *Consumer
	events     eventdomain.Service
	buckets    aggregatedomain.Repository
	reservoirs *sample.Registry
	db         *gorm.DB
	clock      *clock.FakeClock
}

func newConsumerFixture(t *testing.T, catalogYAML string, batchSize int) *consumerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&eventdomain.BusinessEvent{},
		&eventdomain.EventProperty{},
		&aggregatedomain.Bucket{},
		&aggregatedomain.Cursor{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	eventRepo := eventrepository.New(db)
	events := eventservice.NewService(eventservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  eventRepo,
		Clock: fake,
		Cfg:   config.Config{},
	})

	catalog, err := aggregatedomain.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	buckets := aggregaterepository.New(db)
	reservoirs := sample.NewRegistry(128)
	cons := NewConsumer(ConsumerParam{
		DB:         db,
		Log:        zap.NewNop(),
		Catalog:    catalog,
		Buckets:    buckets,
		Events:     eventRepo,
		Reservoirs: reservoirs,
		Clock:      fake,
		Cfg:        config.Config{Aggregate: config.AggregateConfig{BatchSize: batchSize}},
	})
	return &consumerFixture{
		consumer:   cons,
		events:     events,
		buckets:    buckets,
		reservoirs: reservoirs,
		db:         db,
		clock:      fake,
	}
}

func (f *consumerFixture) append(t *testing.T, eventName string, props map[string]any) {
	t.Helper()
	_, err := f.events.Append(context.Background(), eventdomain.AppendRequest{
		RequestID:  fmt.Sprintf("req-%d", f.clock.Now().UnixNano()),
		App:        "lms",
		Env:        "production",
		EventName:  eventName,
		ActorType:  "student",
		ActorID:    "student-1",
		OccurredAt: f.clock.Now().UTC(),
		Properties: props,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
}

func (f *consumerFixture) bucket(t *testing.T, kpi string) aggregatedomain.Bucket {
	t.Helper()
	var bucket aggregatedomain.Bucket
	require.NoError(t, f.db.First(&bucket, "kpi = ?", kpi).Error)
	return bucket
}

const sumCatalog = `
kpis:
  - name: credit_revenue
    kind: sum
    mode: incremental
    event_name: credit_purchased
    property: amount
    bucket: 1h
`

func TestRunOnce_FoldsSumBuckets(t *testing.T) {
	f := newConsumerFixture(t, sumCatalog, 100)
	ctx := context.Background()

	f.append(t, "credit_purchased", map[string]any{"amount": 49})
	f.append(t, "credit_purchased", map[string]any{"amount": 30})
	f.append(t, "session_started", nil)
	f.append(t, "credit_purchased", map[string]any{"note": "no amount"})

	processed, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, processed)

	bucket := f.bucket(t, "credit_revenue")
	assert.EqualValues(t, 2, bucket.Count)
	assert.Equal(t, float64(79), bucket.Sum)
}

func TestRunOnce_CursorPreventsDoubleCounting(t *testing.T) {
	f := newConsumerFixture(t, sumCatalog, 100)
	ctx := context.Background()

	f.append(t, "credit_purchased", map[string]any{"amount": 49})
	_, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)

	// No new events: the cursor keeps the replay empty.
	processed, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Equal(t, float64(49), f.bucket(t, "credit_revenue").Sum)

	f.append(t, "credit_purchased", map[string]any{"amount": 1})
	processed, err = f.consumer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, float64(50), f.bucket(t, "credit_revenue").Sum)
}

func TestRunOnce_BatchesUntilCaughtUp(t *testing.T) {
	f := newConsumerFixture(t, sumCatalog, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.append(t, "credit_purchased", map[string]any{"amount": 10})
	}

	total := 0
	for {
		processed, err := f.consumer.RunOnce(ctx)
		require.NoError(t, err)
		if processed == 0 {
			break
		}
		total += processed
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, float64(50), f.bucket(t, "credit_revenue").Sum)
}

func TestRunOnce_RatioBucket(t *testing.T) {
	f := newConsumerFixture(t, `
kpis:
  - name: checkout_conversion
    kind: ratio
    mode: incremental
    event_name: credit_purchased
    denominator_event: checkout_started
`, 100)
	ctx := context.Background()

	f.append(t, "checkout_started", nil)
	f.append(t, "checkout_started", nil)
	f.append(t, "checkout_started", nil)
	f.append(t, "credit_purchased", nil)

	_, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)

	// Count carries the numerator, Sum the denominator.
	var buckets []aggregatedomain.Bucket
	require.NoError(t, f.db.Find(&buckets, "kpi = ?", "checkout_conversion").Error)
	var num int64
	var den float64
	for _, b := range buckets {
		num += b.Count
		den += b.Sum
	}
	assert.EqualValues(t, 1, num)
	assert.Equal(t, float64(3), den)
}

func TestRunOnce_GroupByActor(t *testing.T) {
	f := newConsumerFixture(t, `
kpis:
  - name: credits_per_student
    kind: sum
    mode: incremental
    event_name: credit_purchased
    property: amount
    group_by_actor: true
`, 100)
	ctx := context.Background()

	appendAs := func(actorID string, amount float64) {
		_, err := f.events.Append(ctx, eventdomain.AppendRequest{
			RequestID:  fmt.Sprintf("req-%s-%d", actorID, f.clock.Now().UnixNano()),
			App:        "lms",
			EventName:  "credit_purchased",
			ActorType:  "student",
			ActorID:    actorID,
			OccurredAt: f.clock.Now().UTC(),
			Properties: map[string]any{"amount": amount},
		})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	appendAs("alice", 10)
	appendAs("bob", 20)
	appendAs("alice", 5)

	_, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)

	var buckets []aggregatedomain.Bucket
	require.NoError(t, f.db.Order("actor_id").Find(&buckets, "kpi = ?", "credits_per_student").Error)
	require.Len(t, buckets, 2)
	assert.Equal(t, "alice", buckets[0].ActorID)
	assert.Equal(t, float64(15), buckets[0].Sum)
	assert.Equal(t, "bob", buckets[1].ActorID)
	assert.Equal(t, float64(20), buckets[1].Sum)
}

func TestRunOnce_FeedsPercentileReservoir(t *testing.T) {
	f := newConsumerFixture(t, `
kpis:
  - name: p50_session_minutes
    kind: percentile
    event_name: session_ended
    property: duration_minutes
    percentile: 0.5
`, 100)
	ctx := context.Background()

	for _, minutes := range []float64{10, 20, 30} {
		f.append(t, "session_ended", map[string]any{"duration_minutes": minutes})
	}

	_, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)

	r := f.reservoirs.Get("p50_session_minutes")
	assert.Equal(t, 3, r.Len())
	median, ok := r.Quantile(0.5)
	require.True(t, ok)
	assert.Equal(t, float64(20), median)
}

func TestRunOnce_NoIncrementalKPIs(t *testing.T) {
	f := newConsumerFixture(t, `
kpis:
  - name: purchases_total
    kind: count
    event_name: credit_purchased
`, 100)

	f.append(t, "credit_purchased", nil)
	processed, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
}
