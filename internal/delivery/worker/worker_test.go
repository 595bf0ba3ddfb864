package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	deliveryrepository "github.com/beaconhq/beacon/internal/delivery/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// fakeDispatcher fails a fixed number of times per task before succeeding.
// failuresLeft < 0 means fail forever.
type fakeDispatcher struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	calls        map[string]int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		failuresLeft: make(map[string]int),
		calls:        make(map[string]int),
	}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task deliverydomain.DeliveryTask, _ deliverydomain.Route) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[task.ID]++
	left := d.failuresLeft[task.ID]
	if left == 0 {
		return nil
	}
	if left > 0 {
		d.failuresLeft[task.ID] = left - 1
	}
	return errors.New("downstream unavailable")
}

func (d *fakeDispatcher) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type workerFixture struct {
	worker     *Worker
	repo       deliverydomain.Repository
	db         *gorm.DB
	clock      *clock.FakeClock
	dispatcher *fakeDispatcher
}

func newWorkerFixture(t *testing.T, maxAttempts int) *workerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&deliverydomain.DeliveryTask{}))

	routes, err := deliverydomain.ParseRouteTable([]byte(`
routes:
  - name: billing
    url: https://billing.internal/hooks
    events: [credit_purchased]
`))
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := newFakeDispatcher()
	repo := deliveryrepository.New(db)
	w := NewWorker(Params{
		Log:        zap.NewNop(),
		Repo:       repo,
		Routes:     routes,
		Dispatcher: dispatcher,
		Clock:      fake,
		Cfg: config.Config{
			Worker: config.WorkerConfig{
				Concurrency:   1,
				BatchSize:     10,
				LeaseTimeout:  30 * time.Second,
				MaxAttempts:   maxAttempts,
				BackoffBase:   time.Second,
				BackoffFactor: 2,
				BackoffMax:    time.Minute,
				BackoffJitter: -1, // rejected; the default applies
			},
			Breaker: config.BreakerConfig{
				FailureThreshold: 100, // effectively disabled unless a test trips it
				CoolDown:         time.Minute,
			},
		},
	})
	return &workerFixture{worker: w, repo: repo, db: db, clock: fake, dispatcher: dispatcher}
}

func (f *workerFixture) enqueue(t *testing.T, id, route string) {
	t.Helper()
	now := f.clock.Now().UTC()
	task := &deliverydomain.DeliveryTask{
		ID:            id,
		EventID:       snowflake.ID(1),
		Route:         route,
		Payload:       datatypes.JSONMap{"event_name": "credit_purchased"},
		State:         deliverydomain.TaskStatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.repo.EnqueueInTx(context.Background(), nil, []*deliverydomain.DeliveryTask{task}))
}

func (f *workerFixture) task(t *testing.T, id string) deliverydomain.DeliveryTask {
	t.Helper()
	var task deliverydomain.DeliveryTask
	require.NoError(t, f.db.First(&task, "id = ?", id).Error)
	return task
}

// drain runs batches, advancing the clock past any backoff, until no task is
// due anymore.
func (f *workerFixture) drain(t *testing.T, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		_, err := f.worker.ProcessBatch(ctx)
		require.NoError(t, err)
		f.clock.Advance(2 * time.Minute)
	}
}

func TestWorker_Delivers(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.enqueue(t, "task-1", "billing")

	n, err := f.worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task := f.task(t, "task-1")
	assert.Equal(t, deliverydomain.TaskStateDelivered, task.State)
	assert.Nil(t, task.LeaseExpiresAt)
	assert.Equal(t, 1, f.dispatcher.callCount("task-1"))
}

func TestWorker_RetriesThenDelivers(t *testing.T) {
	f := newWorkerFixture(t, 5)
	f.enqueue(t, "task-1", "billing")
	f.dispatcher.failuresLeft["task-1"] = 2

	f.drain(t, 3)

	task := f.task(t, "task-1")
	assert.Equal(t, deliverydomain.TaskStateDelivered, task.State)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, 3, f.dispatcher.callCount("task-1"))
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.enqueue(t, "task-1", "billing")
	f.dispatcher.failuresLeft["task-1"] = -1

	f.drain(t, 6)

	task := f.task(t, "task-1")
	assert.Equal(t, deliverydomain.TaskStateDeadLettered, task.State)
	assert.Equal(t, "downstream unavailable", task.LastError)
	// Exactly MaxAttempts external calls, then no more.
	assert.Equal(t, 3, f.dispatcher.callCount("task-1"))
}

func TestWorker_UnknownRouteDeadLetters(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.enqueue(t, "task-1", "ghost")

	_, err := f.worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	task := f.task(t, "task-1")
	assert.Equal(t, deliverydomain.TaskStateDeadLettered, task.State)
	assert.Equal(t, deliverydomain.ErrUnknownRoute.Error(), task.LastError)
	assert.Zero(t, f.dispatcher.callCount("task-1"))
}

func TestWorker_CircuitOpenReschedulesWithoutAttempt(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.enqueue(t, "task-1", "billing")
	f.dispatcher.failuresLeft["task-1"] = -1

	// Trip the billing breaker directly.
	br := f.worker.breakerFor("billing")
	for i := 0; i < 100; i++ {
		br.RecordFailure()
	}

	_, err := f.worker.ProcessBatch(context.Background())
	require.NoError(t, err)

	task := f.task(t, "task-1")
	assert.Equal(t, deliverydomain.TaskStatePending, task.State)
	assert.Zero(t, task.Attempts)
	assert.Equal(t, deliverydomain.ErrCircuitOpen.Error(), task.LastError)
	assert.True(t, task.NextAttemptAt.After(f.clock.Now().UTC()))
	assert.Zero(t, f.dispatcher.callCount("task-1"))
}

func TestWorker_LeaseExpiryMakesTaskDueAgain(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.enqueue(t, "task-1", "billing")
	ctx := context.Background()

	// Simulate a crashed worker: lease the task and never resolve it.
	leased, err := f.repo.Lease(ctx, f.clock.Now().UTC(), 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Still leased; another batch claims nothing.
	n, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, deliverydomain.TaskStateDelivered, f.task(t, "task-1").State)
}
