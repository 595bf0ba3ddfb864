package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	eventrepository "github.com/beaconhq/beacon/internal/event/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (eventdomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&eventdomain.BusinessEvent{}, &eventdomain.EventProperty{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  eventrepository.New(db),
		Clock: fake,
		Cfg:   config.Config{Ingest: config.IngestConfig{MaxPropertyBytes: 1 << 16}},
	})
	return svc, fake, db
}

func appendReq(requestID, eventName string, props map[string]any) eventdomain.AppendRequest {
	return eventdomain.AppendRequest{
		RequestID:  requestID,
		App:        "lms",
		Env:        "production",
		EventName:  eventName,
		ActorType:  "student",
		ActorID:    "actor-1",
		Properties: props,
	}
}

func TestAppend_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*eventdomain.AppendRequest)
		wantErr error
	}{
		{
			name:    "unknown actor type",
			mutate:  func(r *eventdomain.AppendRequest) { r.ActorType = "robot" },
			wantErr: eventdomain.ErrInvalidActorType,
		},
		{
			name:    "missing request id",
			mutate:  func(r *eventdomain.AppendRequest) { r.RequestID = " " },
			wantErr: eventdomain.ErrInvalidRequestID,
		},
		{
			name:    "missing app",
			mutate:  func(r *eventdomain.AppendRequest) { r.App = "" },
			wantErr: eventdomain.ErrInvalidApp,
		},
		{
			name:    "malformed event name",
			mutate:  func(r *eventdomain.AppendRequest) { r.EventName = "Credit-Purchased" },
			wantErr: eventdomain.ErrInvalidEventName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := appendReq("req-1", "credit_purchased", nil)
			tt.mutate(&req)

			_, err := svc.Append(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppend_OversizedProperties(t *testing.T) {
	svc, _, _ := newTestService(t)

	big := make(map[string]any)
	for i := 0; i < 10000; i++ {
		big[fmt.Sprintf("key_%d", i)] = "0123456789"
	}

	_, err := svc.Append(context.Background(), appendReq("req-big", "credit_purchased", big))
	assert.ErrorIs(t, err, eventdomain.ErrPropertyTooLarge)
}

func TestAppend_GetByRequestID_ExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	event, err := svc.Append(ctx, appendReq("req-42", "lesson_completed", map[string]any{"score": 97}))
	require.NoError(t, err)
	require.NotZero(t, event.ID)

	got, err := svc.GetByRequestID(ctx, "req-42")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.ID, got[0].ID)
	assert.Equal(t, "lesson_completed", got[0].EventName)
}

func TestAppend_CreatedAtMonotonic(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Append(ctx, appendReq("req-1", "lesson_completed", nil))
	require.NoError(t, err)

	// The wall clock moving backwards must not move the cursor backwards.
	fake.Advance(-time.Minute)
	second, err := svc.Append(ctx, appendReq("req-2", "lesson_completed", nil))
	require.NoError(t, err)

	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestQuery_CursorPagination(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := svc.Append(ctx, appendReq(fmt.Sprintf("req-%d", i), "lesson_completed", nil))
		require.NoError(t, err)
		fake.Advance(time.Second)
	}

	seen := make(map[string]bool)
	token := ""
	pages := 0
	for {
		resp, err := svc.Query(ctx, eventdomain.QueryRequest{
			App:       "lms",
			EventName: "lesson_completed",
			PageSize:  3,
			PageToken: token,
		})
		require.NoError(t, err)
		pages++

		for _, event := range resp.Events {
			assert.False(t, seen[event.RequestID], "event %s appeared twice", event.RequestID)
			seen[event.RequestID] = true
		}
		if !resp.HasMore {
			break
		}
		require.NotEmpty(t, resp.NextPageToken)
		token = resp.NextPageToken
	}

	assert.Equal(t, 7, len(seen))
	assert.Equal(t, 3, pages)
}

func TestQuery_InvalidCursor(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Query(context.Background(), eventdomain.QueryRequest{PageToken: "not-a-cursor"})
	assert.ErrorIs(t, err, eventdomain.ErrInvalidCursor)
}

func TestQuery_InvalidTimeRange(t *testing.T) {
	svc, fake, _ := newTestService(t)

	now := fake.Now()
	_, err := svc.Query(context.Background(), eventdomain.QueryRequest{
		From: now,
		To:   now.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, eventdomain.ErrInvalidTimeRange)
}

func TestQueryByProperty(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, appendReq("req-a", "credit_purchased", map[string]any{"plan": "pro", "amount": 49}))
	require.NoError(t, err)
	_, err = svc.Append(ctx, appendReq("req-b", "credit_purchased", map[string]any{"plan": "basic", "amount": 9}))
	require.NoError(t, err)

	events, err := svc.QueryByProperty(ctx, eventdomain.PropertyQueryRequest{Key: "plan", Value: "pro"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-a", events[0].RequestID)

	// Numeric values are indexed in their natural string form.
	events, err = svc.QueryByProperty(ctx, eventdomain.PropertyQueryRequest{Key: "amount", Value: "49"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-a", events[0].RequestID)
}
