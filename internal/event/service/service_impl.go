package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/beaconhq/beacon/internal/telemetry"
	"github.com/beaconhq/beacon/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    eventdomain.Repository
	Clock   clock.Clock
	Cfg     config.Config
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    eventdomain.Repository
	clock   clock.Clock
	metrics *telemetry.Metrics

	maxPropertyBytes int

	// createdAt is non-decreasing per store instance; lastStamp carries the
	// high-water mark across concurrent appends.
	mu        sync.Mutex
	lastStamp time.Time
}

func NewService(p ServiceParam) eventdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("event.service"),
		genID:            p.GenID,
		repo:             p.Repo,
		clock:            p.Clock,
		metrics:          p.Metrics,
		maxPropertyBytes: p.Cfg.Ingest.MaxPropertyBytes,
	}
}

func (s *Service) Append(ctx context.Context, req eventdomain.AppendRequest) (*eventdomain.BusinessEvent, error) {
	return s.AppendInTx(ctx, nil, req)
}

func (s *Service) AppendInTx(ctx context.Context, tx *gorm.DB, req eventdomain.AppendRequest) (*eventdomain.BusinessEvent, error) {
	if err := eventdomain.Validate(req, s.maxPropertyBytes); err != nil {
		return nil, err
	}

	event := s.materialize(req)
	index := eventdomain.FlattenProperties(event)

	if err := s.repo.Append(ctx, tx, event, index); err != nil {
		return nil, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}

	if s.metrics != nil {
		s.metrics.IncEventAppended(event.App, event.EventName)
	}
	return event, nil
}

func (s *Service) materialize(req eventdomain.AppendRequest) *eventdomain.BusinessEvent {
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	return &eventdomain.BusinessEvent{
		ID:         s.genID.Generate(),
		RequestID:  strings.TrimSpace(req.RequestID),
		App:        strings.TrimSpace(req.App),
		Env:        strings.TrimSpace(req.Env),
		EventName:  strings.TrimSpace(req.EventName),
		ActorType:  eventdomain.ActorType(req.ActorType),
		ActorID:    strings.TrimSpace(req.ActorID),
		SessionID:  strings.TrimSpace(req.SessionID),
		OrgID:      strings.TrimSpace(req.OrgID),
		OccurredAt: occurredAt.UTC(),
		Properties: datatypes.JSONMap(req.Properties),
		CreatedAt:  s.stamp(),
	}
}

func (s *Service) stamp() time.Time {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.lastStamp) {
		now = s.lastStamp
	}
	s.lastStamp = now
	return now
}

func (s *Service) Query(ctx context.Context, req eventdomain.QueryRequest) (eventdomain.QueryResponse, error) {
	filter, err := buildPageFilter(req)
	if err != nil {
		return eventdomain.QueryResponse{}, err
	}

	events, err := s.repo.FindPage(ctx, filter)
	if err != nil {
		return eventdomain.QueryResponse{}, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}

	return buildQueryResponse(events, filter.Limit), nil
}

func (s *Service) QueryByProperty(ctx context.Context, req eventdomain.PropertyQueryRequest) ([]eventdomain.BusinessEvent, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, eventdomain.ErrInvalidProperty
	}
	if err := checkTimeRange(req.From, req.To); err != nil {
		return nil, err
	}

	events, err := s.repo.FindByProperty(ctx, key, req.Value, req.From, req.To, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}
	return events, nil
}

func (s *Service) GetByRequestID(ctx context.Context, requestID string) ([]eventdomain.BusinessEvent, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, eventdomain.ErrInvalidRequestID
	}

	events, err := s.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}
	return events, nil
}

func buildPageFilter(req eventdomain.QueryRequest) (eventdomain.PageFilter, error) {
	if err := checkTimeRange(req.From, req.To); err != nil {
		return eventdomain.PageFilter{}, err
	}

	filter := eventdomain.PageFilter{
		App:       strings.TrimSpace(req.App),
		EventName: strings.TrimSpace(req.EventName),
		From:      req.From,
		To:        req.To,
		Limit:     req.PageSize,
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	if actor := strings.TrimSpace(req.ActorType); actor != "" {
		if !eventdomain.ActorType(actor).Valid() {
			return eventdomain.PageFilter{}, eventdomain.ErrInvalidActorType
		}
		filter.ActorType = eventdomain.ActorType(actor)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return eventdomain.PageFilter{}, eventdomain.ErrInvalidCursor
		}
		afterAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return eventdomain.PageFilter{}, eventdomain.ErrInvalidCursor
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return eventdomain.PageFilter{}, eventdomain.ErrInvalidCursor
		}
		filter.AfterAt = afterAt
		filter.AfterID = afterID
	}

	return filter, nil
}

func checkTimeRange(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return eventdomain.ErrInvalidTimeRange
	}
	return nil
}

func buildQueryResponse(items []*eventdomain.BusinessEvent, limit int) eventdomain.QueryResponse {
	pageInfo := pagination.BuildCursorPageInfo(items, limit, func(event *eventdomain.BusinessEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        event.ID.String(),
			CreatedAt: event.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > limit {
		items = items[:limit]
	}

	events := make([]eventdomain.BusinessEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := eventdomain.QueryResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp
}
