// Package domain contains persistence models for the business event ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType is the closed set of event actors.
type ActorType string

const (
	ActorStudent  ActorType = "student"
	ActorProvider ActorType = "provider"
	ActorSystem   ActorType = "system"
	ActorAdmin    ActorType = "admin"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorStudent, ActorProvider, ActorSystem, ActorAdmin:
		return true
	default:
		return false
	}
}

// BusinessEvent is one immutable row in the append-only ledger.
// OccurredAt is event time (caller supplied), CreatedAt is ingestion time and
// non-decreasing per store instance so (created_at, id) is a stable cursor.
type BusinessEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey;index:idx_events_cursor,priority:2" json:"id"`
	RequestID  string            `gorm:"type:text;not null;index:idx_events_request" json:"request_id"`
	App        string            `gorm:"type:text;not null;index:idx_events_app_name_time,priority:1" json:"app"`
	Env        string            `gorm:"type:text;not null" json:"env"`
	EventName  string            `gorm:"type:text;not null;index:idx_events_app_name_time,priority:2;index:idx_events_actor_name_time,priority:2" json:"event_name"`
	ActorType  ActorType         `gorm:"type:text;not null;index:idx_events_actor_name_time,priority:1" json:"actor_type"`
	ActorID    string            `gorm:"type:text" json:"actor_id,omitempty"`
	SessionID  string            `gorm:"type:text" json:"session_id,omitempty"`
	OrgID      string            `gorm:"type:text" json:"org_id,omitempty"`
	OccurredAt time.Time         `gorm:"not null;index:idx_events_app_name_time,priority:3;index:idx_events_actor_name_time,priority:3" json:"occurred_at"`
	Properties datatypes.JSONMap `gorm:"type:jsonb" json:"properties,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_events_cursor,priority:1" json:"created_at"`
}

// TableName sets the database table name.
func (BusinessEvent) TableName() string { return "business_events" }

// EventProperty is one entry of the generic inverted index over event
// properties. Scalar values are stored in their string form, nested values as
// their JSON encoding. Written in the same transaction as the event row.
type EventProperty struct {
	EventID    snowflake.ID `gorm:"not null;index" json:"event_id"`
	Key        string       `gorm:"type:text;not null;index:idx_event_properties_kv,priority:1" json:"key"`
	Value      string       `gorm:"type:text;not null;index:idx_event_properties_kv,priority:2" json:"value"`
	OccurredAt time.Time    `gorm:"not null;index:idx_event_properties_kv,priority:3" json:"occurred_at"`
}

// TableName sets the database table name.
func (EventProperty) TableName() string { return "event_properties" }
