// Package domain contains persistence models for asynchronous side-effect
// delivery derived from ingested events.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TaskState is the lifecycle of one delivery task. delivered and
// dead_lettered are terminal; cancelled is reachable only before a lease.
type TaskState string

const (
	TaskStatePending      TaskState = "pending"
	TaskStateLeased       TaskState = "leased"
	TaskStateDelivered    TaskState = "delivered"
	TaskStateDeadLettered TaskState = "dead_lettered"
	TaskStateCancelled    TaskState = "cancelled"
)

// DeliveryTask is one pending side effect. Created by the ingestion gateway in
// the same transaction as the source event, mutated only by the worker.
type DeliveryTask struct {
	ID             string            `gorm:"primaryKey;type:text" json:"id"`
	EventID        snowflake.ID      `gorm:"not null;index" json:"event_id"`
	Route          string            `gorm:"type:text;not null" json:"route"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb" json:"payload"`
	State          TaskState         `gorm:"type:text;not null;index:idx_delivery_tasks_due,priority:1" json:"state"`
	Attempts       int               `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  time.Time         `gorm:"not null;index:idx_delivery_tasks_due,priority:2" json:"next_attempt_at"`
	LeaseExpiresAt *time.Time        `gorm:"" json:"lease_expires_at,omitempty"`
	LastError      string            `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (DeliveryTask) TableName() string { return "delivery_tasks" }

var (
	ErrTaskNotFound      = errors.New("task_not_found")
	ErrTaskNotCancelable = errors.New("task_not_cancelable")
	ErrUnknownRoute      = errors.New("unknown_route")
	ErrCircuitOpen       = errors.New("circuit_open")
)
