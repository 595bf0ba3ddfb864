// Package domain defines the KPI catalog and the persisted state of
// incremental aggregation: time buckets and the consumer cursor.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind selects the computation of a KPI over matching events.
type Kind string

const (
	KindCount      Kind = "count"
	KindSum        Kind = "sum"
	KindRatio      Kind = "ratio"
	KindPercentile Kind = "percentile"
)

// Mode is how a KPI value is produced: a window scan over the ledger, or a
// read of incrementally maintained buckets.
type Mode string

const (
	ModeOnDemand    Mode = "on_demand"
	ModeIncremental Mode = "incremental"
)

// KPISpec is one entry of the fixed KPI catalog.
//
// count and sum match events by App/EventName; sum additionally reads the
// numeric property named Property. ratio divides the count of EventName by
// the count of DenominatorEvent. percentile keeps a bounded reservoir of the
// numeric property and reports the Percentile quantile; it is always
// incremental because a full-history percentile is unbounded in memory.
type KPISpec struct {
	Name             string        `yaml:"name"`
	Kind             Kind          `yaml:"kind"`
	Mode             Mode          `yaml:"mode"`
	App              string        `yaml:"app"`
	EventName        string        `yaml:"event_name"`
	Property         string        `yaml:"property"`
	DenominatorEvent string        `yaml:"denominator_event"`
	Percentile       float64       `yaml:"percentile"`
	Bucket           time.Duration `yaml:"-"`
	GroupByActor     bool          `yaml:"group_by_actor"`
}

// Incremental reports whether the consumer maintains state for this KPI.
func (s KPISpec) Incremental() bool {
	return s.Mode == ModeIncremental || s.Kind == KindPercentile
}

// BucketFor truncates t to the start of the bucket containing it.
func (s KPISpec) BucketFor(t time.Time) time.Time {
	bucket := s.Bucket
	if bucket <= 0 {
		bucket = time.Hour
	}
	return t.UTC().Truncate(bucket)
}

// Matches reports whether an event with the given attribution feeds this KPI.
func (s KPISpec) Matches(app, eventName string) bool {
	if s.App != "" && s.App != app {
		return false
	}
	return s.EventName == eventName
}

// Bucket is one incrementally maintained aggregate cell. Count and Sum are
// additive so replaying a committed range is prevented by the cursor, not by
// the cell itself.
type Bucket struct {
	KPI         string    `gorm:"primaryKey;type:text" json:"kpi"`
	ActorID     string    `gorm:"primaryKey;type:text;default:''" json:"actor_id,omitempty"`
	BucketStart time.Time `gorm:"primaryKey" json:"bucket_start"`
	Count       int64     `gorm:"not null;default:0" json:"count"`
	Sum         float64   `gorm:"not null;default:0" json:"sum"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Bucket) TableName() string { return "aggregate_buckets" }

// Cursor is the high-water mark of one consumer over the ledger's write
// order. It is updated in the same transaction as the buckets it feeds, so a
// crash-restart resumes without double counting.
type Cursor struct {
	Consumer      string       `gorm:"primaryKey;type:text"`
	LastCreatedAt time.Time    `gorm:"not null"`
	LastEventID   snowflake.ID `gorm:"not null"`
	UpdatedAt     time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Cursor) TableName() string { return "aggregate_cursors" }

// Window is the half-open time range [From, To) a KPI is computed over.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// KPIResult carries the computed value plus enough context to audit it.
type KPIResult struct {
	Name    string  `json:"name"`
	Kind    Kind    `json:"kind"`
	Mode    Mode    `json:"mode"`
	Window  Window  `json:"window"`
	Value   float64 `json:"value"`
	Samples int64   `json:"samples"`
}

var (
	ErrUnknownKPI    = errors.New("unknown_kpi")
	ErrInvalidWindow = errors.New("invalid_kpi_window")
	ErrNoSamples     = errors.New("kpi_no_samples")
)
