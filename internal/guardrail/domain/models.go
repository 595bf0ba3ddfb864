// Package domain defines guardrails: threshold checks over KPI values that
// gate operational decisions.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Op is the breach comparison. A guardrail breaches when
// `value Op limit` holds; gte and lte are inclusive at the limit.
type Op string

const (
	OpLTE Op = "lte"
	OpLT  Op = "lt"
	OpGTE Op = "gte"
	OpGT  Op = "gt"
)

// Compare reports whether value breaches limit under op.
func (op Op) Compare(value, limit float64) (bool, error) {
	switch op {
	case OpLTE:
		return value <= limit, nil
	case OpLT:
		return value < limit, nil
	case OpGTE:
		return value >= limit, nil
	case OpGT:
		return value > limit, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
}

// Action is what a breach asks the operator tooling to do. The evaluator only
// reports; acting on Block/Rollback is the caller's concern.
type Action string

const (
	ActionBlock    Action = "block"
	ActionRollback Action = "rollback"
)

// Decision is the overall outcome of evaluating a guardrail set.
type Decision string

const (
	DecisionOK       Decision = "OK"
	DecisionBlock    Decision = "Block"
	DecisionRollback Decision = "Rollback"
)

// Guardrail binds a KPI to a breach condition.
type Guardrail struct {
	Name   string        `yaml:"name" json:"name"`
	KPI    string        `yaml:"kpi" json:"kpi"`
	Op     Op            `yaml:"op" json:"op"`
	Limit  float64       `yaml:"limit" json:"limit"`
	Action Action        `yaml:"action" json:"action"`
	Window time.Duration `yaml:"-" json:"window"`
}

// Snapshot is an immutable, versioned guardrail set. Evaluation always runs
// against one explicit snapshot, never against live-mutating config.
type Snapshot struct {
	Version   int64       `json:"version"`
	LoadedAt  time.Time   `json:"loaded_at"`
	Guardrail []Guardrail `json:"guardrails"`
}

// Breach is one guardrail whose condition held.
type Breach struct {
	Guardrail Guardrail `json:"guardrail"`
	Value     float64   `json:"value"`
	Reason    string    `json:"reason"`
}

// Status is the evaluated state of a single guardrail, breached or not.
type Status struct {
	Guardrail Guardrail `json:"guardrail"`
	Value     float64   `json:"value"`
	State     Decision  `json:"state"`
	Err       string    `json:"error,omitempty"`
}

// Report is the full evaluation outcome: every guardrail's status, every
// breach (one breach never suppresses another), and the strongest decision.
type Report struct {
	Decision Decision `json:"decision"`
	Version  int64    `json:"version"`
	Statuses []Status `json:"statuses"`
	Breaches []Breach `json:"breaches"`
}

var (
	ErrUnknownOp     = errors.New("unknown_guardrail_op")
	ErrUnknownAction = errors.New("unknown_guardrail_action")
)
