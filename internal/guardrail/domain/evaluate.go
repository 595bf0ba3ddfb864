package domain

import "fmt"

// Evaluate checks every guardrail in the snapshot against the supplied KPI
// values. It is a pure function: same snapshot and aggregates, same report.
// Guardrails are independent; every breach is reported, and the overall
// decision is the strongest action among them (Rollback over Block over OK).
// A guardrail whose KPI has no value is reported with an error and does not
// breach.
func Evaluate(snapshot *Snapshot, aggregates map[string]float64) Report {
	report := Report{Decision: DecisionOK}
	if snapshot == nil {
		return report
	}
	report.Version = snapshot.Version

	for _, g := range snapshot.Guardrail {
		value, ok := aggregates[g.KPI]
		if !ok {
			report.Statuses = append(report.Statuses, Status{
				Guardrail: g,
				State:     DecisionOK,
				Err:       "kpi value unavailable",
			})
			continue
		}

		breached, err := g.Op.Compare(value, g.Limit)
		if err != nil {
			report.Statuses = append(report.Statuses, Status{
				Guardrail: g,
				Value:     value,
				State:     DecisionOK,
				Err:       err.Error(),
			})
			continue
		}
		if !breached {
			report.Statuses = append(report.Statuses, Status{
				Guardrail: g,
				Value:     value,
				State:     DecisionOK,
			})
			continue
		}

		state := DecisionBlock
		if g.Action == ActionRollback {
			state = DecisionRollback
		}
		report.Statuses = append(report.Statuses, Status{
			Guardrail: g,
			Value:     value,
			State:     state,
		})
		report.Breaches = append(report.Breaches, Breach{
			Guardrail: g,
			Value:     value,
			Reason:    fmt.Sprintf("%s: value %g %s limit %g", g.Name, value, g.Op, g.Limit),
		})
		if state == DecisionRollback || report.Decision == DecisionOK {
			report.Decision = state
		}
	}
	return report
}
