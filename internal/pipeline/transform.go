package pipeline

import (
	"github.com/couchcryptid/rainwatch/internal/domain"
)

// Evaluation is the per-cycle fold of observations into verdicts and log rows.
type Evaluation struct {
	Verdicts []domain.AlertVerdict
	Rows     []domain.ObservationRow
	Alerts   int
	Failures int
}

// Evaluate decides every observation in order. Failed lookups produce a
// verdict but no log row.
func Evaluate(observations []domain.Observation, policy domain.Policy) Evaluation {
	ev := Evaluation{
		Verdicts: make([]domain.AlertVerdict, 0, len(observations)),
		Rows:     make([]domain.ObservationRow, 0, len(observations)),
	}
	for _, obs := range observations {
		v := domain.Decide(obs, policy)
		ev.Verdicts = append(ev.Verdicts, v)
		if v.IsAlert {
			ev.Alerts++
		}
		if obs.ProviderError {
			ev.Failures++
		}
		if row, ok := domain.RowFromObservation(obs); ok {
			ev.Rows = append(ev.Rows, row)
		}
	}
	return ev
}
