package aggregate

import (
	"fmt"

	"github.com/couchcryptid/rainwatch/internal/domain"
)

type rollupKey struct {
	site   string
	period string
}

// BuildRollup recomputes the monthly rollup from a full log. Entries appear in
// order of first appearance of their (site, period) pair. LastUpdateTime is
// taken from the last row of each group in log order.
func BuildRollup(rows []domain.ObservationRow) ([]domain.RollupEntry, error) {
	index := make(map[rollupKey]int)
	var out []domain.RollupEntry

	for _, r := range rows {
		period, err := r.PeriodKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRow, err)
		}
		k := rollupKey{site: r.SiteName, period: period}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, domain.RollupEntry{SiteName: r.SiteName, PeriodKey: period})
		}
		out[i].AccumulatedPrecipMM += r.PrecipNowMM
		out[i].LastUpdateTime = r.Date + " " + r.Time
	}
	return out, nil
}

// ValidateRows checks that every row carries a parseable date.
func ValidateRows(rows []domain.ObservationRow) error {
	for _, r := range rows {
		if _, err := r.PeriodKey(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRow, err)
		}
	}
	return nil
}
