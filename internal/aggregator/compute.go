// Package aggregator turns per-region vote sums into quick-count percentages
// and publishes them.
package aggregator

import (
	"fmt"
	"math"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// Percentages share of each candidate in votes, rounded to 2 decimals.
// A zero total yields all zeros.
func Percentages(votes []int) []float64 {
	out := make([]float64, len(votes))
	total := 0
	for _, v := range votes {
		total += v
	}
	if total == 0 {
		return out
	}
	for i, v := range votes {
		out[i] = math.Round(float64(v)*10000/float64(total)) / 100
	}
	return out
}

// Compute one aggregate per region plus the synthetic All region, which is
// taken from the raw sums across regions rather than the rounded shares.
func Compute(eventID string, n int, regions []models.RegionVotes) []models.AggregateRecord {
	out := make([]models.AggregateRecord, 0, len(regions)+1)
	all := make([]int, n)

	for _, r := range regions {
		votes := fit(r.Votes, n)
		for i, v := range votes {
			all[i] += v
		}
		out = append(out, models.AggregateRecord{
			EventID:     eventID,
			Region:      r.Region,
			Percentages: Percentages(votes),
		})
	}

	return append(out, models.AggregateRecord{
		EventID:     eventID,
		Region:      models.RegionAll,
		Percentages: Percentages(all),
	})
}

// fit pads or truncates to n slots
func fit(votes []int, n int) []int {
	out := make([]int, n)
	copy(out, votes)
	return out
}

// Ratios element-wise parts[i]/totals[i] as a percentage, rounded to 2
// decimals. A zero total yields 0 for that slot.
func Ratios(parts, totals []int) ([]float64, error) {
	if len(parts) != len(totals) {
		return nil, fmt.Errorf("got %d parts and %d totals", len(parts), len(totals))
	}
	out := make([]float64, len(parts))
	for i := range parts {
		if totals[i] == 0 {
			continue
		}
		out[i] = math.Round(float64(parts[i])*10000/float64(totals[i])) / 100
	}
	return out, nil
}
