package stats

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/roach88/routinesync/internal/model"
)

const maxPercent = 100

var hundred = decimal.NewFromInt(100)

// Compute builds the monthly projection from cached rows.
//
// A routine counts toward a day's total when it is active on that day
// (start <= day and, if set, day <= end); cadence does not filter. A day's
// count is the number of distinct routines with a completed mark on it.
// Marks outside month are ignored.
//
// Compute is pure: equal inputs give equal outputs.
func Compute(routines []model.Routine, marks []model.CompletionMark, month model.Month, tz string) model.StatisticsResponse {
	days := month.Days()
	first := month.First()

	// completed[routineID][dayIndex]
	completed := make(map[string][]bool)
	for _, m := range marks {
		if !m.Completed || !month.Contains(m.Date) {
			continue
		}
		v, ok := completed[m.RoutineID]
		if !ok {
			v = make([]bool, days)
			completed[m.RoutineID] = v
		}
		v[m.Date.Day-1] = true
	}

	heatmap := make([]model.HeatmapDay, days)
	for i := range days {
		date := first.AddDays(i)
		total := 0
		for _, r := range routines {
			if r.ActiveOn(date) {
				total++
			}
		}
		count := 0
		for _, v := range completed {
			if v[i] {
				count++
			}
		}
		heatmap[i] = model.HeatmapDay{
			Date:    date,
			Count:   count,
			Total:   total,
			Percent: Percent(count, total),
		}
	}

	sorted := slices.Clone(routines)
	slices.SortFunc(sorted, func(a, b model.Routine) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})

	vectors := make([]model.RoutineDays, 0, len(sorted))
	for _, r := range sorted {
		vec := make([]int, days)
		if v, ok := completed[r.ID]; ok {
			for i, done := range v {
				if done {
					vec[i] = 1
				}
			}
		}
		vectors = append(vectors, model.RoutineDays{RoutineID: r.ID, Name: r.Name, Days: vec})
	}

	return model.StatisticsResponse{
		Range: model.StatisticsRange{
			From:        first,
			ToExclusive: month.Next().First(),
			TZ:          tz,
		},
		Heatmap:  heatmap,
		Routines: vectors,
	}
}

// Percent returns round(count*100/total) clamped to [0,100], and 0 when
// total is 0. Halves round up.
func Percent(count, total int) int {
	if total <= 0 {
		return 0
	}
	p := decimal.NewFromInt(int64(count)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(total))).
		Round(0).
		IntPart()
	return int(max(0, min(p, maxPercent)))
}
