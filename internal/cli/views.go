package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/roach88/routinesync/internal/model"
)

// RoutineView is the JSON form of a routine.
type RoutineView struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Cadence       model.Cadence    `json:"cadence"`
	StartDate     model.Date       `json:"start_date"`
	EndDate       *model.Date      `json:"end_date,omitempty"`
	NotifyEnabled bool             `json:"notify_enabled"`
	NotifyTime    *model.ClockTime `json:"notify_time,omitempty"`
	Timezone      string           `json:"timezone"`
	Tags          []string         `json:"tags"`
}

func routineView(r model.Routine) RoutineView {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return RoutineView{
		ID:            r.ID,
		Name:          r.Name,
		Cadence:       r.Cadence,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		NotifyEnabled: r.NotifyEnabled,
		NotifyTime:    r.NotifyTime,
		Timezone:      r.Timezone,
		Tags:          tags,
	}
}

func routineViews(rs []model.Routine) []RoutineView {
	out := make([]RoutineView, len(rs))
	for i, r := range rs {
		out[i] = routineView(r)
	}
	return out
}

// writeRoutineLine prints one routine as a table row.
func writeRoutineLine(w io.Writer, r RoutineView) {
	end := "-"
	if r.EndDate != nil {
		end = r.EndDate.String()
	}
	fmt.Fprintf(w, "%-12s %-24s %-8s %s..%s", r.ID, r.Name, r.Cadence, r.StartDate, end)
	if len(r.Tags) > 0 {
		fmt.Fprintf(w, " [%s]", strings.Join(r.Tags, ", "))
	}
	fmt.Fprintln(w)
}

// writeRoutineDetail prints every field of a routine.
func writeRoutineDetail(w io.Writer, r RoutineView) {
	fmt.Fprintf(w, "ID:        %s\n", r.ID)
	fmt.Fprintf(w, "Name:      %s\n", r.Name)
	fmt.Fprintf(w, "Cadence:   %s\n", r.Cadence)
	fmt.Fprintf(w, "Start:     %s\n", r.StartDate)
	if r.EndDate != nil {
		fmt.Fprintf(w, "End:       %s\n", r.EndDate)
	}
	if r.NotifyEnabled && r.NotifyTime != nil {
		fmt.Fprintf(w, "Notify:    %s\n", r.NotifyTime)
	}
	fmt.Fprintf(w, "Timezone:  %s\n", r.Timezone)
	if len(r.Tags) > 0 {
		fmt.Fprintf(w, "Tags:      %s\n", strings.Join(r.Tags, ", "))
	}
}
