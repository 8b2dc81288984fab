package model

import "time"

// CompletionMark records whether a routine was completed on a calendar day.
// Key: (Owner, RoutineID, Date). Upserted, never incremented.
type CompletionMark struct {
	Owner     OwnerKey
	RoutineID string
	Date      Date
	Completed bool
	Synced    bool
	UpdatedAt time.Time
}

// PendingMutation is a durable, not-yet-confirmed completion event.
//
// OpID is the idempotency key: the remote treats a repeated OpID as a no-op
// success. Seq is the local arrival order used for FIFO draining.
type PendingMutation struct {
	Seq         int64
	OpID        string
	Owner       OwnerKey
	RoutineID   string
	CompletedAt time.Time // UTC
	LocalDate   Date      // the mark this event confirms
	EnqueuedAt  time.Time
}

// StatisticsSnapshot caches a raw remote monthly response for offline
// fallback display. It is never the primary statistics path.
type StatisticsSnapshot struct {
	Month      Month
	Timezone   string
	OwnerScope OwnerKey
	Payload    []byte
	FetchedAt  time.Time
}

// StatisticsRange is the half-open date range covered by a response.
type StatisticsRange struct {
	From        Date   `json:"from"`
	ToExclusive Date   `json:"toExclusive"`
	TZ          string `json:"tz"`
}

// HeatmapDay is the completion ratio summary of one day.
type HeatmapDay struct {
	Date    Date `json:"date"`
	Count   int  `json:"count"`
	Total   int  `json:"total"`
	Percent int  `json:"percent"`
}

// RoutineDays is the per-day 0/1 completion vector of one routine.
type RoutineDays struct {
	RoutineID string `json:"routineId"`
	Name      string `json:"name"`
	Days      []int  `json:"days"`
}

// StatisticsResponse is the monthly completion projection, identical in shape
// to the remote completions-monthly response.
type StatisticsResponse struct {
	Range    StatisticsRange `json:"range"`
	Heatmap  []HeatmapDay    `json:"heatmap"`
	Routines []RoutineDays   `json:"routines"`
}
