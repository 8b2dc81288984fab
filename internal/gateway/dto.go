package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/routinesync/internal/model"
)

// RoutineDTO is the wire projection of a routine.
type RoutineDTO struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Cadence       model.Cadence    `json:"cadence"`
	StartDate     model.Date       `json:"startDate"`
	EndDate       *model.Date      `json:"endDate,omitempty"`
	NotifyEnabled bool             `json:"notifyEnabled"`
	NotifyTime    *model.ClockTime `json:"notifyTime,omitempty"`
	Timezone      string           `json:"timezone"`
	Tags          []string         `json:"tags"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Routine converts the wire form to a cache row. UpdatedAt is left for the
// cache to stamp. Tags are normalized so the cached form is canonical.
func (d RoutineDTO) Routine() model.Routine {
	r := model.Routine{
		ID:            d.ID,
		Name:          d.Name,
		Cadence:       d.Cadence,
		StartDate:     d.StartDate,
		NotifyEnabled: d.NotifyEnabled,
		Timezone:      d.Timezone,
		Tags:          model.NormalizeTags(d.Tags),
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if d.EndDate != nil {
		end := *d.EndDate
		r.EndDate = &end
	}
	if d.NotifyTime != nil {
		at := *d.NotifyTime
		r.NotifyTime = &at
	}
	return r
}

// DTOFromRoutine converts a routine to its wire form.
func DTOFromRoutine(r model.Routine) RoutineDTO {
	c := r.Clone()
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return RoutineDTO{
		ID:            c.ID,
		Name:          c.Name,
		Cadence:       c.Cadence,
		StartDate:     c.StartDate,
		EndDate:       c.EndDate,
		NotifyEnabled: c.NotifyEnabled,
		NotifyTime:    c.NotifyTime,
		Timezone:      c.Timezone,
		Tags:          tags,
		CreatedAt:     c.CreatedAt.UTC(),
	}
}

// CreateRoutineRequest is the body of POST /routines.
type CreateRoutineRequest struct {
	Name          string           `json:"name"`
	Cadence       model.Cadence    `json:"cadence"`
	StartDate     model.Date       `json:"startDate"`
	EndDate       *model.Date      `json:"endDate,omitempty"`
	NotifyEnabled bool             `json:"notifyEnabled"`
	NotifyTime    *model.ClockTime `json:"notifyTime,omitempty"`
	Timezone      string           `json:"timezone"`
	Tags          []string         `json:"tags"`
}

// NewCreateRoutineRequest builds the request from validated fields.
func NewCreateRoutineRequest(f model.RoutineFields) CreateRoutineRequest {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	return CreateRoutineRequest{
		Name:          f.Name,
		Cadence:       f.Cadence,
		StartDate:     f.StartDate,
		EndDate:       f.EndDate,
		NotifyEnabled: f.NotifyEnabled,
		NotifyTime:    f.NotifyTime,
		Timezone:      f.Timezone,
		Tags:          tags,
	}
}

// Fields converts the request back to creation input.
func (c CreateRoutineRequest) Fields() model.RoutineFields {
	return model.RoutineFields{
		Name:          c.Name,
		Cadence:       c.Cadence,
		StartDate:     c.StartDate,
		EndDate:       c.EndDate,
		NotifyEnabled: c.NotifyEnabled,
		NotifyTime:    c.NotifyTime,
		Timezone:      c.Timezone,
		Tags:          c.Tags,
	}
}

// CreateRoutineResponse is the reply to POST /routines.
type CreateRoutineResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListRoutinesResponse is the reply to GET /routines.
type ListRoutinesResponse struct {
	Items []RoutineDTO `json:"items"`
}

// UpdateRoutineRequest is the body of POST /routines/update. Only the
// fields set in Patch are sent; a cleared optional field is sent as null.
type UpdateRoutineRequest struct {
	ID    string
	Patch model.RoutinePatch
}

// MarshalJSON writes id plus the changed fields only.
func (u UpdateRoutineRequest) MarshalJSON() ([]byte, error) {
	p := u.Patch
	m := map[string]any{"id": u.ID}
	if p.Name != nil {
		m["name"] = *p.Name
	}
	if p.Cadence != nil {
		m["cadence"] = *p.Cadence
	}
	if p.StartDate != nil {
		m["startDate"] = *p.StartDate
	}
	switch {
	case p.ClearEndDate:
		m["endDate"] = nil
	case p.EndDate != nil:
		m["endDate"] = *p.EndDate
	}
	if p.NotifyEnabled != nil {
		m["notifyEnabled"] = *p.NotifyEnabled
	}
	switch {
	case p.ClearNotifyTime:
		m["notifyTime"] = nil
	case p.NotifyTime != nil:
		m["notifyTime"] = *p.NotifyTime
	}
	if p.Timezone != nil {
		m["timezone"] = *p.Timezone
	}
	if p.Tags != nil {
		m["tags"] = p.Tags
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads a partial update. Absent keys stay unchanged; null
// clears the optional end date and notify time.
func (u *UpdateRoutineRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out UpdateRoutineRequest
	if err := decodeField(raw, "id", &out.ID); err != nil {
		return err
	}
	p := &out.Patch
	if err := decodeOptional(raw, "name", &p.Name); err != nil {
		return err
	}
	if err := decodeOptional(raw, "cadence", &p.Cadence); err != nil {
		return err
	}
	if err := decodeOptional(raw, "startDate", &p.StartDate); err != nil {
		return err
	}
	if v, ok := raw["endDate"]; ok {
		if isNull(v) {
			p.ClearEndDate = true
		} else if err := decodeOptional(raw, "endDate", &p.EndDate); err != nil {
			return err
		}
	}
	if err := decodeOptional(raw, "notifyEnabled", &p.NotifyEnabled); err != nil {
		return err
	}
	if v, ok := raw["notifyTime"]; ok {
		if isNull(v) {
			p.ClearNotifyTime = true
		} else if err := decodeOptional(raw, "notifyTime", &p.NotifyTime); err != nil {
			return err
		}
	}
	if err := decodeOptional(raw, "timezone", &p.Timezone); err != nil {
		return err
	}
	if v, ok := raw["tags"]; ok && !isNull(v) {
		tags := []string{}
		if err := json.Unmarshal(v, &tags); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		p.Tags = tags
	}

	*u = out
	return nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// decodeOptional sets *dst to a new T when key is present and not null.
func decodeOptional[T any](raw map[string]json.RawMessage, key string, dst **T) error {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return nil
	}
	val := new(T)
	if err := json.Unmarshal(v, val); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = val
	return nil
}

func isNull(v json.RawMessage) bool {
	return string(v) == "null"
}

// DeleteRoutineRequest is the body of POST /routines/delete.
type DeleteRoutineRequest struct {
	ID string `json:"id"`
}

// OKResponse is the reply to update and delete.
type OKResponse struct {
	OK bool `json:"ok"`
}

// CompletionItem is one event of a complete-batch request.
type CompletionItem struct {
	RoutineID   string    `json:"routineId"`
	CompletedAt time.Time `json:"completedAt"`
	OpID        string    `json:"opId"`
}

// ItemFromPending converts a queue row to its wire form.
func ItemFromPending(p model.PendingMutation) CompletionItem {
	return CompletionItem{
		RoutineID:   p.RoutineID,
		CompletedAt: p.CompletedAt.UTC(),
		OpID:        p.OpID,
	}
}

// CompleteBatchRequest is the body of POST /routines/complete-batch.
type CompleteBatchRequest struct {
	Items []CompletionItem `json:"items"`
}

// CompleteBatchResponse is the reply to a complete-batch request.
// Processed counts the items the remote newly applied.
type CompleteBatchResponse struct {
	OK        bool `json:"ok"`
	Processed int  `json:"processed"`
}

// ErrorResponse is the body of a non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
