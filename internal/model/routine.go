package model

import (
	"slices"
	"time"
)

// Cadence is the recurrence of a routine.
//
// Cadence is stored and sent to the remote but does not filter activity:
// a routine is active every day between its start and end dates.
type Cadence string

const (
	CadenceDaily   Cadence = "DAILY"
	CadenceWeekly  Cadence = "WEEKLY"
	CadenceMonthly Cadence = "MONTHLY"
	CadenceYearly  Cadence = "YEARLY"
)

// ValidCadences lists the accepted cadence values.
var ValidCadences = []Cadence{CadenceDaily, CadenceWeekly, CadenceMonthly, CadenceYearly}

// Valid reports whether c is one of ValidCadences.
func (c Cadence) Valid() bool { return slices.Contains(ValidCadences, c) }

// DefaultTimezone is used when a routine is created without one.
const DefaultTimezone = "UTC"

// Routine is the cached copy of a remote routine definition.
type Routine struct {
	ID            string
	Name          string
	Cadence       Cadence
	StartDate     Date
	EndDate       *Date // nil = open ended
	NotifyEnabled bool
	NotifyTime    *ClockTime // required when NotifyEnabled
	Timezone      string     // IANA identifier
	Tags          []string   // canonical form, see NormalizeTags
	CreatedAt     time.Time  // remote creation instant
	UpdatedAt     time.Time  // local cache write time
}

// ActiveOn reports whether the routine counts toward the total on date d:
// d >= StartDate and (EndDate unset or d <= EndDate).
func (r Routine) ActiveOn(d Date) bool {
	if d.Before(r.StartDate) {
		return false
	}
	return r.EndDate == nil || !d.After(*r.EndDate)
}

// Clone returns a deep copy so snapshots never alias live rows.
func (r Routine) Clone() Routine {
	cp := r
	if r.EndDate != nil {
		end := *r.EndDate
		cp.EndDate = &end
	}
	if r.NotifyTime != nil {
		t := *r.NotifyTime
		cp.NotifyTime = &t
	}
	if r.Tags != nil {
		cp.Tags = slices.Clone(r.Tags)
	}
	return cp
}

// Fields returns the user-editable part of the routine.
func (r Routine) Fields() RoutineFields {
	c := r.Clone()
	return RoutineFields{
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

// RoutineFields is the input for creating a routine.
type RoutineFields struct {
	Name          string
	Cadence       Cadence
	StartDate     Date
	EndDate       *Date
	NotifyEnabled bool
	NotifyTime    *ClockTime
	Timezone      string
	Tags          []string
}

// Normalize returns a copy with canonical text, tags and timezone.
func (f RoutineFields) Normalize() RoutineFields {
	f.Name = NormalizeText(f.Name)
	f.Tags = NormalizeTags(f.Tags)
	if f.Timezone == "" {
		f.Timezone = DefaultTimezone
	}
	if !f.NotifyEnabled {
		f.NotifyTime = nil
	}
	return f
}

// Validate checks the local creation rules. It returns the first failure as
// a KindValidation *Error so no invalid input ever reaches the gateway.
func (f RoutineFields) Validate() error {
	if NormalizeText(f.Name) == "" {
		return NewValidationError("name", "must not be blank")
	}
	if !f.Cadence.Valid() {
		return NewValidationError("cadence", "must be one of DAILY, WEEKLY, MONTHLY, YEARLY")
	}
	if f.StartDate.IsZero() {
		return NewValidationError("startDate", "is required")
	}
	if f.EndDate != nil && f.EndDate.Before(f.StartDate) {
		return NewValidationError("endDate", "must not be before startDate")
	}
	if f.NotifyEnabled && f.NotifyTime == nil {
		return NewValidationError("notifyTime", "is required when notifications are enabled")
	}
	if f.Timezone != "" {
		if _, err := time.LoadLocation(f.Timezone); err != nil {
			return NewValidationError("timezone", "unknown IANA timezone "+f.Timezone)
		}
	}
	return nil
}

// RoutinePatch is a partial update. Nil pointers mean "unchanged"; the Clear
// flags reset the optional fields.
type RoutinePatch struct {
	Name            *string
	Cadence         *Cadence
	StartDate       *Date
	EndDate         *Date
	ClearEndDate    bool
	NotifyEnabled   *bool
	NotifyTime      *ClockTime
	ClearNotifyTime bool
	Timezone        *string
	Tags            []string // nil = unchanged, empty = clear
}

// IsEmpty reports whether the patch changes nothing.
func (p RoutinePatch) IsEmpty() bool {
	return p.Name == nil && p.Cadence == nil && p.StartDate == nil &&
		p.EndDate == nil && !p.ClearEndDate && p.NotifyEnabled == nil &&
		p.NotifyTime == nil && !p.ClearNotifyTime && p.Timezone == nil && p.Tags == nil
}

// Apply merges the patch onto r and returns the target row. r is not modified.
func (p RoutinePatch) Apply(r Routine) Routine {
	out := r.Clone()
	if p.Name != nil {
		out.Name = NormalizeText(*p.Name)
	}
	if p.Cadence != nil {
		out.Cadence = *p.Cadence
	}
	if p.StartDate != nil {
		out.StartDate = *p.StartDate
	}
	if p.ClearEndDate {
		out.EndDate = nil
	} else if p.EndDate != nil {
		end := *p.EndDate
		out.EndDate = &end
	}
	if p.NotifyEnabled != nil {
		out.NotifyEnabled = *p.NotifyEnabled
	}
	if p.ClearNotifyTime {
		out.NotifyTime = nil
	} else if p.NotifyTime != nil {
		t := *p.NotifyTime
		out.NotifyTime = &t
	}
	if p.Timezone != nil {
		out.Timezone = *p.Timezone
	}
	if p.Tags != nil {
		out.Tags = NormalizeTags(p.Tags)
	}
	return out
}

// Normalize returns a copy with canonical name and tags, so the patch sent
// to the remote matches the row written locally.
func (p RoutinePatch) Normalize() RoutinePatch {
	if p.Name != nil {
		name := NormalizeText(*p.Name)
		p.Name = &name
	}
	if p.Tags != nil {
		p.Tags = NormalizeTags(p.Tags)
	}
	return p
}
