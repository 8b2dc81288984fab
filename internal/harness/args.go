package harness

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/routinesync/internal/model"
)

// args reads step arguments decoded from YAML.
type args map[string]any

func (a args) has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a args) str(key string) string {
	return a.strOr(key, "")
}

func (a args) strOr(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(time.DateOnly)
	default:
		return fmt.Sprint(x)
	}
}

func (a args) boolOr(key string, def bool) bool {
	switch x := a[key].(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(x); err == nil {
			return b
		}
	}
	return def
}

func (a args) intOr(key string, def int) int {
	switch x := a[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return def
}

func (a args) strings(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// date parses an optional YYYY-MM-DD argument.
func (a args) date(key string) (model.Date, error) {
	s := a.str(key)
	if s == "" {
		return model.Date{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return model.Date{}, model.NewValidationError(key, err.Error())
	}
	return d, nil
}

func (a args) datePtr(key string) (*model.Date, error) {
	d, err := a.date(key)
	if err != nil || d.IsZero() {
		return nil, err
	}
	return &d, nil
}

func (a args) clockTimePtr(key string) (*model.ClockTime, error) {
	s := a.str(key)
	if s == "" {
		return nil, nil
	}
	c, err := model.ParseClockTime(s)
	if err != nil {
		return nil, model.NewValidationError(key, err.Error())
	}
	return &c, nil
}

// fields builds creation input. Cadence defaults to DAILY and timezone
// to UTC.
func (a args) fields() (model.RoutineFields, error) {
	start, err := a.date("start_date")
	if err != nil {
		return model.RoutineFields{}, err
	}
	end, err := a.datePtr("end_date")
	if err != nil {
		return model.RoutineFields{}, err
	}
	notifyTime, err := a.clockTimePtr("notify_time")
	if err != nil {
		return model.RoutineFields{}, err
	}
	return model.RoutineFields{
		Name:          a.str("name"),
		Cadence:       model.Cadence(a.strOr("cadence", string(model.CadenceDaily))),
		StartDate:     start,
		EndDate:       end,
		NotifyEnabled: a.boolOr("notify_enabled", false),
		NotifyTime:    notifyTime,
		Timezone:      a.strOr("timezone", model.DefaultTimezone),
		Tags:          a.strings("tags"),
	}, nil
}

// patch builds a partial update from the keys present. A null end_date
// or notify_time clears the field.
func (a args) patch() (model.RoutinePatch, error) {
	var p model.RoutinePatch
	if a.has("name") {
		name := a.str("name")
		p.Name = &name
	}
	if a.has("cadence") {
		c := model.Cadence(a.str("cadence"))
		p.Cadence = &c
	}
	if a.has("start_date") {
		d, err := a.date("start_date")
		if err != nil {
			return p, err
		}
		p.StartDate = &d
	}
	if a.has("end_date") {
		if a["end_date"] == nil {
			p.ClearEndDate = true
		} else {
			d, err := a.datePtr("end_date")
			if err != nil {
				return p, err
			}
			p.EndDate = d
		}
	}
	if a.has("notify_enabled") {
		b := a.boolOr("notify_enabled", false)
		p.NotifyEnabled = &b
	}
	if a.has("notify_time") {
		if a["notify_time"] == nil {
			p.ClearNotifyTime = true
		} else {
			c, err := a.clockTimePtr("notify_time")
			if err != nil {
				return p, err
			}
			p.NotifyTime = c
		}
	}
	if a.has("timezone") {
		tz := a.str("timezone")
		p.Timezone = &tz
	}
	if a.has("tags") {
		p.Tags = a.strings("tags")
		if p.Tags == nil {
			p.Tags = []string{}
		}
	}
	return p, nil
}
