package services

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"coldreach/models"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// SendWindow restricts sends to [Start, End) minutes of the day on the allowed weekdays,
// evaluated in Location.
type SendWindow struct {
	Days     [7]bool
	Start    int
	End      int
	Location *time.Location
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time '%s', expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseSendWindow validates a profile's schedule fields
func ParseSendWindow(p *models.SendingProfile) (*SendWindow, error) {
	w := &SendWindow{}
	for _, part := range strings.Split(p.ScheduleDays, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		day, ok := weekdayNames[part]
		if !ok {
			return nil, NewValidationError("invalid schedule day '%s'", part)
		}
		w.Days[day] = true
	}
	allowed := false
	for _, d := range w.Days {
		allowed = allowed || d
	}
	if !allowed {
		return nil, NewValidationError("schedule must allow at least one day")
	}

	var err error
	if w.Start, err = parseClock(p.ScheduleStart); err != nil {
		return nil, NewValidationError("schedule_start: %v", err)
	}
	if w.End, err = parseClock(p.ScheduleEnd); err != nil {
		return nil, NewValidationError("schedule_end: %v", err)
	}
	if w.Start >= w.End {
		return nil, NewValidationError("schedule_start must be before schedule_end")
	}

	tz := p.ScheduleTimezone
	if tz == "" {
		tz = "UTC"
	}
	if w.Location, err = time.LoadLocation(tz); err != nil {
		return nil, NewValidationError("unknown timezone '%s'", tz)
	}
	return w, nil
}

func (w *SendWindow) bounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, w.Start/60, w.Start%60, 0, 0, w.Location)
	end := time.Date(y, m, d, w.End/60, w.End%60, 0, 0, w.Location)
	return start, end
}

// Contains reports whether t falls inside the window
func (w *SendWindow) Contains(t time.Time) bool {
	local := t.In(w.Location)
	if !w.Days[local.Weekday()] {
		return false
	}
	start, end := w.bounds(local)
	return !local.Before(start) && local.Before(end)
}

// Next returns t when it is inside the window, otherwise the next window opening after t
func (w *SendWindow) Next(t time.Time) time.Time {
	local := t.In(w.Location)
	for i := 0; i <= 7; i++ {
		y, m, d := local.Date()
		day := time.Date(y, m, d+i, 12, 0, 0, 0, w.Location)
		if !w.Days[day.Weekday()] {
			continue
		}
		start, end := w.bounds(day)
		if i == 0 {
			if local.Before(start) {
				return start.UTC()
			}
			if local.Before(end) {
				return t
			}
			continue
		}
		return start.UTC()
	}
	// unreachable with at least one allowed day
	return t
}
