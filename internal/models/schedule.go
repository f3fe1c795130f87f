package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "MINUTES"
	UnitHours   IntervalUnit = "HOURS"
	UnitDays    IntervalUnit = "DAYS"
	UnitWeeks   IntervalUnit = "WEEKS"
	UnitMonths  IntervalUnit = "MONTHS"
	UnitYears   IntervalUnit = "YEARS"
)

// Schedule is a fixed repeat interval. Months and years are calendar-naive:
// a month is 30 days and a year is 365 days.
type Schedule struct {
	IntervalCount int          `json:"intervalCount"`
	IntervalUnit  IntervalUnit `json:"intervalUnit"`
}

func (s Schedule) Duration() (time.Duration, error) {
	if s.IntervalCount <= 0 {
		return 0, fmt.Errorf("interval count must be positive, got %d", s.IntervalCount)
	}
	var unit time.Duration
	switch IntervalUnit(strings.ToUpper(string(s.IntervalUnit))) {
	case UnitMinutes:
		unit = time.Minute
	case UnitHours:
		unit = time.Hour
	case UnitDays:
		unit = 24 * time.Hour
	case UnitWeeks:
		unit = 7 * 24 * time.Hour
	case UnitMonths:
		unit = 30 * 24 * time.Hour
	case UnitYears:
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown interval unit %q", s.IntervalUnit)
	}
	if int64(s.IntervalCount) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("interval %d %s is too long", s.IntervalCount, s.IntervalUnit)
	}
	return time.Duration(s.IntervalCount) * unit, nil
}
