// Package market provides trading-day and market-hours checks for US
// equity markets.
package market

import (
	"time"
)

// Status represents the current market status.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusHoliday Status = "HOLIDAY"
)

// Regular session bounds, minutes from midnight Eastern.
const (
	openMinute  = 9*60 + 30 // 9:30
	closeMinute = 16 * 60   // 16:00
)

// NewYork is the exchange timezone.
var NewYork *time.Location

func init() {
	var err error
	NewYork, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback to fixed EST; DST drift is acceptable when tzdata is missing
		NewYork = time.FixedZone("EST", -5*60*60)
	}
}

// Calendar answers trading-day questions. Holidays come from
// configuration, not from the calendar itself.
type Calendar struct {
	holidays map[string]bool
}

// NewCalendar builds a calendar from a list of holiday dates in
// YYYY-MM-DD form.
func NewCalendar(holidays []string) *Calendar {
	m := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		m[h] = true
	}
	return &Calendar{holidays: m}
}

// IsHoliday reports whether the date is a configured holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(NewYork).Format("2006-01-02")]
}

// IsTradingDay reports whether the date is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	day := t.In(NewYork)
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(day)
}

// IsOpenAt reports whether the regular session is open at t.
func (c *Calendar) IsOpenAt(t time.Time) bool {
	now := t.In(NewYork)
	if !c.IsTradingDay(now) {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= openMinute && minutes < closeMinute
}

// StatusAt returns the market status at t.
func (c *Calendar) StatusAt(t time.Time) Status {
	now := t.In(NewYork)
	if c.IsHoliday(now) {
		return StatusHoliday
	}
	if c.IsOpenAt(now) {
		return StatusOpen
	}
	return StatusClosed
}

// NextOpen returns the earliest in-session instant at or after t.
// Inside a session it returns t itself; otherwise the next session's
// open, skipping weekends and holidays.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	now := t.In(NewYork)

	if c.IsOpenAt(now) {
		return now
	}

	day := now
	minutes := now.Hour()*60 + now.Minute()
	if !c.IsTradingDay(day) || minutes >= closeMinute {
		day = day.AddDate(0, 0, 1)
	}
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, NewYork)
}

// SessionClose returns the close time of the session containing or
// preceding t's date.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	now := t.In(NewYork)
	return time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, NewYork)
}
