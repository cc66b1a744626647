package market

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 2026-01-05 is a Monday; 2026-01-01 is a Thursday.
func newTestCalendar() *Calendar {
	return NewCalendar([]string{"2026-01-01", "2026-01-19"})
}

func eastern(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, NewYork)
}

func TestIsOpenAt(t *testing.T) {
	c := newTestCalendar()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", eastern(2026, 1, 5, 9, 29), false},
		{"at open", eastern(2026, 1, 5, 9, 30), true},
		{"midday", eastern(2026, 1, 5, 12, 0), true},
		{"last minute", eastern(2026, 1, 5, 15, 59), true},
		{"at close", eastern(2026, 1, 5, 16, 0), false},
		{"saturday", eastern(2026, 1, 3, 12, 0), false},
		{"sunday", eastern(2026, 1, 4, 12, 0), false},
		{"holiday", eastern(2026, 1, 1, 12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsOpenAt(tt.at); got != tt.want {
				t.Errorf("IsOpenAt(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestStatusAt(t *testing.T) {
	c := newTestCalendar()

	tests := []struct {
		name string
		at   time.Time
		want Status
	}{
		{"open session", eastern(2026, 1, 5, 10, 0), StatusOpen},
		{"after hours", eastern(2026, 1, 5, 18, 0), StatusClosed},
		{"weekend", eastern(2026, 1, 3, 10, 0), StatusClosed},
		{"holiday", eastern(2026, 1, 1, 10, 0), StatusHoliday},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.StatusAt(tt.at); got != tt.want {
				t.Errorf("StatusAt(%v) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func TestNextOpen(t *testing.T) {
	c := newTestCalendar()

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"inside session returns the instant", eastern(2026, 1, 5, 11, 0), eastern(2026, 1, 5, 11, 0)},
		{"pre-open same day", eastern(2026, 1, 5, 7, 0), eastern(2026, 1, 5, 9, 30)},
		{"after close rolls to next day", eastern(2026, 1, 5, 17, 0), eastern(2026, 1, 6, 9, 30)},
		{"friday evening skips the weekend", eastern(2026, 1, 2, 18, 0), eastern(2026, 1, 5, 9, 30)},
		{"saturday skips to monday", eastern(2026, 1, 3, 12, 0), eastern(2026, 1, 5, 9, 30)},
		{"holiday skips to next trading day", eastern(2026, 1, 1, 10, 0), eastern(2026, 1, 2, 9, 30)},
		{"friday before holiday monday", eastern(2026, 1, 16, 20, 0), eastern(2026, 1, 20, 9, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.NextOpen(tt.from)
			if !got.Equal(tt.want) {
				t.Errorf("NextOpen(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestIsTradingDay(t *testing.T) {
	c := newTestCalendar()

	if c.IsTradingDay(eastern(2026, 1, 3, 12, 0)) {
		t.Error("saturday counted as a trading day")
	}
	if c.IsTradingDay(eastern(2026, 1, 19, 12, 0)) {
		t.Error("configured holiday counted as a trading day")
	}
	if !c.IsTradingDay(eastern(2026, 1, 5, 12, 0)) {
		t.Error("regular monday not counted as a trading day")
	}
}

// Property: For any instant, NextOpen lands inside an open session and
// never before the instant itself.
func TestProperty_NextOpenAlwaysInSession(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	c := newTestCalendar()
	base := eastern(2026, 1, 1, 0, 0)

	properties.Property("NextOpen is in-session and monotonic", prop.ForAll(
		func(offsetMinutes int) bool {
			at := base.Add(time.Duration(offsetMinutes) * time.Minute)

			open := c.NextOpen(at)
			if !c.IsOpenAt(open) {
				t.Logf("NextOpen(%v) = %v is not inside an open session", at, open)
				return false
			}
			if open.Before(at) {
				t.Logf("NextOpen(%v) = %v is in the past", at, open)
				return false
			}
			return true
		},
		gen.IntRange(0, 60*24*60), // two months of minutes
	))

	properties.TestingRun(t)
}
