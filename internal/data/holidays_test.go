package data

import (
	"testing"
	"time"
)

func TestIsHoliday(t *testing.T) {
	table, err := NewHolidayTable([]HolidayEntry{
		{Name: "midsummer", StartMonth: 6, StartDay: 20, EndMonth: 6, EndDay: 25},
		{Name: "yearturn", StartMonth: 12, StartDay: 30, EndMonth: 1, EndDay: 2},
	})
	if err != nil {
		t.Fatalf("NewHolidayTable() error: %v", err)
	}

	at := func(m time.Month, d int) time.Time {
		return time.Date(2026, m, d, 12, 0, 0, 0, time.UTC)
	}
	if !table.IsHoliday("midsummer", at(time.June, 22)) {
		t.Error("June 22 should be midsummer")
	}
	if table.IsHoliday("midsummer", at(time.June, 26)) {
		t.Error("June 26 should not be midsummer")
	}
	if !table.IsHoliday("yearturn", at(time.December, 31)) {
		t.Error("Dec 31 should be inside the wrapping range")
	}
	if !table.IsHoliday("yearturn", at(time.January, 1)) {
		t.Error("Jan 1 should be inside the wrapping range")
	}
	if table.IsHoliday("yearturn", at(time.July, 1)) {
		t.Error("July 1 should not be yearturn")
	}
	if table.IsHoliday("unknown", at(time.June, 22)) {
		t.Error("unknown holiday names are never in effect")
	}
}

func TestNewHolidayTableRejectsBadEntries(t *testing.T) {
	if _, err := NewHolidayTable([]HolidayEntry{{Name: "", StartMonth: 1, StartDay: 1, EndMonth: 1, EndDay: 1}}); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := NewHolidayTable([]HolidayEntry{{Name: "x", StartMonth: 13, StartDay: 1, EndMonth: 1, EndDay: 1}}); err == nil {
		t.Error("month 13 should be rejected")
	}
}
