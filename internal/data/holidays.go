// Package data loads static lookup tables shipped with the server.
package data

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HolidayEntry is one named holiday with fixed month/day bounds. Years
// repeat; multi-day holidays span start..end inclusive.
type HolidayEntry struct {
	Name       string `yaml:"name"`
	StartMonth int    `yaml:"start_month"`
	StartDay   int    `yaml:"start_day"`
	EndMonth   int    `yaml:"end_month"`
	EndDay     int    `yaml:"end_day"`
}

// HolidayTable answers Holiday piece queries. Zero value: no holidays.
type HolidayTable struct {
	byName map[string][]HolidayEntry
}

// LoadHolidays reads a YAML holiday list.
func LoadHolidays(path string) (*HolidayTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holidays %s: %w", path, err)
	}
	var entries []HolidayEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse holidays %s: %w", path, err)
	}
	return NewHolidayTable(entries)
}

// NewHolidayTable validates and indexes holiday entries.
func NewHolidayTable(entries []HolidayEntry) (*HolidayTable, error) {
	t := &HolidayTable{byName: make(map[string][]HolidayEntry)}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("holiday %d: empty name", i)
		}
		if e.StartMonth < 1 || e.StartMonth > 12 || e.EndMonth < 1 || e.EndMonth > 12 ||
			e.StartDay < 1 || e.StartDay > 31 || e.EndDay < 1 || e.EndDay > 31 {
			return nil, fmt.Errorf("holiday %d (%s): bad date bounds", i, e.Name)
		}
		t.byName[e.Name] = append(t.byName[e.Name], e)
	}
	return t, nil
}

// IsHoliday reports whether the named holiday is in effect at the
// given instant (UTC calendar).
func (t *HolidayTable) IsHoliday(name string, at time.Time) bool {
	if t == nil || t.byName == nil {
		return false
	}
	u := at.UTC()
	day := int(u.Month())*100 + u.Day()
	for _, e := range t.byName[name] {
		start := e.StartMonth*100 + e.StartDay
		end := e.EndMonth*100 + e.EndDay
		if start <= end {
			if day >= start && day <= end {
				return true
			}
		} else if day >= start || day <= end { // wraps the new year
			return true
		}
	}
	return false
}
