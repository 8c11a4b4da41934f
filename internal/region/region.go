// Package region holds the static per-region engagement calendar: business
// hour windows, lunch breaks and the hour ranges outreach performs best in.
// All predicates are pure functions over a UTC instant; conversion uses the
// IANA timezone database rather than fixed offsets, so DST transitions are
// handled correctly.
package region

import "time"

// HourRange is a half-open [Start, End) range of local hours.
type HourRange struct {
	Start int
	End   int
}

// Contains reports whether hour falls inside the range.
func (r HourRange) Contains(hour int) bool {
	return hour >= r.Start && hour < r.End
}

// BusinessWindow is an allowed calling window on a set of weekdays.
type BusinessWindow struct {
	Days      []time.Weekday
	StartHour int
	EndHour   int
}

func (w BusinessWindow) allowsDay(day time.Weekday) bool {
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Region describes one engagement geography. Defined at process start,
// never mutated.
type Region struct {
	ID            string
	TimeZone      string
	Windows       []BusinessWindow
	LunchBreak    *HourRange
	BestHours     []HourRange
	AvoidHours    []HourRange
	AllowWeekends bool
}

// Location resolves the region's IANA timezone.
func (r *Region) Location() *time.Location {
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ToLocal converts a UTC instant into the region's local time.
func ToLocal(utc time.Time, r *Region) time.Time {
	return utc.In(r.Location())
}

// IsBusinessHours reports whether the instant falls inside one of the
// region's business windows, excluding the lunch break.
func IsBusinessHours(utc time.Time, r *Region) bool {
	local := ToLocal(utc, r)
	day := local.Weekday()
	hour := local.Hour()

	if !r.AllowWeekends && (day == time.Saturday || day == time.Sunday) {
		return false
	}
	if r.LunchBreak != nil && r.LunchBreak.Contains(hour) {
		return false
	}

	for _, w := range r.Windows {
		if w.allowsDay(day) && hour >= w.StartHour && hour < w.EndHour {
			return true
		}
	}
	return false
}

// IsOptimal reports whether the local hour is one of the region's preferred
// engagement hours. A best-hour match wins immediately; avoid hours are only
// consulted when no best range matched, and anything else is not optimal.
func IsOptimal(utc time.Time, r *Region) bool {
	hour := ToLocal(utc, r).Hour()
	for _, best := range r.BestHours {
		if best.Contains(hour) {
			return true
		}
	}
	for _, avoid := range r.AvoidHours {
		if avoid.Contains(hour) {
			return false
		}
	}
	return false
}

// NextBusinessWindow returns the input unchanged when it is already within
// business hours, otherwise the start of the next business day: advance one
// calendar day at a time to the window's start hour until the weekday is an
// allowed business day.
func NextBusinessWindow(utc time.Time, r *Region) time.Time {
	if IsBusinessHours(utc, r) {
		return utc
	}

	startHour := 9
	if len(r.Windows) > 0 {
		startHour = r.Windows[0].StartHour
	}

	local := ToLocal(utc, r)
	for i := 0; i < 14; i++ {
		local = time.Date(local.Year(), local.Month(), local.Day(), startHour, 0, 0, 0, local.Location())
		local = local.AddDate(0, 0, 1)
		candidate := local.UTC()
		if IsBusinessHours(candidate, r) {
			return candidate
		}
	}
	return utc
}

// OptimalScheduleTime scans hour by hour from base, up to maxHoursAhead,
// for the first instant that is both within business hours and optimal for
// engagement. When the horizon holds no such instant it falls back to the
// next business window.
func OptimalScheduleTime(base time.Time, r *Region, maxHoursAhead int) time.Time {
	for h := 0; h <= maxHoursAhead; h++ {
		candidate := base.Add(time.Duration(h) * time.Hour)
		if IsBusinessHours(candidate, r) && IsOptimal(candidate, r) {
			return candidate
		}
	}
	return NextBusinessWindow(base, r)
}

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

var table = []*Region{
	{
		ID:         "north_america_east",
		TimeZone:   "America/New_York",
		Windows:    []BusinessWindow{{Days: weekdays, StartHour: 9, EndHour: 17}},
		LunchBreak: &HourRange{Start: 12, End: 13},
		BestHours:  []HourRange{{Start: 9, End: 11}, {Start: 14, End: 16}},
		AvoidHours: []HourRange{{Start: 12, End: 13}},
	},
	{
		ID:         "north_america_west",
		TimeZone:   "America/Los_Angeles",
		Windows:    []BusinessWindow{{Days: weekdays, StartHour: 9, EndHour: 17}},
		LunchBreak: &HourRange{Start: 12, End: 13},
		BestHours:  []HourRange{{Start: 9, End: 11}, {Start: 14, End: 16}},
		AvoidHours: []HourRange{{Start: 12, End: 13}},
	},
	{
		ID:         "uk",
		TimeZone:   "Europe/London",
		Windows:    []BusinessWindow{{Days: weekdays, StartHour: 9, EndHour: 17}},
		LunchBreak: &HourRange{Start: 13, End: 14},
		BestHours:  []HourRange{{Start: 10, End: 12}, {Start: 14, End: 16}},
		AvoidHours: []HourRange{{Start: 13, End: 14}},
	},
	{
		ID:         "central_europe",
		TimeZone:   "Europe/Berlin",
		Windows:    []BusinessWindow{{Days: weekdays, StartHour: 8, EndHour: 17}},
		LunchBreak: &HourRange{Start: 12, End: 13},
		BestHours:  []HourRange{{Start: 9, End: 11}, {Start: 14, End: 16}},
		AvoidHours: []HourRange{{Start: 12, End: 13}},
	},
	{
		ID:        "india",
		TimeZone:  "Asia/Kolkata",
		Windows:   []BusinessWindow{{Days: weekdays, StartHour: 10, EndHour: 19}},
		BestHours: []HourRange{{Start: 11, End: 13}, {Start: 16, End: 18}},
	},
	{
		ID:        "southeast_asia",
		TimeZone:  "Asia/Singapore",
		Windows:   []BusinessWindow{{Days: weekdays, StartHour: 9, EndHour: 18}},
		BestHours: []HourRange{{Start: 10, End: 12}, {Start: 15, End: 17}},
	},
	{
		ID:        "australia",
		TimeZone:  "Australia/Sydney",
		Windows:   []BusinessWindow{{Days: weekdays, StartHour: 9, EndHour: 17}},
		BestHours: []HourRange{{Start: 9, End: 11}, {Start: 14, End: 16}},
	},
}

var byTimeZone = func() map[string]*Region {
	m := make(map[string]*Region, len(table))
	for _, r := range table {
		m[r.TimeZone] = r
	}
	return m
}()

var byID = func() map[string]*Region {
	m := make(map[string]*Region, len(table))
	for _, r := range table {
		m[r.ID] = r
	}
	return m
}()

// ByID looks a region up by identifier.
func ByID(id string) (*Region, bool) {
	r, ok := byID[id]
	return r, ok
}

// ByTimeZone looks a region up by its IANA timezone name. Accounts in
// timezones with no curated region get no optimal-hour preference.
func ByTimeZone(tz string) (*Region, bool) {
	r, ok := byTimeZone[tz]
	return r, ok
}

// All returns the full region table.
func All() []*Region {
	out := make([]*Region, len(table))
	copy(out, table)
	return out
}
