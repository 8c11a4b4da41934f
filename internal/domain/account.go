package domain

import "time"

// OperationalHours is an account-level override of the calling window.
type OperationalHours struct {
	Days      []time.Weekday
	StartHour int
	EndHour   int
}

// Contains reports whether the local instant falls inside the window.
func (h OperationalHours) Contains(local time.Time) bool {
	if !h.AllowsDay(local.Weekday()) {
		return false
	}
	return local.Hour() >= h.StartHour && local.Hour() < h.EndHour
}

// AllowsDay reports whether the weekday is an operational day.
func (h OperationalHours) AllowsDay(day time.Weekday) bool {
	for _, d := range h.Days {
		if d == day {
			return true
		}
	}
	return false
}

// DelayPattern parameterizes the randomized spacing between operations.
type DelayPattern struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	RandomFactor float64
}

// Account is a registered automation identity with its own timezone,
// operational hours and daily quotas.
type Account struct {
	ID           string
	DisplayName  string
	TimeZone     string
	Hours        OperationalHours
	DailyQuotas  map[QuotaKey]int
	Usage        map[QuotaKey]int
	LastActivity time.Time
	Active       bool
	Delay        DelayPattern
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Location resolves the account's IANA timezone, falling back to UTC when
// the name does not load.
func (a *Account) Location() *time.Location {
	loc, err := time.LoadLocation(a.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AccountStatus is the read-only snapshot returned by the registry.
type AccountStatus struct {
	AccountID    string
	DisplayName  string
	TimeZone     string
	Hours        OperationalHours
	Active       bool
	DailyQuotas  map[QuotaKey]int
	Usage        map[QuotaKey]int
	LastActivity time.Time
}
