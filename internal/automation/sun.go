package automation

import (
	"fmt"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Solar events accepted by sun triggers.
const (
	SunSunrise = "sunrise"
	SunSunset  = "sunset"
	SunDawn    = "dawn"
	SunDusk    = "dusk"
	SunNoon    = "noon"
)

// civilTwilight is the solar elevation in degrees that marks dawn and dusk.
const civilTwilight = -6.0

const maxSunOffsetMinutes = 720

// Site is the observer position for sun triggers.
type Site struct {
	Latitude  float64
	Longitude float64
}

// SunTime returns when event happens at site on the given calendar day, in
// UTC. ok is false when the sun does not cross the relevant elevation that
// day, as in polar summer or winter.
func SunTime(site Site, event string, year int, month time.Month, day int) (at time.Time, ok bool, err error) {
	switch event {
	case SunSunrise, SunSunset, SunNoon:
		rise, set := sunrise.SunriseSunset(site.Latitude, site.Longitude, year, month, day)
		if rise.IsZero() || set.IsZero() {
			return time.Time{}, false, nil
		}
		switch event {
		case SunSunrise:
			return rise, true, nil
		case SunSunset:
			return set, true, nil
		default:
			return rise.Add(set.Sub(rise) / 2), true, nil
		}

	case SunDawn, SunDusk:
		morning, evening := sunrise.TimeOfElevation(site.Latitude, site.Longitude, civilTwilight, year, month, day)
		if event == SunDawn {
			at = morning
		} else {
			at = evening
		}
		if at.IsZero() {
			return time.Time{}, false, nil
		}
		return at, true, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown sun event %q", event)
	}
}

// sunMinute reports whether local falls in the minute of event plus offset.
// The neighbouring days are checked too, since a large offset can move the
// event across midnight.
func sunMinute(site Site, event string, offsetMinutes int, local time.Time) (bool, error) {
	want := local.Truncate(time.Minute)
	offset := time.Duration(offsetMinutes) * time.Minute
	for d := -1; d <= 1; d++ {
		day := local.AddDate(0, 0, d)
		at, ok, err := SunTime(site, event, day.Year(), day.Month(), day.Day())
		if err != nil {
			return false, err
		}
		if ok && at.Add(offset).Truncate(time.Minute).Equal(want) {
			return true, nil
		}
	}
	return false, nil
}

func validSunEvent(event string) bool {
	switch event {
	case SunSunrise, SunSunset, SunDawn, SunDusk, SunNoon:
		return true
	}
	return false
}
