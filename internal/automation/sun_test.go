package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSunTime_LondonMidsummer(t *testing.T) {
	at := func(event string) time.Time {
		t.Helper()
		got, ok, err := SunTime(london, event, 2026, time.June, 21)
		require.NoError(t, err)
		require.True(t, ok, event)
		return got
	}
	utc := func(h, m int) time.Time { return time.Date(2026, time.June, 21, h, m, 0, 0, time.UTC) }

	rise, set := at(SunSunrise), at(SunSunset)
	assert.True(t, rise.After(utc(3, 30)) && rise.Before(utc(4, 0)), "sunrise %v", rise)
	assert.True(t, set.After(utc(20, 0)) && set.Before(utc(20, 45)), "sunset %v", set)

	noon := at(SunNoon)
	assert.True(t, noon.After(utc(11, 50)) && noon.Before(utc(12, 15)), "noon %v", noon)

	assert.True(t, at(SunDawn).Before(rise), "dawn comes before sunrise")
	assert.True(t, at(SunDusk).After(set), "dusk comes after sunset")
}

func TestSunTime_PolarDay(t *testing.T) {
	svalbard := Site{Latitude: 78.22, Longitude: 15.65}
	_, ok, err := SunTime(svalbard, SunSunrise, 2026, time.June, 21)
	require.NoError(t, err)
	assert.False(t, ok, "the sun does not set in polar summer")
}

func TestSunTime_UnknownEvent(t *testing.T) {
	_, _, err := SunTime(london, "moonrise", 2026, time.June, 21)
	assert.Error(t, err)
}

func TestSunMinute_OffsetAcrossMidnight(t *testing.T) {
	dusk, ok, err := SunTime(london, SunDusk, 2026, time.June, 21)
	require.NoError(t, err)
	require.True(t, ok)

	// Dusk plus five hours lands after midnight UTC, on the next calendar day.
	shifted := dusk.Add(5 * time.Hour).Truncate(time.Minute).Add(15 * time.Second)
	require.NotEqual(t, dusk.Day(), shifted.Day())

	hit, err := sunMinute(london, SunDusk, 300, shifted)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = sunMinute(london, SunDusk, 300, shifted.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, hit)
}
