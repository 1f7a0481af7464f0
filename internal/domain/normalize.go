package domain

import (
	"math"
	"time"
)

// Day/night boundaries used when the provider omits its own flag.
const (
	daytimeStartHour = 6
	daytimeEndHour   = 18
)

// NormalizeReading turns a raw provider reading into an Observation, applying
// the missing-means-zero policy. now is the instant of the lookup; window is
// the number of trailing hourly buckets summed into PrecipRecentMM.
func NormalizeReading(site Site, raw RawReading, now time.Time, window int) Observation {
	ts := now.In(SiteZone)
	recent, forecast := windowSums(raw.Hourly, ts, window)

	isDay := isDaytime(ts)
	if raw.IsDay != nil {
		isDay = *raw.IsDay
	}

	return Observation{
		SiteName:         site.DisplayName(),
		Timestamp:        ts,
		PrecipNowMM:      precipOrZero(raw.PrecipNowMM),
		PrecipRecentMM:   recent,
		PrecipForecastMM: forecast,
		TemperatureC:     finiteOrNil(raw.TemperatureC),
		CloudCoverPct:    cloudCoverPct(raw.CloudCover),
		IsDaytime:        isDay,
		Provider:         raw.Source,
	}
}

// FailedObservation builds the degraded observation reported for a site whose
// lookup failed. All numeric fields stay at their zero value.
func FailedObservation(site Site, now time.Time, source, reason string) Observation {
	ts := now.In(SiteZone)
	return Observation{
		SiteName:      site.DisplayName(),
		Timestamp:     ts,
		IsDaytime:     isDaytime(ts),
		ProviderError: true,
		Provider:      source,
		FailureReason: reason,
	}
}

// windowSums aligns the hourly series on the current hour and returns the sum
// of the trailing window (excluding the current bucket) and the next bucket's
// forecast. A series without a bucket for the current hour yields zeros.
func windowSums(hourly []HourlyPoint, now time.Time, window int) (recent, forecast float64) {
	if len(hourly) < 2 {
		return 0, 0
	}
	current := now.Truncate(time.Hour)
	idx := -1
	for i, p := range hourly {
		if p.Time.Equal(current) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0
	}

	for i := idx - 1; i >= 0 && i >= idx-window; i-- {
		recent += precipOrZero(hourly[i].PrecipMM)
	}
	if idx+1 < len(hourly) {
		forecast = precipOrZero(hourly[idx+1].PrecipMM)
	}
	return recent, forecast
}

func isDaytime(t time.Time) bool {
	h := t.In(SiteZone).Hour()
	return h >= daytimeStartHour && h < daytimeEndHour
}

func precipOrZero(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return 0
	}
	return *v
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	c := *v
	return &c
}

func cloudCoverPct(v *float64) int {
	if v == nil || math.IsNaN(*v) {
		return 0
	}
	pct := int(math.Round(*v))
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
