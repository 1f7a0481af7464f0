package domain

import (
	"fmt"
	"strings"
)

// Intensity grades an alert by accumulated precipitation.
type Intensity string

const (
	IntensityNone     Intensity = "NONE"
	IntensityLight    Intensity = "LIGHT"
	IntensityModerate Intensity = "MODERATE"
	IntensitySevere   Intensity = "SEVERE"
)

// SkyIcon classifies the sky for sites without an alert.
type SkyIcon string

const (
	SkyClearDay     SkyIcon = "CLEAR_DAY"
	SkyClearNight   SkyIcon = "CLEAR_NIGHT"
	SkyPartlyCloudy SkyIcon = "PARTLY_CLOUDY"
	SkyOvercast     SkyIcon = "OVERCAST"
)

// AlertVerdict is the alert decision and display classification for one
// observation. SkyIcon is empty for alerts and failed lookups.
type AlertVerdict struct {
	SiteName    string    `json:"site_name"`
	IsAlert     bool      `json:"is_alert"`
	Intensity   Intensity `json:"intensity"`
	SkyIcon     SkyIcon   `json:"sky_icon,omitempty"`
	DisplayText string    `json:"display_text"`
}

// Policy holds the decision thresholds.
type Policy struct {
	// Totals below LightThresholdMM are light; below SevereThresholdMM moderate.
	LightThresholdMM  float64
	SevereThresholdMM float64

	// Cloud cover below ClearSkyBelowPct counts as clear; above
	// OvercastAbovePct the sky is overcast regardless of time of day.
	ClearSkyBelowPct int
	OvercastAbovePct int
}

// DefaultPolicy returns the 2/10 mm bands and 25/70 % cloud cover cut-offs.
func DefaultPolicy() Policy {
	return Policy{
		LightThresholdMM:  2,
		SevereThresholdMM: 10,
		ClearSkyBelowPct:  25,
		OvercastAbovePct:  70,
	}
}

// Decide derives the verdict for an observation. It is a pure function.
func Decide(obs Observation, p Policy) AlertVerdict {
	v := AlertVerdict{SiteName: obs.SiteName, Intensity: IntensityNone}

	if obs.ProviderError {
		v.DisplayText = fmt.Sprintf("❌ %s: lookup failed", obs.SiteName)
		return v
	}

	v.IsAlert = obs.PrecipNowMM > 0 || obs.PrecipRecentMM > 0 || obs.PrecipForecastMM > 0
	if v.IsAlert {
		v.Intensity = deriveIntensity(obs.PrecipNowMM+obs.PrecipRecentMM, p)
		v.DisplayText = fmt.Sprintf("⚠️ %s: %s rain | now %.1fmm | recent %.1fmm | next %.1fmm%s",
			obs.SiteName,
			strings.ToLower(string(v.Intensity)),
			obs.PrecipNowMM,
			obs.PrecipRecentMM,
			obs.PrecipForecastMM,
			temperatureSuffix(obs.TemperatureC),
		)
		return v
	}

	v.SkyIcon = deriveSkyIcon(obs.IsDaytime, obs.CloudCoverPct, p)
	v.DisplayText = fmt.Sprintf("%s %s: no rain%s", skyEmoji(v.SkyIcon), obs.SiteName, temperatureSuffix(obs.TemperatureC))
	return v
}

// deriveIntensity maps now+recent precipitation to a band. Boundaries are
// inclusive-low: exactly LightThresholdMM is moderate.
func deriveIntensity(totalMM float64, p Policy) Intensity {
	switch {
	case totalMM < p.LightThresholdMM:
		return IntensityLight
	case totalMM < p.SevereThresholdMM:
		return IntensityModerate
	default:
		return IntensitySevere
	}
}

func deriveSkyIcon(isDay bool, cloudPct int, p Policy) SkyIcon {
	if cloudPct > p.OvercastAbovePct {
		return SkyOvercast
	}
	clear := cloudPct < p.ClearSkyBelowPct
	switch {
	case isDay && clear:
		return SkyClearDay
	case isDay:
		return SkyPartlyCloudy
	case clear:
		return SkyClearNight
	default:
		return SkyOvercast
	}
}

func skyEmoji(icon SkyIcon) string {
	switch icon {
	case SkyClearDay:
		return "☀️"
	case SkyClearNight:
		return "🌙"
	case SkyPartlyCloudy:
		return "⛅"
	default:
		return "☁️"
	}
}

func temperatureSuffix(t *float64) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf(" | %.1f°C", *t)
}
