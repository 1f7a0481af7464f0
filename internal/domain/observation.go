package domain

import (
	"fmt"
	"time"
)

// Layouts for log rows and rollup periods.
const (
	RowDateLayout    = "02/01/2006"
	RowTimeLayout    = "15:04"
	PeriodKeyLayout  = "01/2006"
	UpdateTimeLayout = "02/01/2006 15:04"
)

// HourlyPoint is one bucket of a provider's hourly precipitation series.
type HourlyPoint struct {
	Time     time.Time
	PrecipMM *float64
}

// RawReading is a provider response decoded into Go types but not yet
// normalized. Nil pointers mean the provider omitted the value.
type RawReading struct {
	Source       string
	PrecipNowMM  *float64
	TemperatureC *float64
	CloudCover   *float64
	IsDay        *bool
	Hourly       []HourlyPoint
}

// Observation is the canonical, provider-agnostic reading for one site at one
// instant.
type Observation struct {
	SiteName         string    `json:"site_name"`
	Timestamp        time.Time `json:"timestamp"`
	PrecipNowMM      float64   `json:"precip_now_mm"`
	PrecipRecentMM   float64   `json:"precip_recent_mm"`
	PrecipForecastMM float64   `json:"precip_forecast_mm"`
	TemperatureC     *float64  `json:"temperature_c,omitempty"`
	CloudCoverPct    int       `json:"cloud_cover_pct"`
	IsDaytime        bool      `json:"is_daytime"`
	ProviderError    bool      `json:"provider_error"`

	Provider      string `json:"provider,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// ObservationRow is one line of the append-only aggregation log.
type ObservationRow struct {
	Date         string   `json:"date"`
	Time         string   `json:"time"`
	SiteName     string   `json:"site_name"`
	PrecipNowMM  float64  `json:"precip_now_mm"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
}

// RollupEntry is the accumulated precipitation for one site in one month.
type RollupEntry struct {
	SiteName            string  `json:"site_name"`
	PeriodKey           string  `json:"period_key"`
	AccumulatedPrecipMM float64 `json:"accumulated_precip_mm"`
	LastUpdateTime      string  `json:"last_update_time"`
}

// RowFromObservation converts an observation into a log row. It reports false
// for failed lookups, which must never reach the log.
func RowFromObservation(obs Observation) (ObservationRow, bool) {
	if obs.ProviderError {
		return ObservationRow{}, false
	}
	ts := obs.Timestamp.In(SiteZone)
	return ObservationRow{
		Date:         ts.Format(RowDateLayout),
		Time:         ts.Format(RowTimeLayout),
		SiteName:     obs.SiteName,
		PrecipNowMM:  obs.PrecipNowMM,
		TemperatureC: obs.TemperatureC,
	}, true
}

// PeriodKey derives the "MM/YYYY" rollup period from the row's date.
func (r ObservationRow) PeriodKey() (string, error) {
	d, err := time.ParseInLocation(RowDateLayout, r.Date, SiteZone)
	if err != nil {
		return "", fmt.Errorf("row %s %s %s: bad date: %w", r.SiteName, r.Date, r.Time, err)
	}
	return d.Format(PeriodKeyLayout), nil
}

// InboundMessage is the latest message found in the notification inbox.
type InboundMessage struct {
	UpdateID  string
	ChannelID string
	Text      string
}

// Command is an accepted on-demand report request.
type Command struct {
	Text      string
	ChannelID string
	UpdateID  string
}
