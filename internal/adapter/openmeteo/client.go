// Package openmeteo implements domain.WeatherSource against the Open-Meteo
// forecast API. No API key is required.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/rainwatch/internal/adapter/httpretry"
	"github.com/couchcryptid/rainwatch/internal/domain"
)

// DefaultBaseURL is the public forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// hourlyLayout is Open-Meteo's local ISO-8601 format without seconds or offset.
const hourlyLayout = "2006-01-02T15:04"

// Client fetches current conditions plus an hourly precipitation series.
type Client struct {
	baseURL  string
	timezone string
	http     *httpretry.Client
	logger   *slog.Logger
}

// NewClient creates an Open-Meteo client. timezone is passed through as the
// API's timezone parameter and determines the offset of hourly timestamps.
func NewClient(baseURL, timezone string, hc *httpretry.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  baseURL,
		timezone: timezone,
		http:     hc,
		logger:   logger,
	}
}

// Name identifies the provider in observations and logs.
func (c *Client) Name() string {
	return "openmeteo"
}

// FetchReading queries one coordinate pair.
func (c *Client) FetchReading(ctx context.Context, geo domain.Geo) (domain.RawReading, error) {
	params := url.Values{
		"latitude":      {strconv.FormatFloat(geo.Lat, 'f', 4, 64)},
		"longitude":     {strconv.FormatFloat(geo.Lon, 'f', 4, 64)},
		"current":       {"precipitation,temperature_2m,cloud_cover,is_day"},
		"hourly":        {"precipitation"},
		"past_days":     {"1"},
		"forecast_days": {"2"},
	}
	if c.timezone != "" {
		params.Set("timezone", c.timezone)
	}

	resp, err := c.http.Get(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return domain.RawReading{}, fmt.Errorf("openmeteo request: %w", err)
	}

	var body response
	decodeErr := json.Unmarshal(resp.Body, &body)
	if body.Error {
		return domain.RawReading{}, fmt.Errorf("%w: openmeteo: %s", domain.ErrProviderRejected, body.Reason)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.RawReading{}, fmt.Errorf("openmeteo API error: status %d: %s", resp.StatusCode, resp.Body)
	}
	if decodeErr != nil {
		return domain.RawReading{}, fmt.Errorf("decode response: %w", decodeErr)
	}

	return c.toReading(body), nil
}

func (c *Client) toReading(body response) domain.RawReading {
	zone := time.FixedZone(body.Timezone, body.UTCOffsetSeconds)

	reading := domain.RawReading{
		Source:       c.Name(),
		PrecipNowMM:  body.Current.Precipitation,
		TemperatureC: body.Current.Temperature2m,
		CloudCover:   body.Current.CloudCover,
	}
	if body.Current.IsDay != nil {
		isDay := *body.Current.IsDay == 1
		reading.IsDay = &isDay
	}

	reading.Hourly = make([]domain.HourlyPoint, 0, len(body.Hourly.Time))
	for i, raw := range body.Hourly.Time {
		ts, err := time.ParseInLocation(hourlyLayout, raw, zone)
		if err != nil {
			c.logger.Debug("skipping unparseable hourly timestamp", "value", raw, "error", err)
			continue
		}
		var precip *float64
		if i < len(body.Hourly.Precipitation) {
			precip = body.Hourly.Precipitation[i]
		}
		reading.Hourly = append(reading.Hourly, domain.HourlyPoint{Time: ts, PrecipMM: precip})
	}
	return reading
}

// Open-Meteo API response types.

type response struct {
	Error            bool    `json:"error"`
	Reason           string  `json:"reason"`
	UTCOffsetSeconds int     `json:"utc_offset_seconds"`
	Timezone         string  `json:"timezone"`
	Current          current `json:"current"`
	Hourly           hourly  `json:"hourly"`
}

type current struct {
	Precipitation *float64 `json:"precipitation"`
	Temperature2m *float64 `json:"temperature_2m"`
	CloudCover    *float64 `json:"cloud_cover"`
	IsDay         *int     `json:"is_day"`
}

type hourly struct {
	Time          []string   `json:"time"`
	Precipitation []*float64 `json:"precipitation"`
}
