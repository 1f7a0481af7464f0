// Package weatherapi implements domain.WeatherSource against WeatherAPI.com's
// forecast endpoint.
package weatherapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/rainwatch/internal/adapter/httpretry"
	"github.com/couchcryptid/rainwatch/internal/domain"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.weatherapi.com/v1"

// ErrMissingAPIKey is returned before any request when no key is configured.
var ErrMissingAPIKey = errors.New("weatherapi: api key is not configured")

// Client fetches current conditions and today's plus tomorrow's hourly series.
type Client struct {
	apiKey  string
	baseURL string
	http    *httpretry.Client
	logger  *slog.Logger
}

// NewClient creates a WeatherAPI.com client.
func NewClient(baseURL, apiKey string, hc *httpretry.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    hc,
		logger:  logger,
	}
}

// Name identifies the provider in observations and logs.
func (c *Client) Name() string {
	return "weatherapi"
}

// FetchReading queries one coordinate pair.
func (c *Client) FetchReading(ctx context.Context, geo domain.Geo) (domain.RawReading, error) {
	if c.apiKey == "" {
		return domain.RawReading{}, ErrMissingAPIKey
	}

	params := url.Values{
		"key":    {c.apiKey},
		"q":      {fmt.Sprintf("%.4f,%.4f", geo.Lat, geo.Lon)},
		"days":   {"2"},
		"aqi":    {"no"},
		"alerts": {"no"},
	}

	resp, err := c.http.Get(ctx, c.baseURL+"/forecast.json?"+params.Encode())
	if err != nil {
		return domain.RawReading{}, fmt.Errorf("weatherapi request: %w", err)
	}

	var body response
	decodeErr := json.Unmarshal(resp.Body, &body)
	if body.Error != nil {
		return domain.RawReading{}, fmt.Errorf("%w: weatherapi code %d: %s",
			domain.ErrProviderRejected, body.Error.Code, body.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.RawReading{}, fmt.Errorf("weatherapi API error: status %d: %s", resp.StatusCode, resp.Body)
	}
	if decodeErr != nil {
		return domain.RawReading{}, fmt.Errorf("decode response: %w", decodeErr)
	}

	return c.toReading(body), nil
}

func (c *Client) toReading(body response) domain.RawReading {
	reading := domain.RawReading{
		Source:       c.Name(),
		PrecipNowMM:  body.Current.PrecipMM,
		TemperatureC: body.Current.TempC,
		CloudCover:   body.Current.Cloud,
	}
	if body.Current.IsDay != nil {
		isDay := *body.Current.IsDay == 1
		reading.IsDay = &isDay
	}

	for _, day := range body.Forecast.ForecastDay {
		for _, h := range day.Hour {
			if h.TimeEpoch == 0 {
				c.logger.Debug("skipping hourly bucket without epoch", "time", h.Time)
				continue
			}
			reading.Hourly = append(reading.Hourly, domain.HourlyPoint{
				Time:     time.Unix(h.TimeEpoch, 0),
				PrecipMM: h.PrecipMM,
			})
		}
	}
	return reading
}

// WeatherAPI.com response types.

type response struct {
	Error    *apiError `json:"error"`
	Current  current   `json:"current"`
	Forecast forecast  `json:"forecast"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type current struct {
	PrecipMM *float64 `json:"precip_mm"`
	TempC    *float64 `json:"temp_c"`
	Cloud    *float64 `json:"cloud"`
	IsDay    *int     `json:"is_day"`
}

type forecast struct {
	ForecastDay []forecastDay `json:"forecastday"`
}

type forecastDay struct {
	Hour []hour `json:"hour"`
}

type hour struct {
	TimeEpoch int64    `json:"time_epoch"`
	Time      string   `json:"time"`
	PrecipMM  *float64 `json:"precip_mm"`
}
