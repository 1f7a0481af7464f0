package domain

import (
	"context"
	"errors"
	"log/slog"
)

// ErrProviderRejected marks an explicit error object returned by a provider.
var ErrProviderRejected = errors.New("provider rejected request")

// WeatherSource fetches one provider's reading for a coordinate pair.
type WeatherSource interface {
	Name() string
	FetchReading(ctx context.Context, geo Geo) (RawReading, error)
}

// Observe looks up the site through source and normalizes the response. It
// never returns an error: coordinate problems and provider failures degrade to
// a FailedObservation so the cycle can continue with the next site.
func Observe(ctx context.Context, site Site, source WeatherSource, window int, logger *slog.Logger) Observation {
	now := Now()

	geo, err := site.Coordinates()
	if err != nil {
		logger.Warn("site coordinates unusable",
			"site", site.DisplayName(),
			"latitude", site.Latitude,
			"longitude", site.Longitude,
			"error", err,
		)
		return FailedObservation(site, now, source.Name(), err.Error())
	}

	raw, err := source.FetchReading(ctx, geo)
	if err != nil {
		logger.Warn("weather lookup failed",
			"site", site.DisplayName(),
			"provider", source.Name(),
			"error", err,
		)
		return FailedObservation(site, now, source.Name(), err.Error())
	}
	if raw.Source == "" {
		raw.Source = source.Name()
	}

	return NormalizeReading(site, raw, now, window)
}
