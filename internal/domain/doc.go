// Package domain models rainfall observations for monitored dam sites and the
// decisions derived from them.
//
// # Observations
//
// Each cycle produces one Observation per registry site. Provider responses are
// untrusted and partial; NormalizeReading is the single place where missing
// values get their defaults:
//
//	precipitation (now, recent, forecast)  missing, null, negative or NaN -> 0.0 mm
//	cloud cover                            missing -> 0 %, clamped to 0..100
//	day/night flag                         missing -> local hour in [06:00, 18:00)
//	temperature                            missing -> nil (rendered only when present)
//
// Hourly series are aligned on the current site-local hour. The trailing window
// sums the N buckets strictly before the current one; the forecast is the single
// bucket after it. Neither includes the current bucket.
//
// A failed lookup (explicit provider error object, malformed JSON, exhausted
// retries, unusable coordinates) yields an Observation with ProviderError set
// and every numeric field at zero. Such observations are reported but never
// written to the aggregation log.
//
// # Time
//
// Timestamps are site-local at a fixed UTC-3 offset ([SiteZone]). Log rows use
// DD/MM/YYYY dates and HH:MM times; rollup periods are keyed "MM/YYYY".
//
// # Alert decision
//
// Decide flags a site when any of present, trailing or forecast precipitation is
// positive. Severity comes from now+recent with inclusive-low bands:
//
//	total < 2 mm   light
//	total < 10 mm  moderate
//	otherwise      severe
//
// Non-alert sites get a sky icon from a day/night x clear/cloudy matrix, with
// cloud cover above 70 % forcing overcast. Thresholds are a [Policy] value.
package domain
