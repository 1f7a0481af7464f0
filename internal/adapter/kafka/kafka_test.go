package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeToMessage(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 14, 0, 0, 0, domain.SiteZone)
	obs := domain.Observation{
		SiteName:    "ALPHA",
		Timestamp:   ts,
		PrecipNowMM: 1.2,
		Provider:    "openmeteo",
	}

	msg, err := serializeToMessage("cycle-1", obs)
	require.NoError(t, err)

	assert.Equal(t, []byte("ALPHA"), msg.Key)
	assert.Equal(t, ts, msg.Time)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "cycle_id", msg.Headers[0].Key)
	assert.Equal(t, []byte("cycle-1"), msg.Headers[0].Value)
	assert.Equal(t, []byte("openmeteo"), msg.Headers[1].Value)
	assert.Equal(t, []byte("2024-03-05T14:00:00-03:00"), msg.Headers[2].Value)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "ALPHA", decoded["site_name"])
	assert.InDelta(t, 1.2, decoded["precip_now_mm"], 1e-9)
	assert.Equal(t, false, decoded["provider_error"])
}

func TestSerializeToMessage_FailedObservation(t *testing.T) {
	obs := domain.FailedObservation(domain.Site{Name: "beta"}, time.Now(), "weatherapi", "timeout")

	msg, err := serializeToMessage("cycle-2", obs)
	require.NoError(t, err)

	assert.Contains(t, string(msg.Value), `"provider_error":true`)
	assert.Contains(t, string(msg.Value), `"failure_reason":"timeout"`)
}
