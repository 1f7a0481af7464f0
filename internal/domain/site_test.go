package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinate(t *testing.T) {
	tests := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{"-23.5505", -23.5505, false},
		{" -23,5505 ", -23.5505, false},
		{"−46.63", -46.63, false},
		{"10", 10, false},
		{"", 0, true},
		{"1,234.5", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseCoordinate(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCoordinate)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSite_Coordinates(t *testing.T) {
	geo, err := Site{Name: "Alpha", Latitude: "-22,9", Longitude: "-43.2"}.Coordinates()
	require.NoError(t, err)
	assert.InDelta(t, -22.9, geo.Lat, 1e-9)
	assert.InDelta(t, -43.2, geo.Lon, 1e-9)

	_, err = Site{Name: "Alpha", Latitude: "95", Longitude: "0"}.Coordinates()
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = Site{Name: "Alpha", Latitude: "0", Longitude: "-181"}.Coordinates()
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestSite_DisplayNameAndValidate(t *testing.T) {
	s := Site{Name: "  Represa Norte "}
	assert.Equal(t, "REPRESA NORTE", s.DisplayName())
	assert.NoError(t, s.Validate())
	assert.Error(t, Site{}.Validate())
}
