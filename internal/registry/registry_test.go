package registry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_PortugueseHeader(t *testing.T) {
	csv := "nome,latitude,longitude\nRepresa Norte,-22.9,-43.2\nBarragem Sul,-23.5,-46.6\n"

	sites, err := Load(strings.NewReader(csv), discardLogger())

	require.NoError(t, err)
	assert.Equal(t, []domain.Site{
		{Name: "Represa Norte", Latitude: "-22.9", Longitude: "-43.2"},
		{Name: "Barragem Sul", Latitude: "-23.5", Longitude: "-46.6"},
	}, sites)
}

func TestLoad_SemicolonWithCommaDecimals(t *testing.T) {
	csv := "\ufeffBarragem;Lat;Lng\nAlpha; -22,9 ;-43,2\n"

	sites, err := Load(strings.NewReader(csv), discardLogger())

	require.NoError(t, err)
	require.Len(t, sites, 1)
	geo, err := sites[0].Coordinates()
	require.NoError(t, err)
	assert.InDelta(t, -22.9, geo.Lat, 1e-9)
	assert.InDelta(t, -43.2, geo.Lon, 1e-9)
}

func TestLoad_SkipsBlankAndDuplicateNames(t *testing.T) {
	csv := "name,lat,lon\nalpha,1,2\n,3,4\nALPHA,5,6\nbeta,7,8\n"

	sites, err := Load(strings.NewReader(csv), discardLogger())

	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "1", sites[0].Latitude)
	assert.Equal(t, "beta", sites[1].Name)
}

func TestLoad_KeepsUnparseableCoordinates(t *testing.T) {
	sites, err := Load(strings.NewReader("name,lat,lon\nalpha,north,2\n"), discardLogger())

	require.NoError(t, err)
	require.Len(t, sites, 1)
	_, err = sites[0].Coordinates()
	assert.ErrorIs(t, err, domain.ErrInvalidCoordinate)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"empty file", ""},
		{"header only", "name,latitude,longitude\n"},
		{"only unnamed rows", "name,latitude,longitude\n,1,2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.csv), discardLogger())
			assert.ErrorIs(t, err, ErrNoSites)
		})
	}
}

func TestLoad_MissingColumn(t *testing.T) {
	_, err := Load(strings.NewReader("name,latitude\nalpha,1\n"), discardLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing longitude column")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barragens.csv")
	require.NoError(t, os.WriteFile(path, []byte("nome,latitude,longitude\nAlpha,1,2\n"), 0o600))

	sites, err := LoadFile(path, discardLogger())
	require.NoError(t, err)
	assert.Len(t, sites, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"), discardLogger())
	assert.Error(t, err)
}
