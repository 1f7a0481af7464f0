// Package registry loads the list of monitored sites from a CSV file.
package registry

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/couchcryptid/rainwatch/internal/domain"
)

// ErrNoSites is returned when the registry has no usable rows.
var ErrNoSites = errors.New("registry contains no sites")

var columnAliases = map[string][]string{
	"name":      {"name", "nome", "site", "barragem"},
	"latitude":  {"latitude", "lat"},
	"longitude": {"longitude", "lon", "lng", "long"},
}

// LoadFile reads the registry at path.
func LoadFile(path string, logger *slog.Logger) ([]domain.Site, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()
	return Load(f, logger)
}

// Load parses a registry with a header row. Columns are matched by alias,
// case-insensitively. Rows without a name are skipped; duplicate names keep
// the first occurrence. Coordinates are kept as text.
func Load(r io.Reader, logger *slog.Logger) ([]domain.Site, error) {
	br := bufio.NewReader(r)
	delim, err := sniffDelimiter(br)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoSites
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var sites []domain.Site
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}

		site := domain.Site{
			Name:      field(rec, cols["name"]),
			Latitude:  field(rec, cols["latitude"]),
			Longitude: field(rec, cols["longitude"]),
		}
		if err := site.Validate(); err != nil {
			logger.Warn("skipping registry row", "line", line, "error", err)
			continue
		}
		key := site.DisplayName()
		if seen[key] {
			logger.Warn("skipping duplicate site", "line", line, "site", key)
			continue
		}
		seen[key] = true
		sites = append(sites, site)
	}

	if len(sites) == 0 {
		return nil, ErrNoSites
	}
	return sites, nil
}

// sniffDelimiter picks ';' when the header uses it and has no commas.
func sniffDelimiter(br *bufio.Reader) (rune, error) {
	peek, err := br.Peek(br.Size())
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return 0, fmt.Errorf("read registry: %w", err)
	}
	first, _, _ := bytes.Cut(peek, []byte("\n"))
	if bytes.Count(first, []byte(";")) > 0 && bytes.Count(first, []byte(",")) == 0 {
		return ';', nil
	}
	return ',', nil
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(columnAliases))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for canonical, aliases := range columnAliases {
			if _, done := cols[canonical]; done {
				continue
			}
			for _, a := range aliases {
				if h == a {
					cols[canonical] = i
				}
			}
		}
	}
	for canonical := range columnAliases {
		if _, ok := cols[canonical]; !ok {
			return nil, fmt.Errorf("registry header %q: missing %s column", strings.Join(header, ","), canonical)
		}
	}
	return cols, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}
