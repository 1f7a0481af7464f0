// Command validate performs offline integrity checks on a rainwatch store:
// every log row is well formed, every logged site is in the registry, and the
// persisted monthly rollup equals the rollup recomputed from the log.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -backend sqlite \
//	  -store rainwatch.db \
//	  -registry barragens.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/couchcryptid/rainwatch/internal/adapter/filestore"
	"github.com/couchcryptid/rainwatch/internal/adapter/sqlite"
	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/config"
	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/couchcryptid/rainwatch/internal/registry"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	backend := flag.String("backend", config.StoreSQLite, "store backend: sqlite or file")
	storePath := flag.String("store", "rainwatch.db", "path to the log and rollup store")
	registryPath := flag.String("registry", "", "optional site registry CSV to cross-check logged sites")
	flag.Parse()

	if *storePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*backend, *storePath, *registryPath); code != 0 {
		os.Exit(code)
	}
}

func run(backend, storePath, registryPath string) int {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fmt.Println("=== Rainwatch Store Integrity Validation ===")
	fmt.Println()

	store, closeStore, err := openStore(backend, storePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open store: %v\n", err)
		return 1
	}
	defer closeStore()

	rows, err := store.LoadLog(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load log: %v\n", err)
		return 1
	}

	var sites []domain.Site
	if registryPath != "" {
		sites, err = registry.LoadFile(registryPath, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load registry: %v\n", err)
			return 1
		}
	}

	fmt.Printf("  Log rows:         %d\n", len(rows))
	if registryPath != "" {
		fmt.Printf("  Registered sites: %d\n", len(sites))
	}
	fmt.Println()

	phases := []*phase{
		validateRows(rows),
		validateSites(rows, sites, registryPath != ""),
		validateRollup(ctx, store),
	}

	allPassed := true
	for _, p := range phases {
		status := "PASS"
		if !p.passed() {
			status = "FAIL"
			allPassed = false
		}
		fmt.Printf("[%s] %s\n", status, p.name)
		for _, e := range p.errors {
			fmt.Printf("    - %s\n", e)
		}
	}

	fmt.Println()
	if !allPassed {
		fmt.Println("Integrity validation FAILED")
		return 1
	}
	fmt.Println("Integrity validation passed")
	return 0
}

func openStore(backend, path string, logger *slog.Logger) (aggregate.Store, func(), error) {
	switch backend {
	case config.StoreFile:
		return filestore.New(path, "", logger), func() {}, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func validateRows(rows []domain.ObservationRow) *phase {
	p := &phase{name: "Phase 1: Log rows (dates, times, values)"}
	for i, r := range rows {
		if _, err := r.PeriodKey(); err != nil {
			p.errorf("row %d: %v", i+1, err)
		}
		if strings.TrimSpace(r.SiteName) == "" {
			p.errorf("row %d: empty site name", i+1)
		}
		if r.PrecipNowMM < 0 {
			p.errorf("row %d (%s): negative precipitation %.2f", i+1, r.SiteName, r.PrecipNowMM)
		}
	}
	return p
}

func validateSites(rows []domain.ObservationRow, sites []domain.Site, checked bool) *phase {
	p := &phase{name: "Phase 2: Logged sites are registered"}
	if !checked {
		p.name += " (skipped, no -registry)"
		return p
	}
	known := make(map[string]bool, len(sites))
	for _, s := range sites {
		known[s.DisplayName()] = true
	}
	reported := make(map[string]bool)
	for _, r := range rows {
		if !known[r.SiteName] && !reported[r.SiteName] {
			reported[r.SiteName] = true
			p.errorf("site %q appears in the log but not in the registry", r.SiteName)
		}
	}
	return p
}

func validateRollup(ctx context.Context, store aggregate.Store) *phase {
	p := &phase{name: "Phase 3: Rollup matches log"}
	result, err := aggregate.Verify(ctx, store)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	if !result.OK() {
		p.errorf("persisted rollup (%d entries) differs from recomputed rollup (-want +got):\n%s", result.RollupEntries, result.Diff)
	}
	return p
}
