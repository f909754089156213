// Package registry loads the static aircraft registry (the OpenSky-style
// aircraftDatabase.csv, roughly a million rows) into the cache and serves
// batched lookups for enrichment.
//
// The registry is loaded once at startup, mass-imported as aircraft_db:{hex}
// hashes, and read exclusively through BatchLookup afterwards. When no CSV
// can be found locally or fetched from the fallback URL, the store runs in
// no-enrichment mode: lookups succeed and return nothing.
package registry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
	"github.com/jeffstrout/flightTrackerCollector/pkg/config"
)

// importBatchSize is the number of hash writes queued per pipeline Exec
// during the bulk import.
const importBatchSize = 1000

// lruSize bounds the process-local hot-entry cache. Consecutive cycles see
// mostly the same aircraft, so this absorbs nearly all lookups after the
// first tick.
const lruSize = 1000

// Hash field names, shared with whatever wrote aircraft_db:* previously.
const (
	fieldRegistration = "registration"
	fieldManufacturer = "manufacturerName"
	fieldModel        = "model"
	fieldTypecode     = "typecode"
	fieldOperator     = "operator"
	fieldOwner        = "owner"
	fieldClass        = "icaoAircraftClass"
)

// Entry is one immutable registry record.
type Entry struct {
	Registration      string
	Manufacturer      string
	Model             string
	Typecode          string
	Operator          string
	Owner             string
	ICAOAircraftClass string
}

// IsZero reports whether the entry carries no information.
func (e Entry) IsZero() bool { return e == Entry{} }

// Store serves registry lookups backed by the cache plus a small LRU.
type Store struct {
	cache   *cache.Client
	hot     *lru.Cache[string, Entry]
	log     *slog.Logger
	enabled bool

	// Import counters, advisory.
	imported int
	skipped  int
}

// New creates a Store and performs the one-time registry load. A missing
// registry is not an error: the store logs one warning and runs in
// no-enrichment mode for the process lifetime.
func New(ctx context.Context, cacheClient *cache.Client, cfg config.RegistryConfig, log *slog.Logger) (*Store, error) {
	hot, err := lru.New[string, Entry](lruSize)
	if err != nil {
		return nil, err
	}

	s := &Store{cache: cacheClient, hot: hot, log: log}

	path, err := s.resolveCSV(ctx, cfg)
	if err != nil {
		s.log.Warn("aircraft registry unavailable, running without enrichment", "error", err)
		return s, nil
	}

	if err := s.importCSV(ctx, path); err != nil {
		s.log.Warn("aircraft registry import failed, running without enrichment",
			"path", path, "error", err)
		return s, nil
	}

	s.enabled = true
	s.log.Info("aircraft registry loaded",
		"path", path, "imported", s.imported, "skipped", s.skipped)
	return s, nil
}

// Enabled reports whether enrichment data is available.
func (s *Store) Enabled() bool { return s.enabled }

// BatchLookup resolves registry entries for a set of hex codes in at most
// one cache round trip. Hexes without a registry record are simply absent
// from the result.
func (s *Store) BatchLookup(ctx context.Context, hexes []string) (map[string]Entry, error) {
	result := make(map[string]Entry, len(hexes))
	if !s.enabled || len(hexes) == 0 {
		return result, nil
	}

	var missKeys []string
	var missHexes []string
	for _, hex := range hexes {
		hex = adsb.NormalizeHex(hex)
		if !adsb.ValidHex(hex) {
			continue
		}
		if entry, ok := s.hot.Get(hex); ok {
			if !entry.IsZero() {
				result[hex] = entry
			}
			continue
		}
		missKeys = append(missKeys, cache.RegistryKey(hex))
		missHexes = append(missHexes, hex)
	}

	if len(missKeys) == 0 {
		return result, nil
	}

	hashes, err := s.cache.BatchHGetAll(ctx, missKeys)
	if err != nil {
		return result, fmt.Errorf("registry: batch lookup: %w", err)
	}

	for i, fields := range hashes {
		entry := entryFromFields(fields)
		// Negative results are cached too, so an unknown airframe does not
		// hit the network every cycle.
		s.hot.Add(missHexes[i], entry)
		if !entry.IsZero() {
			result[missHexes[i]] = entry
		}
	}

	return result, nil
}

// resolveCSV finds a local registry CSV, probing the configured path first
// and the conventional locations after it. When nothing exists locally and a
// fallback URL is configured, one fetch is attempted.
func (s *Store) resolveCSV(ctx context.Context, cfg config.RegistryConfig) (string, error) {
	candidates := []string{
		cfg.CSVPath,
		"config/aircraftDatabase.csv",
		"/app/config/aircraftDatabase.csv",
	}

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if cfg.FallbackURL == "" {
		return "", errors.New("no registry CSV found and no fallback URL configured")
	}

	dest := cfg.CSVPath
	if dest == "" {
		dest = candidates[1]
	}
	if err := s.fetchCSV(ctx, cfg.FallbackURL, dest); err != nil {
		return "", fmt.Errorf("fallback fetch: %w", err)
	}
	return dest, nil
}

// fetchCSV downloads the registry once. There is no retry: a failed fetch
// means no-enrichment mode until restart.
func (s *Store) fetchCSV(ctx context.Context, url, dest string) error {
	s.log.Info("fetching aircraft registry", "url", url, "dest", dest)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry fetch returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// importCSV stream-parses the registry and upserts it into the cache in
// pipelined batches. The file is never fully materialized.
func (s *Store) importCSV(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("registry: read header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return err
	}

	pipe := s.cache.Pipeline()
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("registry: import batch: %w", err)
		}
		pipe = s.cache.Pipeline()
		pending = 0
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Malformed line; csv.Reader already consumed it.
			s.skipped++
			continue
		}

		hex := adsb.NormalizeHex(cols.get(row, colICAO))
		if !adsb.ValidHex(hex) {
			s.skipped++
			continue
		}

		fields := map[string]string{
			fieldRegistration: cols.get(row, colRegistration),
			fieldManufacturer: cols.get(row, colManufacturer),
			fieldModel:        cols.get(row, colModel),
			fieldTypecode:     cols.get(row, colTypecode),
			fieldOperator:     cols.get(row, colOperator),
			fieldOwner:        cols.get(row, colOwner),
			fieldClass:        cols.get(row, colClass),
		}

		pipe.HSet(ctx, cache.RegistryKey(hex), fields)
		pending++
		s.imported++

		if pending >= importBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// Logical registry columns.
type column int

const (
	colICAO column = iota
	colRegistration
	colManufacturer
	colModel
	colTypecode
	colOperator
	colOwner
	colClass
	colCount
)

// columnMap resolves logical columns to CSV indices.
type columnMap [colCount]int

// Accepted header names per logical column, lowercased. Names are tried in
// the listed order and the first one present in the header wins, so
// manufacturername beats manufacturericao when both exist.
var headerNames = map[column][]string{
	colICAO:         {"icao24", "icao", "hex"},
	colRegistration: {"registration", "reg"},
	colManufacturer: {"manufacturername", "manufacturericao", "manufacturer"},
	colModel:        {"model"},
	colTypecode:     {"typecode"},
	colOperator:     {"operator"},
	colOwner:        {"owner"},
	colClass:        {"icaoaircrafttype", "icaoaircraftclass"},
}

func mapColumns(header []string) (columnMap, error) {
	var cols columnMap
	for i := range cols {
		cols[i] = -1
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.Trim(strings.TrimSpace(name), `'"`))
		if _, exists := index[name]; !exists {
			index[name] = i
		}
	}

	for col, names := range headerNames {
		for _, name := range names {
			if i, ok := index[name]; ok {
				cols[col] = i
				break
			}
		}
	}

	if cols[colICAO] < 0 {
		return cols, errors.New("registry: no ICAO column in CSV header")
	}
	return cols, nil
}

func (m columnMap) get(row []string, col column) string {
	i := m[col]
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.Trim(strings.TrimSpace(row[i]), `'"`)
}

// entryFromFields builds an Entry from a cache hash. An empty map (absent
// key) produces a zero Entry.
func entryFromFields(fields map[string]string) Entry {
	if len(fields) == 0 {
		return Entry{}
	}
	return Entry{
		Registration:      fields[fieldRegistration],
		Manufacturer:      fields[fieldManufacturer],
		Model:             fields[fieldModel],
		Typecode:          fields[fieldTypecode],
		Operator:          fields[fieldOperator],
		Owner:             fields[fieldOwner],
		ICAOAircraftClass: fields[fieldClass],
	}
}
