package blend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/internal/logging"
	"github.com/jeffstrout/flightTrackerCollector/internal/registry"
	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
	"github.com/jeffstrout/flightTrackerCollector/pkg/config"
)

const enrichCSV = `icao24,registration,manufacturername,model,typecode,operator,owner,icaoaircrafttype
a1b2c3,N123UA,Boeing,737-800,B738,United Airlines,United Airlines,L2J
c0ffee,N407BH,Bell,407,B407,Air Evac,Air Evac,H2T
facade,N555XX,,,,,,'H1P'
`

func enrichStore(t *testing.T, csv string) *registry.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheClient := cache.NewFromRedis(rdb, 5*time.Minute)

	var cfg config.RegistryConfig
	if csv != "" {
		path := filepath.Join(t.TempDir(), "aircraftDatabase.csv")
		if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
			t.Fatalf("write csv: %v", err)
		}
		cfg.CSVPath = path
	} else {
		cfg.CSVPath = filepath.Join(t.TempDir(), "missing.csv")
	}

	store, err := registry.New(context.Background(), cacheClient, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return store
}

// TestEnrich joins registry fields and classifies helicopters.
func TestEnrich(t *testing.T) {
	store := enrichStore(t, enrichCSV)

	aircraft := []adsb.Aircraft{
		{Hex: "a1b2c3"},
		{Hex: "c0ffee"},
		{Hex: "facade"},
		{Hex: "ffffff"},
	}

	hits, err := Enrich(context.Background(), store, aircraft)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}

	jet := aircraft[0]
	if jet.Registration != "N123UA" || jet.Operator != "United Airlines" {
		t.Errorf("jet enrichment: %+v", jet)
	}
	if jet.AircraftType != "Boeing 737-800" {
		t.Errorf("AircraftType = %q, want \"Boeing 737-800\"", jet.AircraftType)
	}
	if jet.IsHelicopter {
		t.Error("L2J must not classify as helicopter")
	}

	heli := aircraft[1]
	if !heli.IsHelicopter {
		t.Error("H2T must classify as helicopter")
	}

	// A class-only record falls back to the class as its type.
	bare := aircraft[2]
	if !bare.IsHelicopter || bare.AircraftType != "H1P" {
		t.Errorf("class-only record: %+v", bare)
	}

	// Unknown airframes cannot be helicopters.
	unknown := aircraft[3]
	if unknown.IsHelicopter || unknown.Registration != "" {
		t.Errorf("unknown airframe must stay unenriched: %+v", unknown)
	}
}

// TestEnrichNoRegistry keeps the pipeline alive in no-enrichment mode.
func TestEnrichNoRegistry(t *testing.T) {
	store := enrichStore(t, "")

	aircraft := []adsb.Aircraft{{Hex: "a1b2c3"}}
	hits, err := Enrich(context.Background(), store, aircraft)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if hits != 0 {
		t.Errorf("hits = %d, want 0", hits)
	}
	if aircraft[0].IsHelicopter {
		t.Error("nothing can be a helicopter without a registry")
	}
}

// TestIsHelicopterClass pins the classification rule: the ICAO class is the
// only signal.
func TestIsHelicopterClass(t *testing.T) {
	tests := []struct {
		class string
		want  bool
	}{
		{"H2T", true},
		{"H1P", true},
		{"h1t", true},
		{"L2J", false},
		{"", false},
		{"AH64", false}, // does not start with H
	}
	for _, tt := range tests {
		if got := IsHelicopterClass(tt.class); got != tt.want {
			t.Errorf("IsHelicopterClass(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

// TestHelicopters preserves blended order in the subset.
func TestHelicopters(t *testing.T) {
	aircraft := []adsb.Aircraft{
		{Hex: "000001", IsHelicopter: true},
		{Hex: "000002"},
		{Hex: "000003", IsHelicopter: true},
	}

	choppers := Helicopters(aircraft)
	if len(choppers) != 2 {
		t.Fatalf("choppers = %d, want 2", len(choppers))
	}
	if choppers[0].Hex != "000001" || choppers[1].Hex != "000003" {
		t.Errorf("order not preserved: %+v", choppers)
	}
}
