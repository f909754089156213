package blend

import (
	"context"
	"strings"

	"github.com/jeffstrout/flightTrackerCollector/internal/registry"
	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
)

// Enrich joins the blended set against the aircraft registry in a single
// batched lookup and classifies helicopters. It mutates the slice in place
// and returns how many records found a registry entry.
//
// A report without a registry record keeps empty enrichment fields and can
// never be a helicopter: the ICAO aircraft class is the only classification
// signal.
func Enrich(ctx context.Context, store *registry.Store, aircraft []adsb.Aircraft) (hits int, err error) {
	hexes := make([]string, len(aircraft))
	for i, ac := range aircraft {
		hexes[i] = ac.Hex
	}

	entries, err := store.BatchLookup(ctx, hexes)
	if err != nil {
		return 0, err
	}

	for i := range aircraft {
		ac := &aircraft[i]
		entry, ok := entries[ac.Hex]
		if !ok {
			ac.IsHelicopter = false
			continue
		}

		ac.Registration = entry.Registration
		ac.Manufacturer = entry.Manufacturer
		ac.Model = entry.Model
		ac.Typecode = entry.Typecode
		ac.Operator = entry.Operator
		ac.Owner = entry.Owner
		ac.ICAOAircraftClass = entry.ICAOAircraftClass

		if entry.Model != "" {
			ac.AircraftType = strings.TrimSpace(entry.Manufacturer + " " + entry.Model)
		} else {
			ac.AircraftType = entry.ICAOAircraftClass
		}

		ac.IsHelicopter = IsHelicopterClass(entry.ICAOAircraftClass)
		hits++
	}

	return hits, nil
}

// IsHelicopterClass reports whether an ICAO aircraft class describes a
// rotorcraft (e.g. "H1P", "H2T"). The class is the sole signal; callsign and
// registration heuristics are deliberately not used.
func IsHelicopterClass(class string) bool {
	return class != "" && (class[0] == 'H' || class[0] == 'h')
}

// Helicopters returns the rotorcraft subset, preserving blended order.
func Helicopters(aircraft []adsb.Aircraft) []adsb.Aircraft {
	var choppers []adsb.Aircraft
	for _, ac := range aircraft {
		if ac.IsHelicopter {
			choppers = append(choppers, ac)
		}
	}
	return choppers
}
