// Package source implements the per-region data sources the scheduler fans
// out to: the local dump1090 receiver poll and the wide-area OpenSky query.
// Push-station buffers are the third input to a cycle but live in the cache;
// the scheduler reads them directly.
//
// Every source normalizes into []adsb.Aircraft. A failing source returns an
// empty list together with its error so one bad upstream never stalls a
// cycle.
package source

import (
	"context"

	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
)

// Source is a pollable data source for one region.
type Source interface {
	// Name is the provenance tag recorded on reports ("dump1090", "opensky").
	Name() string

	// Priority orders this source in the blender. Higher wins.
	Priority() int

	// Fetch returns the current normalized snapshot. Implementations honor
	// ctx deadlines; on failure they return an empty slice and the error.
	Fetch(ctx context.Context) ([]adsb.Aircraft, error)
}
