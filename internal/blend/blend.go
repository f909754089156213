// Package blend reconciles per-source aircraft lists into the single
// authoritative region set, enriches it from the registry, and marks
// helicopters.
//
// The blender is pure: the same inputs always produce the same output, so a
// cycle can be replayed byte-for-byte. All wall-clock concerns (push-buffer
// freshness, source deadlines) are resolved by the scheduler before the
// inputs get here.
package blend

import (
	"math"
	"sort"

	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
	"github.com/jeffstrout/flightTrackerCollector/pkg/geo"
)

// Input is one source's contribution to a region cycle.
type Input struct {
	// SourceID is the provenance tag ("dump1090", "opensky", "pi_station:X").
	SourceID string

	// Priority orders sources when the same aircraft appears in several.
	Priority int

	Aircraft []adsb.Aircraft
}

// Region carries the geometry the blender clips against.
type Region struct {
	CenterLat float64
	CenterLon float64
	Box       geo.BoundingBox
}

// Result is a blended region set plus the counters the stats layer records.
type Result struct {
	Aircraft []adsb.Aircraft

	// TotalReports is the input size before deduplication.
	TotalReports int

	// Dropped counts reports removed for invalid hex, missing position, or
	// falling outside the bounding box.
	Dropped int

	// BlendedCount is how many output records fused two or more sources.
	BlendedCount int

	// PerSource maps source id to the number of reports that survived
	// filtering.
	PerSource map[string]int
}

// candidate pairs a surviving report with its source for tie-breaking.
type candidate struct {
	sourceID string
	priority int
	aircraft adsb.Aircraft
}

// Blend merges the per-source lists for one region into a deduplicated,
// distance-sorted set.
//
// Selection within a hex group: highest priority wins; ties break by smaller
// seen, then larger message count, then lexicographically smaller source id.
// Kinematics come exclusively from the winner; there is no field-level
// merging. A record is tagged "blended" exactly when two or more distinct
// sources contributed to its group.
func Blend(inputs []Input, region Region) Result {
	result := Result{PerSource: make(map[string]int)}

	groups := make(map[string][]candidate)
	var order []string

	for _, input := range inputs {
		result.TotalReports += len(input.Aircraft)

		for _, ac := range input.Aircraft {
			ac.Hex = adsb.NormalizeHex(ac.Hex)
			if !adsb.ValidHex(ac.Hex) || !ac.HasPosition() {
				result.Dropped++
				continue
			}
			if !region.Box.Contains(*ac.Lat, *ac.Lon) {
				result.Dropped++
				continue
			}

			// Distance is derived state; whatever a source claimed is
			// discarded and recomputed against this region's center.
			dist := geo.Distance(*ac.Lat, *ac.Lon, region.CenterLat, region.CenterLon)
			ac.DistanceMiles = adsb.Float(round2(dist))

			if _, seen := groups[ac.Hex]; !seen {
				order = append(order, ac.Hex)
			}
			groups[ac.Hex] = append(groups[ac.Hex], candidate{
				sourceID: input.SourceID,
				priority: input.Priority,
				aircraft: ac,
			})
			result.PerSource[input.SourceID]++
		}
	}

	result.Aircraft = make([]adsb.Aircraft, 0, len(groups))
	for _, hex := range order {
		group := groups[hex]
		winner := pickWinner(group)

		out := winner.aircraft
		if distinctSources(group) >= 2 {
			out.DataSource = adsb.SourceBlended
			result.BlendedCount++
		} else {
			out.DataSource = winner.sourceID
		}
		result.Aircraft = append(result.Aircraft, out)
	}

	sort.Slice(result.Aircraft, func(i, j int) bool {
		di := *result.Aircraft[i].DistanceMiles
		dj := *result.Aircraft[j].DistanceMiles
		if di != dj {
			return di < dj
		}
		return result.Aircraft[i].Hex < result.Aircraft[j].Hex
	})

	return result
}

// pickWinner applies the deterministic tie-break chain.
func pickWinner(group []candidate) candidate {
	winner := group[0]
	for _, c := range group[1:] {
		if beats(c, winner) {
			winner = c
		}
	}
	return winner
}

func beats(a, b candidate) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	aSeen, bSeen := seenOrInf(a.aircraft), seenOrInf(b.aircraft)
	if aSeen != bSeen {
		return aSeen < bSeen
	}
	aMsgs, bMsgs := messagesOrZero(a.aircraft), messagesOrZero(b.aircraft)
	if aMsgs != bMsgs {
		return aMsgs > bMsgs
	}
	return a.sourceID < b.sourceID
}

func distinctSources(group []candidate) int {
	if len(group) < 2 {
		return len(group)
	}
	ids := make(map[string]struct{}, len(group))
	for _, c := range group {
		ids[c.sourceID] = struct{}{}
	}
	return len(ids)
}

func seenOrInf(a adsb.Aircraft) float64 {
	if a.Seen == nil {
		return math.Inf(1)
	}
	return *a.Seen
}

func messagesOrZero(a adsb.Aircraft) int {
	if a.Messages == nil {
		return 0
	}
	return *a.Messages
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
