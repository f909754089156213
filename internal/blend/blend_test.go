package blend

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
	"github.com/jeffstrout/flightTrackerCollector/pkg/geo"
)

func testRegion() Region {
	return Region{
		CenterLat: 32.3513,
		CenterLon: -95.3011,
		Box:       geo.NewBoundingBox(32.3513, -95.3011, 150),
	}
}

func localReport(hex string, lat, lon float64, seen float64) adsb.Aircraft {
	return adsb.Aircraft{
		Hex:        hex,
		Lat:        adsb.Float(lat),
		Lon:        adsb.Float(lon),
		Seen:       adsb.Float(seen),
		DataSource: adsb.SourceDump1090,
	}
}

// TestBlendSingleSource mirrors the simplest cycle: one local receiver, one
// aircraft, wide area empty.
func TestBlendSingleSource(t *testing.T) {
	local := adsb.Aircraft{
		Hex:        "a1b2c3",
		Flight:     "UAL123",
		Lat:        adsb.Float(32.4),
		Lon:        adsb.Float(-95.3),
		AltBaro:    adsb.Int(35000),
		Gs:         adsb.Float(450),
		Track:      adsb.Float(270),
		Seen:       adsb.Float(0.5),
		DataSource: adsb.SourceDump1090,
	}

	result := Blend([]Input{
		{SourceID: adsb.SourceDump1090, Priority: adsb.PriorityLocalReceiver, Aircraft: []adsb.Aircraft{local}},
		{SourceID: adsb.SourceOpenSky, Priority: adsb.PriorityWideArea, Aircraft: nil},
	}, testRegion())

	if len(result.Aircraft) != 1 {
		t.Fatalf("expected 1 aircraft, got %d", len(result.Aircraft))
	}
	out := result.Aircraft[0]
	if out.DataSource != adsb.SourceDump1090 {
		t.Errorf("DataSource = %q, want dump1090 (single source is never blended)", out.DataSource)
	}
	if out.DistanceMiles == nil {
		t.Fatal("DistanceMiles not computed")
	}
	if *out.DistanceMiles < 3.3 || *out.DistanceMiles > 3.45 {
		t.Errorf("DistanceMiles = %f, want ~3.37", *out.DistanceMiles)
	}
	if result.BlendedCount != 0 {
		t.Errorf("BlendedCount = %d, want 0", result.BlendedCount)
	}
}

// TestBlendPriority verifies the local receiver beats the wide-area report
// and the fused record is tagged blended with the winner's kinematics only.
func TestBlendPriority(t *testing.T) {
	local := adsb.Aircraft{
		Hex:     "a1b2c3",
		Flight:  "UAL123",
		Lat:     adsb.Float(32.4),
		Lon:     adsb.Float(-95.3),
		AltBaro: adsb.Int(35000),
		Gs:      adsb.Float(450),
		Seen:    adsb.Float(0.5),
		RSSI:    adsb.Float(-12.3),
	}
	wide := adsb.Aircraft{
		Hex:     "a1b2c3",
		Lat:     adsb.Float(32.41),
		Lon:     adsb.Float(-95.29),
		AltBaro: adsb.Int(34998),
		Gs:      adsb.Float(449.9),
		Seen:    adsb.Float(0.1), // fresher, but lower priority
	}

	result := Blend([]Input{
		{SourceID: adsb.SourceOpenSky, Priority: adsb.PriorityWideArea, Aircraft: []adsb.Aircraft{wide}},
		{SourceID: adsb.SourceDump1090, Priority: adsb.PriorityLocalReceiver, Aircraft: []adsb.Aircraft{local}},
	}, testRegion())

	if len(result.Aircraft) != 1 {
		t.Fatalf("expected 1 aircraft, got %d", len(result.Aircraft))
	}
	out := result.Aircraft[0]

	if out.DataSource != adsb.SourceBlended {
		t.Errorf("DataSource = %q, want blended (two sources contributed)", out.DataSource)
	}
	if out.Lat == nil || *out.Lat != 32.4 {
		t.Errorf("Lat = %v, want the local receiver's 32.4", out.Lat)
	}
	if out.AltBaro == nil || *out.AltBaro != 35000 {
		t.Errorf("AltBaro = %v, want the local receiver's 35000", out.AltBaro)
	}
	if out.RSSI == nil || *out.RSSI != -12.3 {
		t.Errorf("RSSI = %v, want the winner's -12.3 carried through", out.RSSI)
	}
	if result.BlendedCount != 1 {
		t.Errorf("BlendedCount = %d, want 1", result.BlendedCount)
	}
}

// TestBlendPushBeatsLocal checks the full priority ladder.
func TestBlendPushBeatsLocal(t *testing.T) {
	push := localReport("a1b2c3", 32.40, -95.30, 1.0)
	local := localReport("a1b2c3", 32.41, -95.31, 0.2)

	result := Blend([]Input{
		{SourceID: adsb.SourceDump1090, Priority: adsb.PriorityLocalReceiver, Aircraft: []adsb.Aircraft{local}},
		{SourceID: adsb.PiStationSource("ETEX01"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{push}},
	}, testRegion())

	out := result.Aircraft[0]
	if out.DataSource != adsb.SourceBlended {
		t.Errorf("DataSource = %q, want blended", out.DataSource)
	}
	if *out.Lat != 32.40 {
		t.Errorf("Lat = %f, want the pi station's 32.40 despite its larger seen", *out.Lat)
	}
}

// TestBlendTieBreaks exercises the deterministic chain within one priority.
func TestBlendTieBreaks(t *testing.T) {
	t.Run("Smaller seen wins", func(t *testing.T) {
		a := localReport("a1b2c3", 32.40, -95.30, 2.0)
		b := localReport("a1b2c3", 32.45, -95.35, 0.5)

		result := Blend([]Input{
			{SourceID: adsb.PiStationSource("AAA"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{a}},
			{SourceID: adsb.PiStationSource("BBB"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{b}},
		}, testRegion())

		if *result.Aircraft[0].Lat != 32.45 {
			t.Errorf("winner lat = %f, want 32.45 (smaller seen)", *result.Aircraft[0].Lat)
		}
	})

	t.Run("Larger messages wins when seen ties", func(t *testing.T) {
		a := localReport("a1b2c3", 32.40, -95.30, 1.0)
		a.Messages = adsb.Int(100)
		b := localReport("a1b2c3", 32.45, -95.35, 1.0)
		b.Messages = adsb.Int(500)

		result := Blend([]Input{
			{SourceID: adsb.PiStationSource("AAA"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{a}},
			{SourceID: adsb.PiStationSource("BBB"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{b}},
		}, testRegion())

		if *result.Aircraft[0].Lat != 32.45 {
			t.Errorf("winner lat = %f, want 32.45 (more messages)", *result.Aircraft[0].Lat)
		}
	})

	t.Run("Lexicographically smaller source id wins last", func(t *testing.T) {
		a := localReport("a1b2c3", 32.40, -95.30, 1.0)
		b := localReport("a1b2c3", 32.45, -95.35, 1.0)

		result := Blend([]Input{
			{SourceID: adsb.PiStationSource("BBB"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{b}},
			{SourceID: adsb.PiStationSource("AAA"), Priority: adsb.PriorityPiStation, Aircraft: []adsb.Aircraft{a}},
		}, testRegion())

		if *result.Aircraft[0].Lat != 32.40 {
			t.Errorf("winner lat = %f, want 32.40 (source AAA < BBB)", *result.Aircraft[0].Lat)
		}
	})
}

// TestBlendFiltering drops invalid hexes, positionless reports, and
// out-of-box positions.
func TestBlendFiltering(t *testing.T) {
	region := testRegion()

	noPosition := adsb.Aircraft{Hex: "b67890"}
	badHex := localReport("zzzzzz", 32.4, -95.3, 1)
	farAway := localReport("c0ffee", 45.0, -122.0, 1)
	onBoundary := localReport("d1e2f3", region.Box.LatMax, -95.3011, 1)
	good := localReport("a1b2c3", 32.4, -95.3, 1)

	result := Blend([]Input{{
		SourceID: adsb.SourceDump1090,
		Priority: adsb.PriorityLocalReceiver,
		Aircraft: []adsb.Aircraft{noPosition, badHex, farAway, onBoundary, good},
	}}, region)

	if len(result.Aircraft) != 2 {
		t.Fatalf("expected 2 surviving aircraft, got %d", len(result.Aircraft))
	}
	if result.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", result.Dropped)
	}

	hexes := map[string]bool{}
	for _, ac := range result.Aircraft {
		hexes[ac.Hex] = true
	}
	if !hexes["a1b2c3"] || !hexes["d1e2f3"] {
		t.Errorf("wrong survivors: %v (boundary record must be accepted)", hexes)
	}
}

// TestBlendUppercaseHexNormalized ensures the output set is keyed by
// lowercase hex even when a source reports uppercase.
func TestBlendUppercaseHexNormalized(t *testing.T) {
	upper := localReport("A1B2C3", 32.4, -95.3, 1)
	lower := localReport("a1b2c3", 32.41, -95.31, 0.2)

	result := Blend([]Input{
		{SourceID: adsb.SourceDump1090, Priority: adsb.PriorityLocalReceiver, Aircraft: []adsb.Aircraft{upper}},
		{SourceID: adsb.SourceOpenSky, Priority: adsb.PriorityWideArea, Aircraft: []adsb.Aircraft{lower}},
	}, testRegion())

	if len(result.Aircraft) != 1 {
		t.Fatalf("case-differing hexes must dedupe to 1, got %d", len(result.Aircraft))
	}
	if result.Aircraft[0].Hex != "a1b2c3" {
		t.Errorf("Hex = %q, want lowercase", result.Aircraft[0].Hex)
	}
}

// TestBlendSortOrder checks the (distance asc, hex asc) contract.
func TestBlendSortOrder(t *testing.T) {
	far := localReport("aaaaaa", 33.0, -95.3011, 1)
	near := localReport("ffffff", 32.36, -95.3011, 1)
	nearSameSpot := localReport("000001", 32.36, -95.3011, 1)

	result := Blend([]Input{{
		SourceID: adsb.SourceDump1090,
		Priority: adsb.PriorityLocalReceiver,
		Aircraft: []adsb.Aircraft{far, near, nearSameSpot},
	}}, testRegion())

	var got []string
	for _, ac := range result.Aircraft {
		got = append(got, ac.Hex)
	}
	want := []string{"000001", "ffffff", "aaaaaa"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sort order mismatch (-want +got):\n%s", diff)
	}
}

// TestBlendDeterministic runs the same inputs repeatedly and requires
// identical output.
func TestBlendDeterministic(t *testing.T) {
	inputs := []Input{
		{SourceID: adsb.SourceOpenSky, Priority: adsb.PriorityWideArea, Aircraft: []adsb.Aircraft{
			localReport("a1b2c3", 32.41, -95.29, 5),
			localReport("b67890", 32.5, -95.2, 12),
		}},
		{SourceID: adsb.SourceDump1090, Priority: adsb.PriorityLocalReceiver, Aircraft: []adsb.Aircraft{
			localReport("a1b2c3", 32.4, -95.3, 0.5),
			localReport("c0ffee", 32.3, -95.4, 3),
		}},
	}

	first := Blend(inputs, testRegion())
	for i := 0; i < 20; i++ {
		again := Blend(inputs, testRegion())
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("blend not deterministic on run %d (-first +again):\n%s", i, diff)
		}
	}
}

// TestBlendIdempotent feeds a blend back through as a single source; the
// output must match except for provenance tagging.
func TestBlendIdempotent(t *testing.T) {
	inputs := []Input{
		{SourceID: adsb.SourceOpenSky, Priority: adsb.PriorityWideArea, Aircraft: []adsb.Aircraft{
			localReport("a1b2c3", 32.41, -95.29, 5),
			localReport("b67890", 32.5, -95.2, 12),
		}},
		{SourceID: adsb.SourceDump1090, Priority: adsb.PriorityLocalReceiver, Aircraft: []adsb.Aircraft{
			localReport("a1b2c3", 32.4, -95.3, 0.5),
		}},
	}

	once := Blend(inputs, testRegion())
	twice := Blend([]Input{{
		SourceID: "reblend",
		Priority: adsb.PriorityLocalReceiver,
		Aircraft: once.Aircraft,
	}}, testRegion())

	ignoreSource := cmp.Comparer(func(a, b adsb.Aircraft) bool {
		a.DataSource, b.DataSource = "", ""
		return cmp.Equal(a, b)
	})
	if diff := cmp.Diff(once.Aircraft, twice.Aircraft, ignoreSource); diff != "" {
		t.Errorf("blend(blend(X)) != blend(X) (-once +twice):\n%s", diff)
	}
	if len(twice.Aircraft) != len(once.Aircraft) {
		t.Errorf("record count changed: %d -> %d", len(once.Aircraft), len(twice.Aircraft))
	}
}

// TestBlendUniqueHexes asserts exactly one record per hex in the output.
func TestBlendUniqueHexes(t *testing.T) {
	var inputs []Input
	for i, src := range []string{"pi_station:A", "dump1090", "opensky"} {
		inputs = append(inputs, Input{
			SourceID: src,
			Priority: 3 - i,
			Aircraft: []adsb.Aircraft{
				localReport("a1b2c3", 32.4, -95.3, float64(i)),
				localReport("b67890", 32.5, -95.2, float64(i)),
			},
		})
	}

	result := Blend(inputs, testRegion())
	if len(result.Aircraft) != 2 {
		t.Fatalf("expected 2 unique aircraft, got %d", len(result.Aircraft))
	}
	seen := map[string]int{}
	for _, ac := range result.Aircraft {
		seen[ac.Hex]++
	}
	for hex, n := range seen {
		if n != 1 {
			t.Errorf("hex %s appears %d times", hex, n)
		}
	}
	if result.BlendedCount != 2 {
		t.Errorf("BlendedCount = %d, want 2", result.BlendedCount)
	}
}
