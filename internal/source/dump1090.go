package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
)

// staleSeconds drops receiver records that have not been heard recently.
// dump1090 keeps aircraft in its JSON for a while after losing them.
const staleSeconds = 60.0

// Dump1090Client polls a local ADS-B receiver's aircraft.json.
// Units are already native (feet, knots, ft/min); normalization is limited
// to identity cleanup and staleness filtering.
type Dump1090Client struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// NewDump1090Client creates a poller for one receiver. The conventional
// tar1090 path /data/aircraft.json is appended when the URL does not already
// point at it.
func NewDump1090Client(url string, log *slog.Logger) *Dump1090Client {
	if !strings.HasSuffix(url, "/data/aircraft.json") {
		url = strings.TrimSuffix(url, "/") + "/data/aircraft.json"
	}
	return &Dump1090Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

// Name implements Source.
func (c *Dump1090Client) Name() string { return adsb.SourceDump1090 }

// Priority implements Source.
func (c *Dump1090Client) Priority() int { return adsb.PriorityLocalReceiver }

// Fetch pulls the receiver snapshot once. There are no retries; a failed
// poll contributes an empty list to this cycle and the next tick tries again.
func (c *Dump1090Client) Fetch(ctx context.Context) ([]adsb.Aircraft, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dump1090: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dump1090: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dump1090: status %d", resp.StatusCode)
	}

	var payload dump1090Response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("dump1090: parse: %w", err)
	}

	aircraft := make([]adsb.Aircraft, 0, len(payload.Aircraft))
	for _, raw := range payload.Aircraft {
		ac, ok := normalizeDump1090(raw)
		if !ok {
			continue
		}
		aircraft = append(aircraft, ac)
	}

	c.log.Debug("dump1090 fetch complete", "url", c.url, "aircraft", len(aircraft))
	return aircraft, nil
}

// dump1090Response is the aircraft.json envelope.
type dump1090Response struct {
	Now      float64            `json:"now"`
	Messages int64              `json:"messages"`
	Aircraft []dump1090Aircraft `json:"aircraft"`
}

// dump1090Aircraft is one raw receiver record. Altitudes can be the string
// "ground" instead of a number, so they decode as interface{}.
type dump1090Aircraft struct {
	Hex      string      `json:"hex"`
	Flight   string      `json:"flight"`
	Lat      *float64    `json:"lat"`
	Lon      *float64    `json:"lon"`
	AltBaro  interface{} `json:"alt_baro"`
	AltGeom  interface{} `json:"alt_geom"`
	Gs       *float64    `json:"gs"`
	Track    *float64    `json:"track"`
	BaroRate *float64    `json:"baro_rate"`
	Squawk   string      `json:"squawk"`
	RSSI     *float64    `json:"rssi"`
	Messages *int        `json:"messages"`
	Seen     *float64    `json:"seen"`
}

// DecodeLocalRecord parses one aircraft record in the local-receiver wire
// format. Push stations forward the same shape, so the ingress validates
// records through this function too. Staleness is not judged here; that is
// the poller's concern.
func DecodeLocalRecord(data []byte) (adsb.Aircraft, error) {
	var raw dump1090Aircraft
	if err := json.Unmarshal(data, &raw); err != nil {
		return adsb.Aircraft{}, fmt.Errorf("malformed record: %w", err)
	}
	ac, ok := convertLocalRecord(raw)
	if !ok {
		return adsb.Aircraft{}, fmt.Errorf("invalid hex %q", raw.Hex)
	}
	return ac, nil
}

// normalizeDump1090 converts a raw record, reporting false for records that
// must be dropped (no hex, invalid hex, or stale).
func normalizeDump1090(raw dump1090Aircraft) (adsb.Aircraft, bool) {
	if raw.Seen != nil && *raw.Seen > staleSeconds {
		return adsb.Aircraft{}, false
	}
	return convertLocalRecord(raw)
}

// convertLocalRecord maps the raw wire record onto the normalized report.
func convertLocalRecord(raw dump1090Aircraft) (adsb.Aircraft, bool) {
	hex := adsb.NormalizeHex(raw.Hex)
	if !adsb.ValidHex(hex) {
		return adsb.Aircraft{}, false
	}

	ac := adsb.Aircraft{
		Hex:        hex,
		Flight:     strings.TrimSpace(raw.Flight),
		Lat:        raw.Lat,
		Lon:        raw.Lon,
		Gs:         raw.Gs,
		Track:      raw.Track,
		BaroRate:   raw.BaroRate,
		Squawk:     raw.Squawk,
		RSSI:       raw.RSSI,
		Messages:   raw.Messages,
		Seen:       raw.Seen,
		DataSource: adsb.SourceDump1090,
	}

	if alt, onGround := parseAltitude(raw.AltBaro); alt != nil {
		ac.AltBaro = alt
		ac.OnGround = ac.OnGround || onGround
	}
	if alt, onGround := parseAltitude(raw.AltGeom); alt != nil {
		ac.AltGeom = alt
		ac.OnGround = ac.OnGround || onGround
	}

	return ac, true
}

// parseAltitude handles altitude fields that may be a number or the string
// "ground". Returns the altitude in feet and whether the value meant
// on-ground.
func parseAltitude(val interface{}) (*int, bool) {
	switch v := val.(type) {
	case float64:
		return adsb.Int(int(v)), false
	case string:
		if v == "ground" {
			return adsb.Int(0), true
		}
		return nil, false
	default:
		return nil, false
	}
}
