package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
	"github.com/jeffstrout/flightTrackerCollector/pkg/geo"
)

// Unit conversions for OpenSky state vectors, which report metric units.
const (
	MetersToFeet = 3.28084
	MpsToKnots   = 1.94384
	MpsToFpm     = 196.85
)

const (
	// backoffDuration arms after an upstream 429. The gauge lives in the
	// cache because the OpenSky rate limit is global: every region's client
	// must honor a backoff any one of them triggered.
	backoffDuration = 5 * time.Minute

	// responseCacheTTL bounds how long a snapshot keeps serving ticks that
	// arrive faster than the configured poll interval.
	responseCacheTTL = 60 * time.Second

	// Daily request-credit budgets, per the OpenSky API contract.
	dailyCreditsAnonymous     = 400
	dailyCreditsAuthenticated = 4000

	creditsHeader = "X-Rate-Limit-Remaining"
)

// RateLimitError reports an upstream 429 and when the caller may try again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("opensky: rate limited (retry after %v)", e.RetryAfter)
}

// OpenSkyClient queries the OpenSky states endpoint for one region's
// bounding box. The client owns the process-wide credit accounting and
// cooperates with other regions through the cache-persisted backoff gauge.
type OpenSkyClient struct {
	url          string
	username     string
	password     string
	anonymous    bool
	box          geo.BoundingBox
	pollInterval time.Duration
	httpClient   *http.Client
	limiter      *rate.Limiter
	cache        *cache.Client
	log          *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu         sync.Mutex
	snapshot   []adsb.Aircraft
	snapshotAt time.Time
	credits    int
	throttled  bool
	skipTick   bool
}

// OpenSkyConfig wires an OpenSkyClient.
type OpenSkyConfig struct {
	URL          string
	Anonymous    bool
	Username     string
	Password     string
	Box          geo.BoundingBox
	PollInterval time.Duration
}

// NewOpenSkyClient creates a wide-area poller for one region.
func NewOpenSkyClient(cfg OpenSkyConfig, cacheClient *cache.Client, log *slog.Logger) *OpenSkyClient {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = responseCacheTTL
	}

	credits := dailyCreditsAnonymous
	if !cfg.Anonymous {
		credits = dailyCreditsAuthenticated
	}

	return &OpenSkyClient{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		anonymous:    cfg.Anonymous,
		box:          cfg.Box,
		pollInterval: interval,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		cache:   cacheClient,
		log:     log,
		now:     time.Now,
		credits: credits,
	}
}

// Name implements Source.
func (c *OpenSkyClient) Name() string { return adsb.SourceOpenSky }

// Priority implements Source.
func (c *OpenSkyClient) Priority() int { return adsb.PriorityWideArea }

// CreditCost approximates the request cost charged for a bounding box,
// sized by its area in square degrees.
func CreditCost(box geo.BoundingBox) int {
	area := box.AreaDeg2()
	switch {
	case area <= 25:
		return 1
	case area <= 100:
		return 2
	case area <= 400:
		return 3
	default:
		return 4
	}
}

// Fetch returns the current wide-area snapshot. Cached data serves ticks
// inside the poll interval; the network is only touched when the backoff
// gauge is clear, the daily budget projection allows it, and the limiter
// grants a slot.
func (c *OpenSkyClient) Fetch(ctx context.Context) ([]adsb.Aircraft, error) {
	now := c.now()

	c.mu.Lock()
	if !c.snapshotAt.IsZero() && now.Sub(c.snapshotAt) < c.cacheWindow() {
		snap := c.snapshot
		c.mu.Unlock()
		c.log.Debug("opensky: serving cached snapshot", "age", now.Sub(c.snapshotAt))
		return snap, nil
	}
	if c.throttled {
		c.skipTick = !c.skipTick
		if c.skipTick {
			c.mu.Unlock()
			c.log.Debug("opensky: credit budget low, skipping tick")
			return nil, nil
		}
	}
	c.mu.Unlock()

	if until, ok := c.backoffUntil(ctx); ok && now.Before(until) {
		c.log.Debug("opensky: in backoff, skipping fetch", "until", until)
		return nil, nil
	}

	if !c.limiter.Allow() {
		c.log.Debug("opensky: poll interval not elapsed")
		return nil, nil
	}

	aircraft, err := c.query(ctx, now)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshot = aircraft
	c.snapshotAt = now
	c.throttled = c.projectExhaustion(now)
	c.mu.Unlock()

	return aircraft, nil
}

// query performs the actual states request.
func (c *OpenSkyClient) query(ctx context.Context, now time.Time) ([]adsb.Aircraft, error) {
	params := url.Values{}
	params.Set("lamin", strconv.FormatFloat(c.box.LatMin, 'f', 4, 64))
	params.Set("lomin", strconv.FormatFloat(c.box.LonMin, 'f', 4, 64))
	params.Set("lamax", strconv.FormatFloat(c.box.LatMax, 'f', 4, 64))
	params.Set("lomax", strconv.FormatFloat(c.box.LonMax, 'f', 4, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("opensky: create request: %w", err)
	}
	if !c.anonymous && c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opensky: fetch: %w", err)
	}
	defer resp.Body.Close()

	c.recordCredits(ctx, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		c.armBackoff(ctx, now)
		return nil, &RateLimitError{RetryAfter: backoffDuration}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opensky: status %d", resp.StatusCode)
	}

	var payload openskyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("opensky: parse: %w", err)
	}

	aircraft := make([]adsb.Aircraft, 0, len(payload.States))
	for _, state := range payload.States {
		ac, ok := convertStateVector(state, payload.Time)
		if !ok {
			continue
		}
		aircraft = append(aircraft, ac)
	}

	c.log.Debug("opensky fetch complete", "aircraft", len(aircraft))
	return aircraft, nil
}

// recordCredits persists the remaining-credits header so operators (and the
// exhaustion projection) can see the live value.
func (c *OpenSkyClient) recordCredits(ctx context.Context, header http.Header) {
	raw := header.Get(creditsHeader)
	if raw == "" {
		return
	}
	credits, err := strconv.Atoi(raw)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.credits = credits
	c.mu.Unlock()

	if err := c.cache.SetString(ctx, cache.OpenSkyCreditsKey, raw); err != nil {
		c.log.Debug("opensky: failed to persist credits gauge", "error", err)
	}
}

// armBackoff publishes the shared backoff deadline. Last writer wins; a
// small disagreement between regions is acceptable.
func (c *OpenSkyClient) armBackoff(ctx context.Context, now time.Time) {
	until := now.Add(backoffDuration)
	c.log.Warn("opensky: rate limited, backing off", "until", until)
	if err := c.cache.SetString(ctx, cache.OpenSkyBackoffKey,
		strconv.FormatInt(until.Unix(), 10)); err != nil {
		c.log.Debug("opensky: failed to persist backoff gauge", "error", err)
	}
}

// backoffUntil reads the shared backoff deadline.
func (c *OpenSkyClient) backoffUntil(ctx context.Context) (time.Time, bool) {
	raw, err := c.cache.GetString(ctx, cache.OpenSkyBackoffKey)
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// projectExhaustion estimates whether the remaining daily budget covers the
// calls left before midnight UTC at the current cadence. When it does not,
// the client halves its effective rate by skipping every other tick.
func (c *OpenSkyClient) projectExhaustion(now time.Time) bool {
	midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	remaining := midnight.Sub(now.UTC())
	calls := int(remaining / c.pollInterval)
	projected := calls * CreditCost(c.box)
	return c.credits < projected
}

func (c *OpenSkyClient) cacheWindow() time.Duration {
	if c.pollInterval > responseCacheTTL {
		return c.pollInterval
	}
	return responseCacheTTL
}

// openskyResponse is the states endpoint envelope. Each state is a
// positional array; see convertStateVector for the index map.
type openskyResponse struct {
	Time   int64               `json:"time"`
	States [][]json.RawMessage `json:"states"`
}

// State vector indices, per the OpenSky API.
const (
	svICAO24 = iota
	svCallsign
	svOriginCountry
	svTimePosition
	svLastContact
	svLongitude
	svLatitude
	svBaroAltitude
	svOnGround
	svVelocity
	svTrueTrack
	svVerticalRate
	svSensors
	svGeoAltitude
	svSquawk
	svSPI
	svPositionSource
	svFieldCount
)

// convertStateVector maps one positional vector onto the named record,
// converting metric units at the boundary. Vectors without a hex or a
// position are dropped.
func convertStateVector(state []json.RawMessage, responseTime int64) (adsb.Aircraft, bool) {
	if len(state) < svFieldCount {
		return adsb.Aircraft{}, false
	}

	hex := adsb.NormalizeHex(decodeString(state[svICAO24]))
	if !adsb.ValidHex(hex) {
		return adsb.Aircraft{}, false
	}

	lat := decodeFloat(state[svLatitude])
	lon := decodeFloat(state[svLongitude])
	if lat == nil || lon == nil {
		return adsb.Aircraft{}, false
	}

	ac := adsb.Aircraft{
		Hex:        hex,
		Flight:     decodeString(state[svCallsign]),
		Lat:        lat,
		Lon:        lon,
		Squawk:     decodeString(state[svSquawk]),
		OnGround:   decodeBool(state[svOnGround]),
		DataSource: adsb.SourceOpenSky,
	}

	if alt := decodeFloat(state[svBaroAltitude]); alt != nil {
		ac.AltBaro = adsb.Int(int(*alt * MetersToFeet))
	}
	if alt := decodeFloat(state[svGeoAltitude]); alt != nil {
		ac.AltGeom = adsb.Int(int(*alt * MetersToFeet))
	}
	if v := decodeFloat(state[svVelocity]); v != nil {
		ac.Gs = adsb.Float(round1(*v * MpsToKnots))
	}
	if t := decodeFloat(state[svTrueTrack]); t != nil {
		ac.Track = adsb.Float(round1(*t))
	}
	if vr := decodeFloat(state[svVerticalRate]); vr != nil {
		ac.BaroRate = adsb.Float(round1(*vr * MpsToFpm))
	}
	if lc := decodeFloat(state[svLastContact]); lc != nil && responseTime > 0 {
		seen := float64(responseTime) - *lc
		if seen < 0 {
			seen = 0
		}
		ac.Seen = adsb.Float(seen)
	}

	return ac, true
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	// OpenSky pads callsigns with trailing spaces.
	return strings.TrimSpace(s)
}

func decodeFloat(raw json.RawMessage) *float64 {
	var f *float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f
}

func decodeBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int(v*10-0.5)) / 10
	}
	return float64(int(v*10+0.5)) / 10
}
