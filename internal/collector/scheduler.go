// Package collector drives the per-region collection cycle: a fixed-cadence
// loop that fans out to the configured sources, blends and enriches the
// results, and publishes the region set to the cache in one pipelined write.
//
// Every enabled region gets its own Scheduler goroutine. Schedulers never
// coordinate with each other; they share only the cache client and the
// registry store, both of which are safe for concurrent use.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeffstrout/flightTrackerCollector/internal/blend"
	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/internal/registry"
	"github.com/jeffstrout/flightTrackerCollector/internal/source"
	"github.com/jeffstrout/flightTrackerCollector/internal/stats"
	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
	"github.com/jeffstrout/flightTrackerCollector/pkg/config"
	"github.com/jeffstrout/flightTrackerCollector/pkg/geo"
)

// waveMargin is subtracted from the tick interval to form the fan-out
// deadline, leaving room for blend and the pipelined write.
const waveMargin = time.Second

// pacedSource wraps a Source with its configured cadence. When the scheduler
// ticks faster than the source's poll interval, the previous snapshot is
// reused instead of hitting the network again.
type pacedSource struct {
	src      source.Source
	interval time.Duration

	// mu guards the snapshot: a fetch abandoned at the wave deadline can
	// still be finishing while the next wave reads.
	mu        sync.Mutex
	lastFetch time.Time
	snapshot  []adsb.Aircraft
}

// Scheduler runs the collection cycle for one region.
type Scheduler struct {
	region   config.RegionConfig
	blendReg blend.Region
	sources  []*pacedSource
	hasPush  bool
	pushTTL  time.Duration
	tick     time.Duration

	cache    *cache.Client
	registry *registry.Store
	recorder *stats.Recorder
	log      *slog.Logger

	// degraded is set after a failed cache write. Ticks keep running but
	// skip the write phase until the cache answers a ping again.
	degraded bool

	// now is swappable for tests.
	now func() time.Time
}

// New builds a Scheduler for one region, instantiating a client per
// configured source.
func New(region config.RegionConfig, cfg *config.Config, cacheClient *cache.Client,
	reg *registry.Store, recorder *stats.Recorder, log *slog.Logger) *Scheduler {

	box := geo.NewBoundingBox(region.Center.Lat, region.Center.Lon, region.RadiusMiles)
	log = log.With("region", region.ID)

	s := &Scheduler{
		region: region,
		blendReg: blend.Region{
			CenterLat: region.Center.Lat,
			CenterLon: region.Center.Lon,
			Box:       box,
		},
		pushTTL:  region.PushBufferTTL(),
		tick:     cfg.TickInterval(),
		cache:    cacheClient,
		registry: reg,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}

	for _, srcCfg := range region.Sources {
		if !srcCfg.Enabled {
			continue
		}
		switch srcCfg.Type {
		case config.SourceTypeLocalReceiver:
			s.addSource(source.NewDump1090Client(srcCfg.URL, log), srcCfg.PollInterval())
		case config.SourceTypeWideArea:
			s.addSource(source.NewOpenSkyClient(source.OpenSkyConfig{
				URL:          srcCfg.URL,
				Anonymous:    srcCfg.Anonymous,
				Username:     srcCfg.Username,
				Password:     srcCfg.Password,
				Box:          box,
				PollInterval: srcCfg.PollInterval(),
			}, cacheClient, log), srcCfg.PollInterval())
		case config.SourceTypePush:
			s.hasPush = true
		}
	}

	return s
}

func (s *Scheduler) addSource(src source.Source, interval time.Duration) {
	s.sources = append(s.sources, &pacedSource{src: src, interval: interval})
}

// Run executes cycles until ctx is cancelled. A new tick never starts while
// the previous one is running; a tick that overruns the interval is followed
// immediately by the next one with no catch-up of missed ticks.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("region scheduler started",
		"tick", s.tick, "sources", len(s.sources), "push", s.hasPush)

	for {
		start := s.now()
		s.runCycle(ctx)

		if ctx.Err() != nil {
			s.log.Info("region scheduler stopped")
			return
		}

		wait := s.tick - s.now().Sub(start)
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			s.log.Info("region scheduler stopped")
			return
		case <-time.After(wait):
		}
	}
}

// fetchResult is one source's contribution to a fan-out wave.
type fetchResult struct {
	inputs   []blend.Input
	rawName  string
	raw      []adsb.Aircraft
	err      error
	timedOut bool
}

// runCycle performs one full collection cycle:
// fan-out -> blend -> enrich -> pipelined write -> stats.
func (s *Scheduler) runCycle(ctx context.Context) {
	start := s.now()

	if s.degraded {
		if err := s.cache.Ping(ctx); err != nil {
			s.log.Debug("cache still unreachable, staying degraded", "error", err)
		} else {
			s.degraded = false
			s.log.Info("cache reachable again, leaving degraded mode")
		}
	}

	inputs, rawSnapshots, timeouts := s.fanOut(ctx, start)

	// Shutdown during the fan-out phase abandons the tick; no partial state
	// has been written yet.
	if ctx.Err() != nil {
		return
	}

	result := blend.Blend(inputs, s.blendReg)

	enrichHits := 0
	if len(result.Aircraft) > 0 {
		hits, err := blend.Enrich(ctx, s.registry, result.Aircraft)
		if err != nil {
			s.log.Warn("enrichment failed, publishing unenriched set", "error", err)
		}
		enrichHits = hits
	}
	choppers := blend.Helicopters(result.Aircraft)

	// Past the blend point the cycle completes even under shutdown, so the
	// write context must outlive ctx cancellation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if !s.degraded {
		if err := s.publish(writeCtx, result.Aircraft, choppers, rawSnapshots); err != nil {
			s.degraded = true
			s.log.Error("cache write failed, entering degraded mode", "error", err)
		}
	}

	duration := s.now().Sub(start)
	s.recorder.RecordCycle(writeCtx, stats.Cycle{
		Region:         s.region.ID,
		Duration:       duration,
		TotalReports:   result.TotalReports,
		UniqueAircraft: len(result.Aircraft),
		BlendedCount:   result.BlendedCount,
		Helicopters:    len(choppers),
		Timeouts:       timeouts,
		EnrichmentHits: enrichHits,
		PerSource:      result.PerSource,
	})

	s.logCycle(result, choppers, duration)
}

// fanOut reads every configured source and the push buffers concurrently,
// bounded by the wave deadline. Sources that miss the deadline contribute
// nothing and are counted as timeouts.
func (s *Scheduler) fanOut(parent context.Context, start time.Time) ([]blend.Input, map[string][]adsb.Aircraft, int) {
	deadline := s.tick - waveMargin
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	workers := len(s.sources)
	if s.hasPush {
		workers++
	}

	results := make(chan fetchResult, workers)

	for _, paced := range s.sources {
		go func(p *pacedSource) {
			results <- s.fetchPaced(ctx, p, start)
		}(paced)
	}
	if s.hasPush {
		go func() {
			results <- s.readPushBuffers(ctx, start)
		}()
	}

	var inputs []blend.Input
	raw := make(map[string][]adsb.Aircraft)
	timeouts := 0

	for i := 0; i < workers; i++ {
		select {
		case res := <-results:
			if res.timedOut {
				timeouts++
			}
			if res.err != nil {
				s.log.Warn("source fetch failed", "error", res.err)
				continue
			}
			inputs = append(inputs, res.inputs...)
			if res.rawName != "" && len(res.raw) > 0 {
				raw[res.rawName] = res.raw
			}
		case <-ctx.Done():
			// Whatever has not reported by the deadline is abandoned; the
			// stragglers' goroutines drain into the buffered channel.
			timeouts += workers - i
			return inputs, raw, timeouts
		}
	}

	return inputs, raw, timeouts
}

// fetchPaced fetches one source, reusing the previous snapshot when the
// source's poll interval has not elapsed.
func (s *Scheduler) fetchPaced(ctx context.Context, p *pacedSource, now time.Time) fetchResult {
	p.mu.Lock()
	if p.interval > s.tick && !p.lastFetch.IsZero() && now.Sub(p.lastFetch) < p.interval {
		snapshot := p.snapshot
		p.mu.Unlock()
		return fetchResult{
			inputs: []blend.Input{{
				SourceID: p.src.Name(), Priority: p.src.Priority(), Aircraft: snapshot,
			}},
		}
	}
	p.mu.Unlock()

	aircraft, err := p.src.Fetch(ctx)
	if err != nil {
		timedOut := ctx.Err() != nil
		return fetchResult{err: fmt.Errorf("%s: %w", p.src.Name(), err), timedOut: timedOut}
	}

	p.mu.Lock()
	p.lastFetch = now
	p.snapshot = aircraft
	p.mu.Unlock()

	return fetchResult{
		inputs: []blend.Input{{
			SourceID: p.src.Name(), Priority: p.src.Priority(), Aircraft: aircraft,
		}},
		rawName: p.src.Name(),
		raw:     aircraft,
	}
}

// readPushBuffers loads every station buffer for the region from the cache.
// Buffers are read, never deleted; TTL expiry retires stale stations. A
// snapshot older than the buffer TTL is excluded from blending even if the
// key has not expired yet.
func (s *Scheduler) readPushBuffers(ctx context.Context, now time.Time) fetchResult {
	keys, err := s.cache.ScanKeys(ctx, cache.PushPattern(s.region.ID))
	if err != nil {
		return fetchResult{err: fmt.Errorf("push buffers: %w", err), timedOut: ctx.Err() != nil}
	}
	if len(keys) == 0 {
		return fetchResult{}
	}

	values, err := s.cache.MGetRaw(ctx, keys)
	if err != nil {
		return fetchResult{err: fmt.Errorf("push buffers: %w", err), timedOut: ctx.Err() != nil}
	}

	var inputs []blend.Input
	for i, data := range values {
		if data == nil {
			continue
		}
		var snap adsb.StationSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			s.log.Warn("malformed push buffer, ignoring", "key", keys[i], "error", err)
			continue
		}
		if !snap.Timestamp.IsZero() && now.Sub(snap.Timestamp) > s.pushTTL {
			s.log.Debug("push buffer too old, excluding",
				"station", snap.StationID, "age", now.Sub(snap.Timestamp))
			continue
		}

		sourceID := adsb.PiStationSource(snap.StationID)
		aircraft := make([]adsb.Aircraft, len(snap.Aircraft))
		for j, ac := range snap.Aircraft {
			ac.DataSource = sourceID
			aircraft[j] = ac
		}
		inputs = append(inputs, blend.Input{
			SourceID: sourceID,
			Priority: adsb.PriorityPiStation,
			Aircraft: aircraft,
		})
	}

	return fetchResult{inputs: inputs}
}

// publish writes the full cycle output in one pipeline: the region set, the
// helicopter subset, a point-lookup key per aircraft, and the raw snapshot
// per contributing source. Each record is JSON-encoded exactly once.
func (s *Scheduler) publish(ctx context.Context, aircraft, choppers []adsb.Aircraft,
	raw map[string][]adsb.Aircraft) error {

	records := make([][]byte, len(aircraft))
	byHex := make(map[string][]byte, len(aircraft))
	for i := range aircraft {
		data, err := json.Marshal(&aircraft[i])
		if err != nil {
			return fmt.Errorf("encode %s: %w", aircraft[i].Hex, err)
		}
		records[i] = data
		byHex[aircraft[i].Hex] = data
	}

	chopperRecords := make([][]byte, len(choppers))
	for i := range choppers {
		chopperRecords[i] = byHex[choppers[i].Hex]
	}

	pipe := s.cache.Pipeline()
	s.cache.PipeSetRaw(ctx, pipe, cache.FlightsKey(s.region.ID), cache.EncodeArray(records), 0)
	s.cache.PipeSetRaw(ctx, pipe, cache.ChoppersKey(s.region.ID), cache.EncodeArray(chopperRecords), 0)
	for i := range aircraft {
		s.cache.PipeSetRaw(ctx, pipe, cache.LiveKey(aircraft[i].Hex), records[i], 0)
	}
	for name, snapshot := range raw {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("encode raw %s: %w", name, err)
		}
		s.cache.PipeSetRaw(ctx, pipe, cache.RawKey(s.region.ID, name), data, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", s.region.ID, err)
	}
	return nil
}

// logCycle prints the cycle summary plus the closest-aircraft line.
func (s *Scheduler) logCycle(result blend.Result, choppers []adsb.Aircraft, duration time.Duration) {
	s.log.Info("cycle complete",
		"aircraft", len(result.Aircraft),
		"blended", result.BlendedCount,
		"helicopters", len(choppers),
		"dropped", result.Dropped,
		"duration", duration.Round(time.Millisecond))

	if len(result.Aircraft) == 0 {
		return
	}
	closest := result.Aircraft[0]
	s.log.Info("closest aircraft",
		"hex", closest.Hex,
		"flight", closest.Flight,
		"registration", closest.Registration,
		"model", closest.Model,
		"distance_miles", derefFloat(closest.DistanceMiles),
		"alt_baro", derefInt(closest.AltBaro))
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
