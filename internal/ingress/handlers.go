package ingress

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/internal/source"
	"github.com/jeffstrout/flightTrackerCollector/pkg/adsb"
)

// maxBodyBytes caps a push payload before JSON decoding even starts.
// 10k records at a few hundred bytes each stay well under this.
const maxBodyBytes = 16 << 20

// apiKeyHeader carries the station shared secret.
const apiKeyHeader = "X-API-Key"

// pushRequest is the bulk upload body. Aircraft stay raw until per-record
// validation so one malformed entry cannot reject the whole payload.
type pushRequest struct {
	StationID   string            `json:"station_id"`
	StationName string            `json:"station_name"`
	Timestamp   string            `json:"timestamp"`
	Aircraft    []json.RawMessage `json:"aircraft"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// pushResponse reports what happened to a bulk upload.
type pushResponse struct {
	Status         string   `json:"status"`
	ProcessedCount int      `json:"processed_count"`
	AircraftCount  int      `json:"aircraft_count"`
	Errors         []string `json:"errors"`
	RequestID      string   `json:"request_id"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// handleBulkUpload accepts a station push: authenticate, validate, buffer.
// The buffer write is the only side effect; blending happens on the next
// scheduler tick.
func (s *Server) handleBulkUpload(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	region, err := s.auth.Validate(r.Header.Get(apiKeyHeader))
	if err != nil {
		s.writeAuthError(w, r, err, requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"request body too large", requestID)
			return
		}
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY",
			"request body is not valid JSON", requestID)
		return
	}

	if req.StationID == "" {
		s.writeError(w, http.StatusBadRequest, "MISSING_STATION_ID",
			"station_id is required", requestID)
		return
	}
	timestamp, err := parsePushTimestamp(req.Timestamp)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_TIMESTAMP",
			"timestamp must be ISO-8601", requestID)
		return
	}
	if len(req.Aircraft) > s.maxRecords {
		s.writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			fmt.Sprintf("payload exceeds %d records", s.maxRecords), requestID)
		return
	}

	snapshot := adsb.StationSnapshot{
		StationID:   req.StationID,
		StationName: req.StationName,
		Timestamp:   timestamp,
		Aircraft:    make([]adsb.Aircraft, 0, len(req.Aircraft)),
	}

	recordErrors := []string{}
	sourceTag := adsb.PiStationSource(req.StationID)
	for i, raw := range req.Aircraft {
		ac, err := source.DecodeLocalRecord(raw)
		if err != nil {
			recordErrors = append(recordErrors, fmt.Sprintf("aircraft[%d]: %v", i, err))
			continue
		}
		ac.DataSource = sourceTag
		snapshot.Aircraft = append(snapshot.Aircraft, ac)
	}

	regionCfg, _ := s.cfg.Region(region)
	key := cache.PushKey(region, req.StationID)
	if err := s.cache.SetJSON(r.Context(), key, snapshot, regionCfg.PushBufferTTL()); err != nil {
		s.log.Error("failed to buffer station push",
			"station", req.StationID, "region", region, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE",
			"unable to buffer push", requestID)
		return
	}

	s.log.Info("station push buffered",
		"region", region,
		"station", req.StationID,
		"received", len(req.Aircraft),
		"persisted", len(snapshot.Aircraft),
		"errors", len(recordErrors),
		"request_id", requestID)

	s.writeJSON(w, http.StatusOK, pushResponse{
		Status:         "ok",
		ProcessedCount: len(snapshot.Aircraft),
		AircraftCount:  len(req.Aircraft),
		Errors:         recordErrors,
		RequestID:      requestID,
	})
}

// parsePushTimestamp accepts RFC3339 or a bare ISO-8601 local timestamp,
// which some station forwarders send without a zone suffix.
func parsePushTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error, requestID string) {
	key := r.Header.Get(apiKeyHeader)
	s.log.Warn("push rejected", "key", MaskKey(key), "error", err)

	switch {
	case errors.Is(err, ErrMissingKey):
		s.writeError(w, http.StatusUnauthorized, "MISSING_API_KEY", err.Error(), requestID)
	case errors.Is(err, ErrInvalidFormat):
		s.writeError(w, http.StatusBadRequest, "INVALID_FORMAT", err.Error(), requestID)
	case errors.Is(err, ErrRegionMismatch):
		s.writeError(w, http.StatusForbidden, "REGION_MISMATCH", err.Error(), requestID)
	default:
		s.writeError(w, http.StatusForbidden, "UNAUTHORIZED", err.Error(), requestID)
	}
}

// handleAircraftLookup serves the point-lookup copy of one blended record.
func (s *Server) handleAircraftLookup(w http.ResponseWriter, r *http.Request) {
	hex := adsb.NormalizeHex(chi.URLParam(r, "hex"))
	if !adsb.ValidHex(hex) {
		s.writeError(w, http.StatusBadRequest, "INVALID_HEX", "hex must be 6 hex digits", "")
		return
	}

	data, err := s.cache.Get(r.Context(), cache.LiveKey(hex))
	if errors.Is(err, cache.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "aircraft not currently tracked", "")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error(), "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleRegionData serves the cached region set or helicopter subset as-is.
func (s *Server) handleRegionData(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region, ok := s.regionParam(w, r)
		if !ok {
			return
		}

		data, err := s.cache.Get(r.Context(), regionKey(region, kind))
		if errors.Is(err, cache.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NO_DATA",
				fmt.Sprintf("no %s data for region %s", kind, region), "")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error(), "")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// handleRegionTabular renders the cached set as CSV for spreadsheet users.
func (s *Server) handleRegionTabular(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region, ok := s.regionParam(w, r)
		if !ok {
			return
		}

		var aircraft []adsb.Aircraft
		err := s.cache.GetJSON(r.Context(), regionKey(region, kind), &aircraft)
		if errors.Is(err, cache.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NO_DATA",
				fmt.Sprintf("no %s data for region %s", kind, region), "")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error(), "")
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		writeTabular(w, aircraft)
	}
}

// writeTabular emits the original tabular column layout.
func writeTabular(w http.ResponseWriter, aircraft []adsb.Aircraft) {
	cw := csv.NewWriter(w)
	cw.Write([]string{
		"hex", "flight", "registration", "lat", "lon",
		"alt_baro", "gs", "track", "distance_miles", "data_source",
		"model", "operator",
	})
	for _, ac := range aircraft {
		cw.Write([]string{
			ac.Hex,
			ac.Flight,
			ac.Registration,
			formatFloatPtr(ac.Lat),
			formatFloatPtr(ac.Lon),
			formatIntPtr(ac.AltBaro),
			formatFloatPtr(ac.Gs),
			formatFloatPtr(ac.Track),
			formatFloatPtr(ac.DistanceMiles),
			ac.DataSource,
			ac.Model,
			ac.Operator,
		})
	}
	cw.Flush()
}

// handleRegionStats reports the advisory counters for one region.
func (s *Server) handleRegionStats(w http.ResponseWriter, r *http.Request) {
	region, ok := s.regionParam(w, r)
	if !ok {
		return
	}

	names := []string{
		"cycles", "aircraft_observed", "helicopters", "timeouts",
		"last_cycle_ms", "last_aircraft_count", "dedup_ratio", "enrichment_hit_rate",
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = cache.StatsKey(region, name)
	}

	values, err := s.cache.MGetRaw(r.Context(), keys)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error(), "")
		return
	}

	out := map[string]string{"region": region}
	for i, name := range names {
		if values[i] != nil {
			out[name] = string(values[i])
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleRegions describes the configured regions and their sources.
func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	type sourceInfo struct {
		Type    string `json:"type"`
		Name    string `json:"name,omitempty"`
		Enabled bool   `json:"enabled"`
		URL     string `json:"url,omitempty"`
	}
	type regionInfo struct {
		ID          string       `json:"id"`
		Name        string       `json:"name"`
		Enabled     bool         `json:"enabled"`
		Center      any          `json:"center"`
		RadiusMiles float64      `json:"radius_miles"`
		Timezone    string       `json:"timezone"`
		Sources     []sourceInfo `json:"sources"`
	}

	regions := make([]regionInfo, 0, len(s.cfg.Regions))
	for _, region := range s.cfg.Regions {
		info := regionInfo{
			ID:          region.ID,
			Name:        region.Name,
			Enabled:     region.Enabled,
			Center:      region.Center,
			RadiusMiles: region.RadiusMiles,
			Timezone:    region.Timezone,
		}
		for _, src := range region.Sources {
			info.Sources = append(info.Sources, sourceInfo{
				Type:    src.Type,
				Name:    src.Name,
				Enabled: src.Enabled,
				URL:     src.URL,
			})
		}
		regions = append(regions, info)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"regions":       regions,
		"total_regions": len(regions),
	})
}

// handleStatus reports process health and cache reachability.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cacheOK := s.cache.Ping(r.Context()) == nil

	status := "healthy"
	if !cacheOK {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"cache_connected": cacheOK,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"regions":         len(s.cfg.EnabledRegions()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// regionParam validates the {region} path segment against the configuration.
func (s *Server) regionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	region := chi.URLParam(r, "region")
	if _, ok := s.cfg.Region(region); !ok {
		s.writeError(w, http.StatusNotFound, "UNKNOWN_REGION",
			fmt.Sprintf("region %q is not configured", region), "")
		return "", false
	}
	return region, true
}

func regionKey(region, kind string) string {
	if kind == "choppers" {
		return cache.ChoppersKey(region)
	}
	return cache.FlightsKey(region)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	s.writeJSON(w, status, errorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatIntPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
