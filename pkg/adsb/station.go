package adsb

import "time"

// StationSnapshot is the envelope a pi-station push leaves in the cache
// under {region}:push:{station}. The ingress writes it; the next scheduler
// tick reads it back as one more blender input. It is never merged in place.
type StationSnapshot struct {
	StationID   string     `json:"station_id"`
	StationName string     `json:"station_name,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Aircraft    []Aircraft `json:"aircraft"`
}
