package gps

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Odometer accumulates distance travelled from successive fixes.
type Odometer struct {
	mu        sync.Mutex
	total     float64 // km
	trip      float64 // km, resettable
	lastLat   float64
	lastLon   float64
	lastValid bool
	path      string
}

// Reading is the odometer state reported to clients.
type Reading struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// NewOdometer persists to path. An empty path keeps it in memory only.
func NewOdometer(path string) *Odometer {
	return &Odometer{path: path}
}

// Update folds in one fix. Fixes while stationary are ignored.
func (o *Odometer) Update(d *Data) {
	if d == nil || !d.Valid || d.Speed <= 1 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.lastValid {
		// First valid fix seeds position
		o.lastLat, o.lastLon, o.lastValid = d.Latitude, d.Longitude, true
		return
	}

	dist := haversineKm(o.lastLat, o.lastLon, d.Latitude, d.Longitude)

	// Ignore jumps > 500m per tick (GPS glitch)
	if dist > 0.5 {
		o.lastLat, o.lastLon = d.Latitude, d.Longitude
		return
	}

	// Minimum movement threshold: ~2 meters
	if dist > 0.002 {
		o.total += dist
		o.trip += dist
		o.lastLat, o.lastLon = d.Latitude, d.Longitude
	}
}

// Reading returns totals rounded to 100 m.
func (o *Odometer) Reading() Reading {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Reading{Total: math.Round(o.total*10) / 10, Trip: math.Round(o.trip*10) / 10}
}

func (o *Odometer) ResetTrip() {
	o.mu.Lock()
	o.trip = 0
	o.mu.Unlock()
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Load reads persisted totals. A missing file is not an error.
func (o *Odometer) Load() error {
	if o.path == "" {
		return nil
	}
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("odometer: %w", err)
	}
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
		o.total = v
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			o.trip = v
		}
	}
	return nil
}

// Save writes totals to disk.
func (o *Odometer) Save() error {
	if o.path == "" {
		return nil
	}
	o.mu.Lock()
	data := fmt.Sprintf("%.6f\n%.6f\n", o.total, o.trip)
	o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0755); err != nil {
		return fmt.Errorf("odometer: %w", err)
	}
	if err := os.WriteFile(o.path, []byte(data), 0644); err != nil {
		return fmt.Errorf("odometer: %w", err)
	}
	return nil
}
