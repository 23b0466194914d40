package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoGPS drives a lap around a fixed oval for testing.
type DemoGPS struct {
	mu sync.Mutex
	t  float64
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	// Oval around the Madison isthmus, roughly 1km by 500m.
	centerLat := 43.0731
	centerLon := -89.4012

	return &Data{
		Valid:      true,
		Latitude:   centerLat + 0.0045*math.Sin(d.t*0.05),
		Longitude:  centerLon + 0.0090*math.Cos(d.t*0.05),
		Speed:      40 + 15*math.Sin(d.t*0.3) + rand.Float64()*2,
		Heading:    math.Mod(d.t*2.86, 360),
		Altitude:   263 + rand.Float64(),
		Satellites: 11,
		FixQuality: 1,
		HDOP:       0.9,
		Timestamp:  time.Now().UTC(),
	}, nil
}
