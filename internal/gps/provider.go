package gps

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider is the interface for GPS data sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest GPS fix. May block briefly.
	Read() (*Data, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool      `json:"valid"`      // Fix is valid
	Latitude   float64   `json:"latitude"`   // Decimal degrees
	Longitude  float64   `json:"longitude"`  // Decimal degrees
	Speed      float64   `json:"speed"`      // km/h
	Heading    float64   `json:"heading"`    // Degrees true
	Altitude   float64   `json:"altitude"`   // Meters
	Satellites int       `json:"satellites"` // Sats in use
	FixQuality int       `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64   `json:"hdop"`       // Horizontal dilution
	Timestamp  time.Time `json:"timestamp"`  // UTC
}

// Fix is the subset spliced into the status frame.
type Fix struct {
	Lat       float32
	Lon       float32
	Elevation float32
	Timestamp time.Time
}

// Fix narrows the reading to what the frame carries. ok is false when the
// receiver has no valid fix.
func (d *Data) Fix() (Fix, bool) {
	if d == nil || !d.Valid {
		return Fix{}, false
	}
	return Fix{
		Lat:       float32(d.Latitude),
		Lon:       float32(d.Longitude),
		Elevation: float32(d.Altitude),
		Timestamp: d.Timestamp,
	}, true
}

// Config selects a provider.
type Config struct {
	Type     string `yaml:"type" mapstructure:"type" json:"type"` // nmea, demo, disabled
	PortPath string `yaml:"port_path" mapstructure:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" mapstructure:"baud_rate" json:"baudRate"`
	PollMs   int    `yaml:"poll_ms" mapstructure:"poll_ms" json:"pollMs"`
}

// New builds the configured provider. A nil provider with nil error means
// positioning is disabled.
func New(cfg Config, log *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "nmea":
		return NewNMEA(NMEAConfig{PortPath: cfg.PortPath, BaudRate: cfg.BaudRate}, log), nil
	case "demo":
		return NewDemoGPS(), nil
	case "disabled", "":
		return nil, nil
	}
	return nil, fmt.Errorf("gps: unknown type %q", cfg.Type)
}
