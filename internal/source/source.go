// Package source reads fixed-size status frames from the vehicle
// electronics over whatever link is configured.
package source

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

// ErrDisconnected is returned by ReadFrame once the link is gone. The caller
// reconnects.
var ErrDisconnected = errors.New("source: disconnected")

// ErrClosed is returned by Listen and Connect after Close.
var ErrClosed = errors.New("source: closed")

// Source is the interface every transport to the vehicle electronics must
// implement.
type Source interface {
	// Name returns a human-readable name for logs.
	Name() string
	// Connect establishes the link. It blocks until connected or ctx ends.
	Connect(ctx context.Context) error
	// Close tears down the link and unblocks a pending ReadFrame.
	Close() error
	// IsConnected reports whether the link is currently up.
	IsConnected() bool
	// ReadFrame blocks until exactly len(buf) bytes of one status message
	// have been read into buf.
	ReadFrame(buf []byte) error
}

// Config selects and configures a Source.
type Config struct {
	Type       string `yaml:"type" mapstructure:"type" json:"type"` // tcp, serial, demo
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" json:"listenAddr"`
	PortPath   string `yaml:"port_path" mapstructure:"port_path" json:"portPath"`
	BaudRate   int    `yaml:"baud_rate" mapstructure:"baud_rate" json:"baudRate"`
	SyncHeader string `yaml:"sync_header" mapstructure:"sync_header" json:"syncHeader"` // hex, e.g. "a55a"
	DemoHz     int    `yaml:"demo_hz" mapstructure:"demo_hz" json:"demoHz"`
}

// New builds the configured Source. The demo source needs the schema to
// synthesize frames.
func New(cfg Config, s *schema.Schema, log *zap.Logger) (Source, error) {
	switch cfg.Type {
	case "tcp":
		return NewTCP(cfg.ListenAddr, log), nil
	case "serial":
		return NewSerial(SerialConfig{
			PortPath:   cfg.PortPath,
			BaudRate:   cfg.BaudRate,
			SyncHeader: cfg.SyncHeader,
		}, log)
	case "demo", "":
		return NewDemo(s, cfg.DemoHz), nil
	}
	return nil, fmt.Errorf("source: unknown type %q", cfg.Type)
}
