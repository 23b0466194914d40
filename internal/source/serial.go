package source

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	serialReadTimeout = 500 * time.Millisecond
	// frameTimeout is how long a partially read frame may stall before the
	// link is declared down.
	frameTimeout   = 3 * time.Second
	drainSilence   = 100 * time.Millisecond
	drainTimeout   = 1500 * time.Millisecond
	postOpenDelay  = 250 * time.Millisecond
	defaultSerialB = 115200
)

// SerialConfig holds connection configuration for the serial source.
type SerialConfig struct {
	PortPath   string
	BaudRate   int
	SyncHeader string // optional hex bytes preceding every frame
}

// SerialSource reads frames from a UART link to the vehicle electronics.
// When a sync header is configured each frame is located by scanning for
// it, which recovers alignment after line noise.
type SerialSource struct {
	portPath string
	baudRate int
	header   []byte
	log      *zap.Logger

	mu        sync.Mutex
	port      serial.Port
	connected bool
}

func NewSerial(cfg SerialConfig, log *zap.Logger) (*SerialSource, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultSerialB
	}
	if log == nil {
		log = zap.NewNop()
	}
	var header []byte
	if cfg.SyncHeader != "" {
		h, err := hex.DecodeString(cfg.SyncHeader)
		if err != nil {
			return nil, fmt.Errorf("serial: bad sync header %q: %w", cfg.SyncHeader, err)
		}
		header = h
	}
	return &SerialSource{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		header:   header,
		log:      log,
	}, nil
}

func (s *SerialSource) Name() string { return "serial " + s.portPath }

func (s *SerialSource) Connect(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}

	select {
	case <-ctx.Done():
		port.Close()
		return ctx.Err()
	case <-time.After(postOpenDelay):
	}

	s.mu.Lock()
	s.port = port
	s.connected = true
	s.mu.Unlock()

	s.drain()
	s.log.Info("opened port", zap.String("port", s.portPath), zap.Int("baud", s.baudRate))
	return nil
}

// drain discards whatever the electronics sent before we were listening,
// until the line goes quiet or drainTimeout elapses.
func (s *SerialSource) drain() {
	port := s.currentPort()
	if port == nil {
		return
	}
	_ = port.ResetInputBuffer()
	_ = port.SetReadTimeout(drainSilence)
	defer port.SetReadTimeout(serialReadTimeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		s.log.Debug("drained stale bytes", zap.Int("bytes", total))
	}
}

func (s *SerialSource) currentPort() serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

func (s *SerialSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SerialSource) ReadFrame(buf []byte) error {
	port := s.currentPort()
	if port == nil {
		return ErrDisconnected
	}
	if len(s.header) > 0 {
		if err := s.sync(port); err != nil {
			return s.fail(err)
		}
	}
	if err := readFull(port, buf, frameTimeout); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *SerialSource) fail(err error) error {
	s.mu.Lock()
	s.connected = false
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.mu.Unlock()
	s.log.Warn("read failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// sync consumes bytes until the header has just been read.
func (s *SerialSource) sync(port serial.Port) error {
	window := make([]byte, 0, len(s.header))
	one := make([]byte, 1)
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		n, err := port.Read(one)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if len(window) == len(s.header) {
			window = window[1:]
		}
		window = append(window, one[0])
		if bytes.Equal(window, s.header) {
			return nil
		}
	}
	return fmt.Errorf("sync header % X not seen within %s", s.header, frameTimeout)
}

// readFull fills buf, treating zero-byte reads as read timeouts. A frame
// that stalls longer than limit is an error.
func readFull(port serial.Port, buf []byte, limit time.Duration) error {
	got := 0
	deadline := time.Now().Add(limit)
	for got < len(buf) {
		n, err := port.Read(buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return fmt.Errorf("frame stalled at %d/%d bytes", got, len(buf))
			}
			continue
		}
		got += n
	}
	return nil
}
