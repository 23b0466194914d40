package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a send would exceed the radio's budget.
// The frame is dropped.
var ErrRateLimited = errors.New("channel: rate limited")

// ErrBadFrame is returned by DecodeRadioFrame for malformed input.
var ErrBadFrame = errors.New("channel: bad radio frame")

// Radio frame layout: A5 5A | len u16 LE | ts unix ms i64 LE | payload | crc32 LE.
// The CRC (IEEE) covers everything before it.
const (
	radioSync0     = 0xA5
	radioSync1     = 0x5A
	radioHeaderLen = 2 + 2 + 8
	radioCRCLen    = 4
)

// EncodeRadioFrame wraps payload for the serial radio link.
func EncodeRadioFrame(payload []byte, ts time.Time) []byte {
	out := make([]byte, radioHeaderLen+len(payload)+radioCRCLen)
	out[0], out[1] = radioSync0, radioSync1
	binary.LittleEndian.PutUint16(out[2:], uint16(len(payload)))
	binary.LittleEndian.PutUint64(out[4:], uint64(ts.UnixMilli()))
	copy(out[radioHeaderLen:], payload)
	n := radioHeaderLen + len(payload)
	binary.LittleEndian.PutUint32(out[n:], crc32.ChecksumIEEE(out[:n]))
	return out
}

// DecodeRadioFrame is the receiving side of EncodeRadioFrame.
func DecodeRadioFrame(b []byte) ([]byte, time.Time, error) {
	if len(b) < radioHeaderLen+radioCRCLen || b[0] != radioSync0 || b[1] != radioSync1 {
		return nil, time.Time{}, ErrBadFrame
	}
	n := int(binary.LittleEndian.Uint16(b[2:]))
	if len(b) != radioHeaderLen+n+radioCRCLen {
		return nil, time.Time{}, fmt.Errorf("%w: length %d for %d-byte payload", ErrBadFrame, len(b), n)
	}
	end := radioHeaderLen + n
	if crc32.ChecksumIEEE(b[:end]) != binary.LittleEndian.Uint32(b[end:]) {
		return nil, time.Time{}, fmt.Errorf("%w: crc mismatch", ErrBadFrame)
	}
	ts := time.UnixMilli(int64(binary.LittleEndian.Uint64(b[4:])))
	return append([]byte(nil), b[radioHeaderLen:end]...), ts, nil
}

// RadioConfig configures the serial radio modem.
type RadioConfig struct {
	PortPath string  `yaml:"port_path" mapstructure:"port_path" json:"portPath"`
	BaudRate int     `yaml:"baud_rate" mapstructure:"baud_rate" json:"baudRate"`
	MaxRate  float64 `yaml:"max_rate" mapstructure:"max_rate" json:"maxRate"` // frames/s, 0 = unlimited
	Burst    int     `yaml:"burst" mapstructure:"burst" json:"burst"`
}

// Radio sends frames over a serial radio modem. The port is opened on
// first use and reopened after a write failure.
type Radio struct {
	notifier
	cfg     RadioConfig
	log     *zap.Logger
	limiter *rate.Limiter
	open    func() (io.WriteCloser, error)

	mu   sync.Mutex
	port io.WriteCloser
}

func NewRadio(name string, cfg RadioConfig, log *zap.Logger) *Radio {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 57600
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Radio{
		notifier: notifier{name: name},
		cfg:      cfg,
		log:      log,
		limiter:  newLimiter(cfg.MaxRate, cfg.Burst),
	}
	r.open = r.openSerial
	return r
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (r *Radio) openSerial() (io.WriteCloser, error) {
	port, err := serial.Open(r.cfg.PortPath, &serial.Mode{
		BaudRate: r.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.cfg.PortPath, err)
	}
	return port, nil
}

func (r *Radio) Name() string { return r.name }

func (r *Radio) Send(ctx context.Context, payload []byte, ts time.Time) error {
	if !r.limiter.Allow() {
		return transportErr(r.name, ErrRateLimited)
	}
	if err := ctx.Err(); err != nil {
		return transportErr(r.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		port, err := r.open()
		if err != nil {
			return transportErr(r.name, err)
		}
		r.port = port
		r.log.Info("radio port open", zap.String("port", r.cfg.PortPath))
		r.notify(true)
	}

	if _, err := r.port.Write(EncodeRadioFrame(payload, ts)); err != nil {
		r.port.Close()
		r.port = nil
		r.notify(false)
		return transportErr(r.name, err)
	}
	return nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return nil
	}
	err := r.port.Close()
	r.port = nil
	return err
}
