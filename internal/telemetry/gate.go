package telemetry

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRestartNotPermitted is returned when a restart is requested while any
// safety interlock is outside its nominal value.
var ErrRestartNotPermitted = errors.New("telemetry: restart not permitted")

// GateState is the restart-enable state. The zero value is Disabled.
type GateState int

const (
	Disabled GateState = iota
	Enabled
)

func (s GateState) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// Interlock is one monitored safety condition and the value it must hold
// for a restart to be allowed.
type Interlock struct {
	Name    string `yaml:"name" mapstructure:"name" json:"name"`
	Nominal bool   `yaml:"nominal" mapstructure:"nominal" json:"nominal"`
}

// DefaultInterlocks is the shutdown-circuit set checked before a restart.
func DefaultInterlocks() []Interlock {
	return []Interlock{
		{Name: "driver_eStop", Nominal: false},
		{Name: "external_eStop", Nominal: false},
		{Name: "crash", Nominal: false},
		{Name: "door", Nominal: false},
		{Name: "isolation", Nominal: true},
		{Name: "mcu_check", Nominal: true},
		{Name: "bms_can_heartbeat", Nominal: true},
		{Name: "voltage_failsafe", Nominal: false},
		{Name: "current_failsafe", Nominal: false},
		{Name: "relay_failsafe", Nominal: false},
		{Name: "input_power_supply_failsafe", Nominal: false},
		{Name: "charge_interlock_failsafe", Nominal: false},
	}
}

// FlagSource looks up boolean fields by name. *frame.Decoded implements it,
// so fields the frame did not carry read as missing.
type FlagSource interface {
	Flag(name string) (value bool, ok bool)
}

// FlagMap adapts a plain map to FlagSource.
type FlagMap map[string]bool

func (m FlagMap) Flag(name string) (bool, bool) {
	v, ok := m[name]
	return v, ok
}

// Gate decides whether a restart may be requested. The state is recomputed
// from scratch on every Evaluate; nothing latches.
type Gate struct {
	interlocks []Interlock
	log        *zap.Logger

	mu       sync.Mutex
	state    GateState
	pending  bool
	requests uint64
	onChange func(GateState)
}

// NewGate watches the given interlocks. An empty list means DefaultInterlocks.
func NewGate(interlocks []Interlock, log *zap.Logger) *Gate {
	if len(interlocks) == 0 {
		interlocks = DefaultInterlocks()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		interlocks: append([]Interlock(nil), interlocks...),
		log:        log,
	}
}

// OnChange registers a callback for state transitions. Call before use.
func (g *Gate) OnChange(fn func(GateState)) { g.onChange = fn }

// Interlocks returns the monitored set.
func (g *Gate) Interlocks() []Interlock {
	return append([]Interlock(nil), g.interlocks...)
}

// Evaluate recomputes the state from one decode pass. Any interlock that is
// missing or off nominal forces Disabled.
func (g *Gate) Evaluate(src FlagSource) GateState {
	next := Enabled
	var tripped string
	for _, il := range g.interlocks {
		v, ok := src.Flag(il.Name)
		if !ok || v != il.Nominal {
			next = Disabled
			tripped = il.Name
			break
		}
	}

	g.mu.Lock()
	prev := g.state
	g.state = next
	if next == Disabled {
		g.pending = false
	}
	cb := g.onChange
	g.mu.Unlock()

	if prev != next {
		if next == Enabled {
			g.log.Info("restart enabled")
		} else {
			g.log.Warn("restart disabled", zap.String("interlock", tripped))
		}
		if cb != nil {
			cb(next)
		}
	}
	return next
}

// RequestRestart records a restart request if the gate is Enabled.
func (g *Gate) RequestRestart() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Enabled {
		return ErrRestartNotPermitted
	}
	g.pending = true
	g.requests++
	g.log.Info("restart requested", zap.Uint64("count", g.requests))
	return nil
}

// State returns the result of the last Evaluate.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending reports whether an honored request has not yet been consumed.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// TakePending consumes the pending request.
func (g *Gate) TakePending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pending
	g.pending = false
	return p
}
