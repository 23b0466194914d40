package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
	"github.com/badgerloop-software/sc2-driver-io/internal/telemetry"
)

// DemoSource synthesizes status frames for development without a car.
// Interlocks sit at their nominal values so the restart gate enables.
type DemoSource struct {
	schema *schema.Schema
	period time.Duration

	mu      sync.Mutex
	running bool
	t       float64 // virtual time accumulator
	next    time.Time
	done    chan struct{}
}

func NewDemo(s *schema.Schema, hz int) *DemoSource {
	if hz <= 0 {
		hz = 10
	}
	return &DemoSource{schema: s, period: time.Second / time.Duration(hz)}
}

func (d *DemoSource) Name() string { return "Demo (Simulated)" }

func (d *DemoSource) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	d.done = make(chan struct{})
	d.next = time.Now()
	return nil
}

func (d *DemoSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.running = false
		close(d.done)
	}
	return nil
}

func (d *DemoSource) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// ReadFrame paces output at the configured rate.
func (d *DemoSource) ReadFrame(buf []byte) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrDisconnected
	}
	done := d.done
	d.next = d.next.Add(d.period)
	wait := time.Until(d.next)
	d.mu.Unlock()

	if wait > 0 {
		select {
		case <-done:
			return ErrDisconnected
		case <-time.After(wait):
		}
	}

	d.mu.Lock()
	d.t += d.period.Seconds()
	values, cells := d.generate(d.t)
	d.mu.Unlock()

	copy(buf, frame.Encode(d.schema, values, cells))
	return nil
}

func (d *DemoSource) generate(t float64) (map[string]any, []float64) {
	// Speed cycles between a crawl and highway pace.
	speed := 15 + 45*math.Sin(t*0.1)*math.Sin(t*0.1) + rand.Float64()
	pedal := math.Min(100, speed/60*100)
	current := 5 + speed*0.6 + rand.Float64()*2
	packV := 100 - current*0.05 + rand.Float64()*0.2

	v := map[string]any{
		"speed":                      speed,
		"accelerator_pedal":          pedal,
		"soc":                        math.Max(5, 95-t*0.01),
		"est_supplemental_soc":       88.0,
		"mppt_current_out":           2 + 1.5*math.Sin(t*0.02),
		"pack_voltage":               packV,
		"pack_current":               current,
		"pack_temp":                  28 + rand.Float64()*3,
		"bms_input_voltage":          12.4,
		"supplemental_voltage":       12.1,
		"motor_temp":                 45 + speed*0.2,
		"motor_power":                packV * current,
		"driverIO_temp":              35.0,
		"mainIO_temp":                36.0,
		"cabin_temp":                 30 + rand.Float64(),
		"motor_controller_temp":      40 + speed*0.1,
		"string1_temp":               29.0,
		"string2_temp":               29.5,
		"string3_temp":               30.0,
		"fan_speed":                  int(2 + speed/20),
		"mc_status":                  0,
		"mppt_contactor":             true,
		"low_contactor":              true,
		"motor_controller_contactor": true,
		"discharge_enable":           true,
		"charge_enable":              true,
		"mcu_hv_en":                  true,
		"mcu_stat_fdbk":              true,
		"supplemental_valid":         true,
		"headlights":                 math.Mod(t, 120) > 60,
		"main_telem":                 true,
		"mainIO_heartbeat":           int(t)%2 == 0,
		"state":                      "DRIVE",
	}
	for _, il := range telemetry.DefaultInterlocks() {
		v[il.Name] = il.Nominal
	}

	cells := make([]float64, d.schema.CellCount())
	for i := range cells {
		cells[i] = 3.6 + 0.05*math.Sin(t*0.05+float64(i)) + rand.Float64()*0.005
	}
	return v, cells
}
