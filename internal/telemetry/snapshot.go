package telemetry

import (
	"reflect"
	"strings"

	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
)

// Snapshot is the decoded vehicle state. It is replaced as a whole on every
// successful decode and never mutated once published.
// JSON names match the vehicle data format field names.
type Snapshot struct {
	// Vehicle dynamics
	Speed            float64 `json:"speed"`
	AcceleratorPedal float64 `json:"accelerator_pedal"`
	CrzSpdSetpt      float64 `json:"crz_spd_setpt"`
	CrzPwrSetpt      float64 `json:"crz_pwr_setpt"`
	CrzSpdMode       bool    `json:"crz_spd_mode"`
	CrzPwrMode       bool    `json:"crz_pwr_mode"`

	// Power system
	Soc                 float64 `json:"soc"`
	EstSupplementalSoc  float64 `json:"est_supplemental_soc"`
	MpptCurrentOut      float64 `json:"mppt_current_out"`
	PackVoltage         float64 `json:"pack_voltage"`
	PackCurrent         float64 `json:"pack_current"`
	PackTemp            float64 `json:"pack_temp"`
	BmsInputVoltage     float64 `json:"bms_input_voltage"`
	SupplementalVoltage float64 `json:"supplemental_voltage"`
	MotorTemp           float64 `json:"motor_temp"`
	MotorPower          float64 `json:"motor_power"`
	DriverIOTemp        float64 `json:"driverIO_temp"`
	MainIOTemp          float64 `json:"mainIO_temp"`
	CabinTemp           float64 `json:"cabin_temp"`
	MotorControllerTemp float64 `json:"motor_controller_temp"`
	String1Temp         float64 `json:"string1_temp"`
	String2Temp         float64 `json:"string2_temp"`
	String3Temp         float64 `json:"string3_temp"`
	FanSpeed            uint64  `json:"fan_speed"`
	McStatus            uint64  `json:"mc_status"`

	// Shutdown circuit
	DriverEStop                  bool `json:"driver_eStop"`
	ExternalEStop                bool `json:"external_eStop"`
	Crash                        bool `json:"crash"`
	Door                         bool `json:"door"`
	McuCheck                     bool `json:"mcu_check"`
	Isolation                    bool `json:"isolation"`
	BpsFault                     bool `json:"bps_fault"`
	DischargeEnable              bool `json:"discharge_enable"`
	ChargeEnable                 bool `json:"charge_enable"`
	BmsCanHeartbeat              bool `json:"bms_can_heartbeat"`
	McuHvEn                      bool `json:"mcu_hv_en"`
	McuStatFdbk                  bool `json:"mcu_stat_fdbk"`
	UseDcdc                      bool `json:"use_dcdc"`
	SupplementalValid            bool `json:"supplemental_valid"`
	MpptContactor                bool `json:"mppt_contactor"`
	LowContactor                 bool `json:"low_contactor"`
	MotorControllerContactor     bool `json:"motor_controller_contactor"`
	VoltageFailsafe              bool `json:"voltage_failsafe"`
	CurrentFailsafe              bool `json:"current_failsafe"`
	RelayFailsafe                bool `json:"relay_failsafe"`
	CellBalancingActive          bool `json:"cell_balancing_active"`
	ChargeInterlockFailsafe      bool `json:"charge_interlock_failsafe"`
	ThermistorBValueTableInvalid bool `json:"thermistor_b_value_table_invalid"`
	InputPowerSupplyFailsafe     bool `json:"input_power_supply_failsafe"`

	// Dashboard I/O
	Headlights      bool `json:"headlights"`
	LTurnLedEn      bool `json:"l_turn_led_en"`
	RTurnLedEn      bool `json:"r_turn_led_en"`
	Hazards         bool `json:"hazards"`
	MainIOHeartbeat bool `json:"mainIO_heartbeat"`
	EngDashCommfail bool `json:"eng_dash_commfail"`
	ParkingBrake    bool `json:"parking_brake"`
	Eco             bool `json:"eco"`
	MainTelem       bool `json:"main_telem"`

	// Positioning
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Elev float64 `json:"elev"`

	State string `json:"state"`

	TstampHr   uint64 `json:"tstamp_hr"`
	TstampMn   uint64 `json:"tstamp_mn"`
	TstampSc   uint64 `json:"tstamp_sc"`
	TstampMs   uint64 `json:"tstamp_ms"`
	TstampUnix uint64 `json:"tstamp_unix"`

	CellGroupVoltages []float64 `json:"cell_group_voltages"`

	// Derived by the collector, not decoded from the frame.
	RestartEnable      bool  `json:"restart_enable"`
	TransportConnected bool  `json:"transport_connected"`
	Stamp              int64 `json:"stamp"` // unix ms of publication

	// Schema fields without a typed slot above.
	Extra map[string]any `json:"extra,omitempty"`
}

// Default is the state before the first frame: contactors open, restart
// disabled, no engineering dashboard link.
func Default() Snapshot {
	return Snapshot{
		EngDashCommfail:     true,
		CellBalancingActive: true,
		CellGroupVoltages:   []float64{},
	}
}

// fieldIndex maps JSON names to struct field indexes.
var fieldIndex = func() map[string]int {
	t := reflect.TypeOf(Snapshot{})
	m := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		m[name] = i
	}
	return m
}()

// derived fields are owned by the collector and never set from a frame.
var derived = map[string]bool{
	"cell_group_voltages": true,
	"restart_enable":      true,
	"transport_connected": true,
	"eng_dash_commfail":   true,
	"stamp":               true,
	"extra":               true,
}

// FromDecoded maps a decoded frame onto a fresh snapshot. Fields the frame
// does not carry keep their safe defaults.
func FromDecoded(d *frame.Decoded) Snapshot {
	s := Default()
	rv := reflect.ValueOf(&s).Elem()
	for _, name := range d.Order {
		v := d.Values[name]
		i, ok := fieldIndex[name]
		if !ok || derived[name] {
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[name] = v.Any()
			continue
		}
		assign(rv.Field(i), v)
	}
	s.CellGroupVoltages = append([]float64{}, d.Cells...)
	return s
}

func assign(f reflect.Value, v frame.Value) {
	switch f.Kind() {
	case reflect.Float64:
		switch x := v.Any().(type) {
		case float64:
			f.SetFloat(x)
		case uint64:
			f.SetFloat(float64(x))
		}
	case reflect.Uint64:
		switch x := v.Any().(type) {
		case uint64:
			f.SetUint(x)
		case float64:
			if x >= 0 {
				f.SetUint(uint64(x))
			}
		case bool:
			if x {
				f.SetUint(1)
			} else {
				f.SetUint(0)
			}
		}
	case reflect.Bool:
		switch x := v.Any().(type) {
		case bool:
			f.SetBool(x)
		case uint64:
			f.SetBool(x != 0)
		}
	case reflect.String:
		f.SetString(v.Str)
	}
}

// Field returns the named value, looking in Extra for schema fields with no
// typed slot.
func (s *Snapshot) Field(name string) (any, bool) {
	if i, ok := fieldIndex[name]; ok {
		return reflect.ValueOf(s).Elem().Field(i).Interface(), true
	}
	v, ok := s.Extra[name]
	return v, ok
}

// clone deep-copies the slice and map members.
func (s Snapshot) clone() Snapshot {
	s.CellGroupVoltages = append([]float64{}, s.CellGroupVoltages...)
	if s.Extra != nil {
		extra := make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			extra[k] = v
		}
		s.Extra = extra
	}
	return s
}
