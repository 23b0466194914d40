package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config is one roster entry. Entries are listed highest priority first.
type Config struct {
	Type     string         `yaml:"type" mapstructure:"type" json:"type"` // serial, mqtt, redis, postgres, dashboard
	Name     string         `yaml:"name" mapstructure:"name" json:"name"`
	Serial   RadioConfig    `yaml:"serial,omitempty" mapstructure:"serial" json:"serial,omitempty"`
	MQTT     MQTTConfig     `yaml:"mqtt,omitempty" mapstructure:"mqtt" json:"mqtt,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty" mapstructure:"redis" json:"redis,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres" json:"postgres,omitempty"`
}

// Build constructs the roster in configured order. Channels created inside
// the process (the dashboard hub) are passed in by type through local.
// On error every channel built so far is closed.
func Build(ctx context.Context, cfgs []Config, local map[string]Channel, log *zap.Logger) ([]Channel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	roster := make([]Channel, 0, len(cfgs))
	fail := func(err error) ([]Channel, error) {
		_ = CloseAll(roster)
		return nil, err
	}

	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		name := c.Name
		if name == "" {
			name = c.Type
		}
		if seen[name] {
			return fail(fmt.Errorf("channel %d: duplicate name %q", i, name))
		}
		seen[name] = true
		clog := log.With(zap.String("channel", name))

		var ch Channel
		switch c.Type {
		case "serial":
			if c.Serial.PortPath == "" {
				return fail(fmt.Errorf("channel %s: serial.port_path required", name))
			}
			ch = NewRadio(name, c.Serial, clog)
		case "mqtt":
			if c.MQTT.Broker == "" {
				return fail(fmt.Errorf("channel %s: mqtt.broker required", name))
			}
			m := NewMQTT(name, c.MQTT, clog)
			m.Connect()
			ch = m
		case "redis":
			if c.Redis.Addr == "" {
				return fail(fmt.Errorf("channel %s: redis.addr required", name))
			}
			ch = NewRedis(name, c.Redis, clog)
		case "postgres":
			pg, err := NewPostgres(ctx, name, c.Postgres, clog)
			if err != nil {
				return fail(fmt.Errorf("channel %s: %w", name, err))
			}
			ch = pg
		default:
			l, ok := local[c.Type]
			if !ok {
				return fail(fmt.Errorf("channel %s: unknown type %q", name, c.Type))
			}
			ch = l
		}
		roster = append(roster, ch)
		log.Info("channel ready", zap.Int("priority", i), zap.String("name", name), zap.String("type", c.Type))
	}
	return roster, nil
}
