package channel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the pit backend stream.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password string `yaml:"password" mapstructure:"password" json:"-"`
	DB       int    `yaml:"db" mapstructure:"db" json:"db"`
	Stream   string `yaml:"stream" mapstructure:"stream" json:"stream"`
	MaxLen   int64  `yaml:"max_len" mapstructure:"max_len" json:"maxLen"`
}

// Redis appends frames to a capped stream.
type Redis struct {
	notifier
	cfg RedisConfig
	rdb *redis.Client
	log *zap.Logger
	up  atomic.Bool
}

func NewRedis(name string, cfg RedisConfig, log *zap.Logger) *Redis {
	if cfg.Stream == "" {
		cfg.Stream = "sc2:telemetry"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return NewRedisClient(name, rdb, cfg, log)
}

// NewRedisClient wraps an existing client.
func NewRedisClient(name string, rdb *redis.Client, cfg RedisConfig, log *zap.Logger) *Redis {
	if cfg.Stream == "" {
		cfg.Stream = "sc2:telemetry"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{notifier: notifier{name: name}, cfg: cfg, rdb: rdb, log: log}
}

func (r *Redis) Name() string { return r.name }

func (r *Redis) Send(ctx context.Context, payload []byte, ts time.Time) error {
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		MaxLen: r.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"ts":      ts.UnixMilli(),
			"payload": payload,
		},
	}).Err()
	r.track(err == nil)
	if err != nil {
		return transportErr(r.name, fmt.Errorf("xadd %s: %w", r.cfg.Stream, err))
	}
	return nil
}

// track reports edges only.
func (r *Redis) track(ok bool) {
	if r.up.Swap(ok) != ok {
		if ok {
			r.log.Info("redis stream reachable", zap.String("stream", r.cfg.Stream))
		}
		r.notify(ok)
	}
}

func (r *Redis) Close() error { return r.rdb.Close() }
