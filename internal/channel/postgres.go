package channel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

// PostgresConfig configures the cloud database upload.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" mapstructure:"dsn" json:"-"`
	Table    string `yaml:"table" mapstructure:"table" json:"table"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns" json:"maxConns"`
}

// Postgres inserts each frame as a (ts, payload) row.
type Postgres struct {
	notifier
	pool   *pgxpool.Pool
	insert string
	log    *zap.Logger
	up     atomic.Bool
}

// NewPostgres connects the pool and creates the table if needed.
func NewPostgres(ctx context.Context, name string, cfg PostgresConfig, log *zap.Logger) (*Postgres, error) {
	if cfg.Table == "" {
		cfg.Table = "telemetry_frames"
	}
	if log == nil {
		log = zap.NewNop()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	pcfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   &pgxZapLogger{logger: log},
		LogLevel: tracelog.LogLevelWarn,
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	} else {
		pcfg.MaxConns = 4
	}
	pcfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	table := pgx.Identifier{cfg.Table}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		payload BYTEA NOT NULL
	)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create %s: %w", table, err)
	}

	p := &Postgres{
		notifier: notifier{name: name},
		pool:     pool,
		insert:   fmt.Sprintf("INSERT INTO %s (ts, payload) VALUES ($1, $2)", table),
		log:      log,
	}
	p.up.Store(true)
	return p, nil
}

func (p *Postgres) Name() string { return p.name }

func (p *Postgres) Send(ctx context.Context, payload []byte, ts time.Time) error {
	_, err := p.pool.Exec(ctx, p.insert, ts, payload)
	if ok := err == nil; p.up.Swap(ok) != ok {
		p.notify(ok)
	}
	return transportErr(p.name, err)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// pgxZapLogger adapts tracelog.Logger to zap.
type pgxZapLogger struct {
	logger *zap.Logger
}

func (l *pgxZapLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}
