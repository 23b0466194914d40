// Package logging builds the process zap logger.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and the optional rotating file.
type Config struct {
	Level  string     `yaml:"level" mapstructure:"level" json:"level"`
	Format string     `yaml:"format" mapstructure:"format" json:"format"` // json or console
	File   FileConfig `yaml:"file" mapstructure:"file" json:"file"`
}

// FileConfig is passed through to lumberjack. An empty Filename disables
// file output.
type FileConfig struct {
	Filename   string `yaml:"filename" mapstructure:"filename" json:"filename"`
	MaxSizeMB  int    `yaml:"max_size" mapstructure:"max_size" json:"maxSize"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age" mapstructure:"max_age" json:"maxAge"`
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress"`
}

// ParseLevel maps a config string to a zap level; unknown strings are info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339Nano)) },
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

// New builds a logger writing to stdout and, when configured, a rotating
// file. Components derive named children with Named.
func New(cfg Config) (*zap.Logger, error) {
	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg.File.Filename != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}))
	}
	return NewWithSink(cfg, encoder, zapcore.NewMultiWriteSyncer(sinks...)), nil
}

// NewWithSink builds a logger on an explicit sink.
func NewWithSink(cfg Config, encoder zapcore.Encoder, ws zapcore.WriteSyncer) *zap.Logger {
	if encoder == nil {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	}
	core := zapcore.NewCore(encoder, ws, ParseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller())
}

// Nop discards everything.
func Nop() *zap.Logger { return zap.NewNop() }
