package util

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevel honors LOG_LEVEL (debug, info, warn, error), defaulting to info.
func logLevel() zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.Set(os.Getenv("LOG_LEVEL")); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// NewLogger builds the standard JSON logger, tagged with the service name
// so lines from several cardex processes can be told apart in aggregated
// output.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(logLevel())
	cfg.EncoderConfig = encoderConfig()
	cfg.InitialFields = map[string]interface{}{"service": "cardex"}
	return cfg.Build()
}

// NewLoggerWithFile builds a logger writing JSON lines to both stdout and
// an append-only file, creating the log directory if needed.
func NewLoggerWithFile(logPath string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	lvl := logLevel()
	enc := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl),
		zapcore.NewCore(enc, zapcore.AddSync(file), lvl),
	)
	return zap.New(core, zap.Fields(zap.String("service", "cardex"))), nil
}
