package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnvVar selects the log level. When it is unset or unparseable the level is warn.
const LevelEnvVar = "TCLCONSOLE_LOG_LEVEL"

// ParseLevel parses a level name, accepting the "warning" and "critical" spellings as well as zap's own.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return zapcore.WarnLevel, nil
	case "critical":
		return zapcore.FatalLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
}

// EnvLevel returns the level selected by LevelEnvVar.
func EnvLevel() zapcore.Level {
	v, ok := os.LookupEnv(LevelEnvVar)
	if !ok {
		return zapcore.WarnLevel
	}
	l, err := ParseLevel(v)
	if err != nil {
		return zapcore.WarnLevel
	}
	return l
}

// New builds a logger at the given level, writing console-encoded entries to stderr.
func New(level zapcore.Level) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Default returns a logger at the level selected by the environment, panicking if it cannot be built.
func Default() *zap.SugaredLogger {
	l, err := New(EnvLevel())
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	return l
}
