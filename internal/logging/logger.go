package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger. Debug switches the
// level down without changing the JSON encoding.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and subject identifiers.
func WithOperation(logger *zap.Logger, operation, subjectID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if subjectID != "" {
		fields = append(fields, zap.String("subject_id", subjectID))
	}
	return logger.With(fields...)
}

// WithSlot adds the capture slot to an operation logger.
func WithSlot(logger *zap.Logger, slot string) *zap.Logger {
	if slot == "" {
		return logger
	}
	return logger.With(zap.String("slot", slot))
}
