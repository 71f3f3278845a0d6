package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithSessionID returns a logger with session_id field
func WithSessionID(logger *zap.Logger, sessionID int64) *zap.Logger {
	return logger.With(zap.Int64("session_id", sessionID))
}

// WithCollarID returns a logger with collar_id field
func WithCollarID(logger *zap.Logger, collarID string) *zap.Logger {
	return logger.With(zap.String("collar_id", collarID))
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}
