package emit

import (
	"go.uber.org/zap"
)

// LogEmitter writes events through a zap logger, one entry per event.
// Run-level and step-level fields become structured log fields; Meta keys
// are appended as-is.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter wraps a zap logger. A nil logger falls back to zap.NewNop.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("traceId", event.TraceID))
	if event.StepIndex >= 0 {
		fields = append(fields, zap.Int("stepIndex", event.StepIndex))
	}
	if event.NodeID != "" {
		fields = append(fields, zap.String("nodeId", event.NodeID))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}

	if _, failed := event.Meta["error"]; failed {
		l.logger.Warn(event.Msg, fields...)
		return
	}
	l.logger.Info(event.Msg, fields...)
}
