package monitor

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// LogSink writes events to a structured audit log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a LogSink on the provided logger.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("monitor")}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, evt Event) {
	fields := make([]zap.Field, 0, 4+len(evt.Fields))
	fields = append(fields,
		zap.String("kind", string(evt.Kind)),
		zap.String("provider", string(evt.Provider)),
	)
	if !evt.At.IsZero() {
		fields = append(fields, zap.Time("at", evt.At))
	}
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, evt.Fields[k]))
	}
	switch evt.Level {
	case LevelCritical:
		s.log.Error(evt.Message, fields...)
	case LevelWarning:
		s.log.Warn(evt.Message, fields...)
	default:
		s.log.Info(evt.Message, fields...)
	}
}
