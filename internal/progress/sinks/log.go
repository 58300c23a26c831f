package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
)

// LogSink mirrors lifecycle events into the structured service log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("joblog")}
}

// Consume logs each event at the zap level matching its job log level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("job", evt.Job),
			zap.Int64("seq", evt.Seq),
			zap.String("kind", string(evt.Kind)),
			zap.String("phase", evt.Phase),
		}
		if evt.From != "" {
			fields = append(fields, zap.String("from", evt.From))
		}
		if evt.Exit != "" {
			fields = append(fields, zap.String("exit", evt.Exit))
		}
		if ce := s.logger.Check(zapLevel(evt.Level), evt.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func zapLevel(level progress.Level) zapcore.Level {
	switch level {
	case progress.LevelSevere:
		return zapcore.ErrorLevel
	case progress.LevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
