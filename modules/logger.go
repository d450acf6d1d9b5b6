package modules

import (
	"context"

	"go.uber.org/zap"
)

// NewLogger returns the "Logger" module, which writes script log lines to l.
// Levels follow console: "debug", "info"/"log", "warn", "error".
func NewLogger(l *zap.Logger) Module {
	if l == nil {
		l = zap.NewNop()
	}
	l = l.Named("js")
	return NewModule("Logger", nil,
		Method{Name: "log", Type: MethodAsync, Fn: func(ctx context.Context, args []any) (any, error) {
			level, err := StringArg(args, 0, "level")
			if err != nil {
				return nil, err
			}
			msg, err := StringArg(args, 1, "message")
			if err != nil {
				return nil, err
			}
			LogScript(l, level, msg)
			return nil, nil
		}},
	)
}

// LogScript writes one script log line at the named level.
func LogScript(l *zap.Logger, level, msg string) {
	switch level {
	case "debug", "trace":
		l.Debug(msg)
	case "warn":
		l.Warn(msg)
	case "error":
		l.Error(msg)
	default:
		l.Info(msg)
	}
}
