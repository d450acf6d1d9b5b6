package modules

import (
	"context"
	"time"
)

// NewTiming returns the "Timing" module: wall clock in milliseconds.
func NewTiming() Module {
	return NewModule("Timing", nil,
		Method{Name: "now", Type: MethodSync, Fn: now},
		Method{Name: "nowAsync", Type: MethodPromise, Fn: now},
	)
}

func now(ctx context.Context, args []any) (any, error) {
	return float64(time.Now().UnixNano()) / 1e6, nil
}
