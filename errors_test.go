package jsbridge

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		err   error
		kind  Kind
		fatal bool
	}{
		{ConfigError("initialize", base), KindConfig, true},
		{ProtocolError("call", base), KindProtocol, true},
		{ScriptError("eval", base), KindScript, true},
		{CallError("Timing.now", base), KindCall, false},
		{IOError("read", base), KindIO, true},
		{fmt.Errorf("wrapped: %w", ConfigError("x", base)), KindConfig, true},
		{base, KindUnknown, false},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.kind)
		}
		if got := IsFatal(tt.err); got != tt.fatal {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.fatal)
		}
		if tt.kind != KindUnknown && !errors.Is(tt.err, base) {
			t.Errorf("%v does not unwrap to base", tt.err)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := ConfigError("initialize", errors.New("already initialized"))
	want := "configuration error: initialize: already initialized"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
