package modules

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/config"
)

func TestBuiltins(t *testing.T) {
	cfg := config.Modules{
		Timing:   true,
		KeyValue: true,
		Logger:   true,
		Storage:  filepath.Join(t.TempDir(), "storage.db"),
		FS:       []config.Mount{{Virtual: "/data", Host: t.TempDir(), Mode: "rw"}},
		HTTP:     &config.HTTP{AllowedHosts: []string{"example.com"}, MaxBodySize: "64KiB"},
	}
	mods, closers, err := Builtins(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Builtins: %v", err)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	var names []string
	for _, m := range mods {
		names = append(names, m.Name())
	}
	want := []string{"Timing", "KeyValue", "Logger", "FileSystem", "Networking", "AsyncStorage"}
	if len(names) != len(want) {
		t.Fatalf("modules = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("module %d = %q, want %q", i, names[i], want[i])
		}
	}
	if len(closers) != 1 {
		t.Errorf("closers = %d, want 1", len(closers))
	}

	r := NewRegistry()
	if err := r.RegisterModules(mods...); err != nil {
		t.Fatalf("RegisterModules: %v", err)
	}
}

func TestBuiltinsNone(t *testing.T) {
	mods, closers, err := Builtins(config.Modules{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 0 || len(closers) != 0 {
		t.Errorf("mods = %d closers = %d", len(mods), len(closers))
	}
}

func TestParseMountMode(t *testing.T) {
	tests := []struct {
		in   string
		want MountMode
		ok   bool
	}{
		{"", MountReadOnly, true},
		{"ro", MountReadOnly, true},
		{"rw", MountReadWrite, true},
		{"rwc", MountReadWriteCreate, true},
		{"x", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseMountMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseMountMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
