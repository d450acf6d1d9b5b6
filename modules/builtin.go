package modules

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/config"
)

// Builtins builds the built-in modules enabled in cfg. The returned closers
// release resources held by the modules and must be closed after the
// registry is no longer used.
func Builtins(cfg config.Modules, log *zap.Logger) ([]Module, []io.Closer, error) {
	var (
		mods    []Module
		closers []io.Closer
	)

	if cfg.Timing {
		mods = append(mods, NewTiming())
	}
	if cfg.KeyValue {
		mods = append(mods, NewKeyValue(DefaultKVConfig()))
	}
	if cfg.Logger {
		mods = append(mods, NewLogger(log))
	}

	if len(cfg.FS) > 0 {
		mounts := make([]Mount, 0, len(cfg.FS))
		for _, m := range cfg.FS {
			mode, err := ParseMountMode(m.Mode)
			if err != nil {
				return nil, nil, err
			}
			mounts = append(mounts, Mount{VirtualPath: m.Virtual, HostPath: m.Host, Mode: mode})
		}
		mods = append(mods, NewFileSystem(mounts))
	}

	if h := cfg.HTTP; h != nil {
		hc := HTTPConfig{AllowedHosts: h.AllowedHosts, RequestTimeout: h.Timeout}
		if h.MaxBodySize != "" {
			n, err := humanize.ParseBytes(h.MaxBodySize)
			if err != nil {
				return nil, nil, fmt.Errorf("http max body size: %w", err)
			}
			hc.MaxBodySize = int64(n)
		}
		mods = append(mods, NewNetworking(hc))
	}

	if cfg.Storage != "" {
		s, err := OpenStorage(cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		mods = append(mods, s.Module())
		closers = append(closers, s)
	}

	return mods, closers, nil
}

// ParseMountMode parses "ro", "rw" or "rwc". Empty means read-only.
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "", "ro":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", s)
}
