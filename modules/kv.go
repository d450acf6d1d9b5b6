package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultMaxKeySize   = 256
	DefaultMaxValueSize = 64 * 1024
	DefaultMaxEntries   = 10000
)

// KVConfig limits the KeyValue module.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

// DefaultKVConfig returns the default KeyValue limits.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultMaxKeySize,
		MaxValueSize: DefaultMaxValueSize,
		MaxEntries:   DefaultMaxEntries,
	}
}

// KV is an in-memory string store exposed to script as "KeyValue".
type KV struct {
	cfg  KVConfig
	data map[string]string
	mu   sync.RWMutex
}

// NewKV creates an empty store.
func NewKV(cfg KVConfig) *KV {
	if cfg.MaxKeySize <= 0 {
		cfg.MaxKeySize = DefaultMaxKeySize
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = DefaultMaxValueSize
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &KV{cfg: cfg, data: make(map[string]string)}
}

// NewKeyValue returns the KeyValue module backed by a fresh store.
func NewKeyValue(cfg KVConfig) Module {
	return NewKV(cfg).Module()
}

// Module exposes kv to script.
func (kv *KV) Module() Module {
	return NewModule("KeyValue", map[string]any{"maxEntries": kv.cfg.MaxEntries},
		Method{Name: "get", Type: MethodPromise, Fn: kv.Get},
		Method{Name: "set", Type: MethodPromise, Fn: kv.Set},
		Method{Name: "remove", Type: MethodPromise, Fn: kv.Delete},
		Method{Name: "keys", Type: MethodPromise, Fn: kv.Keys},
		Method{Name: "getSync", Type: MethodSync, Fn: kv.Get},
	)
}

// Get returns the value for args[0], args[1] when missing, or nil.
func (kv *KV) Get(ctx context.Context, args []any) (any, error) {
	key, err := StringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}

	kv.mu.RLock()
	val, ok := kv.data[key]
	kv.mu.RUnlock()

	if !ok {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	}
	return val, nil
}

// Set stores args[1] under args[0].
func (kv *KV) Set(ctx context.Context, args []any) (any, error) {
	key, err := StringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	val, err := StringArg(args, 1, "value")
	if err != nil {
		return nil, err
	}
	if len(key) > kv.cfg.MaxKeySize {
		return nil, fmt.Errorf("key exceeds max size of %d bytes", kv.cfg.MaxKeySize)
	}
	if len(val) > kv.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds max size of %d bytes", kv.cfg.MaxValueSize)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, exists := kv.data[key]; !exists && len(kv.data) >= kv.cfg.MaxEntries {
		return nil, errors.New("store full")
	}
	kv.data[key] = val
	return "ok", nil
}

// Delete removes args[0].
func (kv *KV) Delete(ctx context.Context, args []any) (any, error) {
	key, err := StringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	kv.mu.Lock()
	delete(kv.data, key)
	kv.mu.Unlock()
	return "ok", nil
}

// Keys lists stored keys in sorted order.
func (kv *KV) Keys(ctx context.Context, args []any) (any, error) {
	kv.mu.RLock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	kv.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
