package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/config"
)

var (
	ErrBackendUnavailable = errors.New("engine backend not available in this build")
	ErrUnknownEngine      = errors.New("unknown engine")
)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"v8":     unavailable("v8"),
		"hermes": unavailable("hermes"),
		"jsc":    unavailable("jsc"),
	}
)

// Register makes f available to Lookup under f.Name(). Registering a name
// twice replaces the earlier factory.
func Register(f Factory) {
	factoriesMu.Lock()
	factories[f.Name()] = f
	factoriesMu.Unlock()
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, jsbridge.ConfigError("lookup engine", fmt.Errorf("%w: %q", ErrUnknownEngine, name))
	}
	return f, nil
}

// Names lists registered engine names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unavailable stands in for engines that need native libraries this build
// does not link. Selecting one fails at construction, not at lookup.
type unavailable string

func (u unavailable) Name() string {
	return string(u)
}

func (u unavailable) New(Delegate, config.Config) (Engine, error) {
	return nil, jsbridge.ConfigError("new engine", fmt.Errorf("%w: %s", ErrBackendUnavailable, string(u)))
}
