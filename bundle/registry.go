package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// MainBundleID is the id of the bundle a registry is created with.
const MainBundleID uint32 = 0

// ErrBundleNotRegistered is returned for bundle ids with no known path.
var ErrBundleNotRegistered = errors.New("bundle not registered")

// ChunkSource produces modules of one segmented bundle by id.
type ChunkSource interface {
	Module(id uint32) (Module, error)
}

// Factory opens the segmented bundle stored at path.
type Factory func(path string) (ChunkSource, error)

// IndexedFactory returns a Factory backed by OpenIndexed.
func IndexedFactory() Factory {
	return func(path string) (ChunkSource, error) {
		return OpenIndexed(path)
	}
}

type chunkKey struct {
	bundle uint32
	module uint32
}

func (k chunkKey) String() string {
	return strconv.FormatUint(uint64(k.bundle), 10) + ":" + strconv.FormatUint(uint64(k.module), 10)
}

// Registry resolves modules of one or more segmented bundles on demand.
// Each (bundle, module) pair is fetched at most once; concurrent requests for
// a pair in flight join the running fetch.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	bundles  map[uint32]ChunkSource
	paths    map[uint32]string
	resolved map[chunkKey]Module

	chunks  singleflight.Group
	opening singleflight.Group
}

// NewSingleBundleRegistry serves modules from main only. Additional bundles
// cannot be registered.
func NewSingleBundleRegistry(main ChunkSource) *Registry {
	return newRegistry(main, nil)
}

// NewMultipleBundlesRegistry serves modules from main and from bundles later
// added with RegisterBundle, opened lazily through factory.
func NewMultipleBundlesRegistry(main ChunkSource, factory Factory) *Registry {
	return newRegistry(main, factory)
}

func newRegistry(main ChunkSource, factory Factory) *Registry {
	r := &Registry{
		factory:  factory,
		bundles:  make(map[uint32]ChunkSource),
		paths:    make(map[uint32]string),
		resolved: make(map[chunkKey]Module),
	}
	if main != nil {
		r.bundles[MainBundleID] = main
	}
	return r
}

// RegisterBundle associates id with the segmented bundle at path. The file is
// not opened until a module of that bundle is requested.
func (r *Registry) RegisterBundle(id uint32, path string) error {
	if r.factory == nil {
		return fmt.Errorf("register bundle %d: registry does not support multiple bundles", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bundles[id]; ok {
		return fmt.Errorf("register bundle %d: already loaded", id)
	}
	r.paths[id] = path
	return nil
}

// GetModule returns module moduleID of bundle bundleID.
func (r *Registry) GetModule(ctx context.Context, bundleID, moduleID uint32) (Module, error) {
	key := chunkKey{bundle: bundleID, module: moduleID}

	r.mu.Lock()
	if m, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	ch := r.chunks.DoChan(key.String(), func() (any, error) {
		r.mu.Lock()
		if m, ok := r.resolved[key]; ok {
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()

		src, err := r.bundle(bundleID)
		if err != nil {
			return nil, err
		}
		m, err := src.Module(moduleID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.resolved[key] = m
		r.mu.Unlock()
		return m, nil
	})

	select {
	case <-ctx.Done():
		return Module{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Module{}, fmt.Errorf("get module %d of bundle %d: %w", moduleID, bundleID, res.Err)
		}
		return res.Val.(Module), nil
	}
}

func (r *Registry) bundle(id uint32) (ChunkSource, error) {
	r.mu.Lock()
	if b, ok := r.bundles[id]; ok {
		r.mu.Unlock()
		return b, nil
	}
	path, ok := r.paths[id]
	r.mu.Unlock()
	if !ok || r.factory == nil {
		return nil, fmt.Errorf("%w: %d", ErrBundleNotRegistered, id)
	}

	v, err, _ := r.opening.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		r.mu.Lock()
		if b, ok := r.bundles[id]; ok {
			r.mu.Unlock()
			return b, nil
		}
		r.mu.Unlock()

		b, err := r.factory(path)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.bundles[id] = b
		r.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ChunkSource), nil
}

// Close closes every opened bundle that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, b := range r.bundles {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(r.bundles, id)
	}
	return errors.Join(errs...)
}
