package quickjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	quickjswasi "github.com/paralin/go-quickjs-wasi"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge"
	"github.com/caffeineduck/jsbridge/config"
)

const pageSize = 64 * 1024

// Compilation caches are shared by every engine using the same directory.
var (
	cachesMu sync.Mutex
	caches   = make(map[string]wazero.CompilationCache)
)

func compilationCache(dir string) (wazero.CompilationCache, error) {
	cachesMu.Lock()
	defer cachesMu.Unlock()

	if c, ok := caches[dir]; ok {
		return c, nil
	}
	var (
		c   wazero.CompilationCache
		err error
	)
	if dir == "" {
		c = wazero.NewCompilationCache()
	} else {
		c, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}
	caches[dir] = c
	return c, nil
}

// DefaultCacheDir returns the directory used for the on-disk compilation
// cache when none is configured.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "jsbridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "jsbridge")
	}
	return filepath.Join(os.TempDir(), "jsbridge-cache")
}

// memoryPages converts the configured limit to wasm pages. Zero means the
// wazero default of 4GiB.
func memoryPages(cfg config.Config) (uint32, error) {
	limit, err := cfg.MemoryLimitBytes()
	if err != nil || limit == 0 {
		return 0, err
	}
	pages := limit / pageSize
	if pages == 0 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages), nil
}

// process is a running qjs command with piped stdio.
type process struct {
	rt     wazero.Runtime
	mod    api.Module
	proto  *protocol
	cancel context.CancelFunc

	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	writeMu     sync.Mutex

	exited     chan struct{}
	exitErr    error
	terminated atomic.Bool

	closeOnce sync.Once
}

func startProcess(cfg config.Config, log *zap.Logger, code string) (*process, error) {
	cache, err := compilationCache(cfg.CacheDir)
	if err != nil {
		return nil, jsbridge.ConfigError("new quickjs engine", err)
	}
	pages, err := memoryPages(cfg)
	if err != nil {
		return nil, jsbridge.ConfigError("new quickjs engine", err)
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(cache)
	if pages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(pages)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	fail := func(op string, err error) (*process, error) {
		rt.Close(context.Background())
		cancel()
		return nil, jsbridge.ConfigError(op, err)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail("instantiate WASI", err)
	}
	compiled, err := rt.CompileModule(ctx, quickjswasi.QuickJSWASM)
	if err != nil {
		return fail("compile quickjs", err)
	}

	p := &process{
		rt:     rt,
		proto:  newProtocol(log),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	p.stdinReader, p.stdin = io.Pipe()

	// _start is called by hand so the module handle is available while the
	// interpreter runs.
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(&console{log: log}).
		WithStderr(p.proto).
		WithStdin(p.stdinReader).
		WithArgs("qjs", "--std", "-e", code).
		WithName("").
		WithStartFunctions()

	p.mod, err = rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return fail("instantiate quickjs", err)
	}
	start := p.mod.ExportedFunction("_start")
	if start == nil {
		return fail("instantiate quickjs", errors.New("module has no _start"))
	}

	go func() {
		_, err := start.Call(ctx)
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			err = nil
		}
		if err == nil {
			err = ErrTerminated
		}
		p.exitErr = err
		close(p.exited)
	}()
	return p, nil
}

// send writes one JSON line to the script. The write runs on its own
// goroutine so a busy or dead script cannot block past ctx.
func (p *process) send(ctx context.Context, op string, v any) error {
	if p.terminated.Load() {
		return jsbridge.ScriptError(op, ErrTerminated)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return jsbridge.ProtocolError(op, err)
	}
	data = append(data, '\n')

	done := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		_, err := p.stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return jsbridge.IOError(op, err)
		}
		return nil
	case <-p.exited:
		return jsbridge.ScriptError(op, p.exitError())
	case <-ctx.Done():
		p.terminate()
		return jsbridge.ScriptError(op, fmt.Errorf("interrupted: %w", ctx.Err()))
	}
}

func (p *process) exitError() error {
	<-p.exited
	return p.exitErr
}

func (p *process) memorySize() int64 {
	if p.mod == nil {
		return 0
	}
	mem := p.mod.Memory()
	if mem == nil {
		return 0
	}
	return int64(mem.Size())
}

// terminate stops the interpreter without waiting for it to exit. The
// script cannot be resumed after an interrupted operation.
func (p *process) terminate() {
	p.terminated.Store(true)
	p.cancel()
	p.proto.Close()
	p.stdinReader.CloseWithError(ErrTerminated)
	p.stdin.CloseWithError(ErrTerminated)
}

func (p *process) close() error {
	var err error
	p.closeOnce.Do(func() {
		p.terminate()
		<-p.exited
		err = p.rt.Close(context.Background())
	})
	return err
}
