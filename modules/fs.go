package modules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

const (
	DefaultMaxFileSize   = 10 << 20
	DefaultMaxWriteSize  = 10 << 20
	DefaultMaxPathLength = 4096
)

// Mount maps a virtual path seen by script to a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// FSOption configures FS limits.
type FSOption func(*FS)

// WithMaxFileSize limits reads.
func WithMaxFileSize(n int64) FSOption {
	return func(f *FS) { f.maxFileSize = n }
}

// WithMaxWriteSize limits writes.
func WithMaxWriteSize(n int64) FSOption {
	return func(f *FS) { f.maxWriteSize = n }
}

// WithMaxPathLength limits virtual path length.
func WithMaxPathLength(n int) FSOption {
	return func(f *FS) { f.maxPathLength = n }
}

// FS provides file access restricted to explicit mount points.
type FS struct {
	mounts        []Mount
	maxFileSize   int64
	maxWriteSize  int64
	maxPathLength int
}

// NewFS creates a filesystem handler over mounts. Mounts whose host path
// cannot be made absolute are dropped.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{
		maxFileSize:   DefaultMaxFileSize,
		maxWriteSize:  DefaultMaxWriteSize,
		maxPathLength: DefaultMaxPathLength,
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return f
}

// NewFileSystem returns the "FileSystem" module.
func NewFileSystem(mounts []Mount, opts ...FSOption) Module {
	return NewFS(mounts, opts...).Module()
}

// Module exposes f to script.
func (f *FS) Module() Module {
	mounts := make([]any, len(f.mounts))
	for i, m := range f.mounts {
		mounts[i] = m.VirtualPath
	}
	return NewModule("FileSystem", map[string]any{"mounts": mounts},
		Method{Name: "readFile", Type: MethodPromise, Fn: f.Read},
		Method{Name: "writeFile", Type: MethodPromise, Fn: f.Write},
		Method{Name: "readDir", Type: MethodPromise, Fn: f.List},
		Method{Name: "exists", Type: MethodPromise, Fn: f.Exists},
		Method{Name: "mkdir", Type: MethodPromise, Fn: f.Mkdir},
		Method{Name: "remove", Type: MethodPromise, Fn: f.Remove},
		Method{Name: "stat", Type: MethodPromise, Fn: f.Stat},
	)
}

// resolve maps a virtual path to a host path, checking permissions.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if len(virtualPath) > f.maxPathLength {
		return "", nil, errors.New("path exceeds max length")
	}
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", nil, errors.New("permission denied: read-only mount")
		}

		hostPath := filepath.Join(m.HostPath, strings.TrimPrefix(vp, m.VirtualPath))
		if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
			return "", nil, errors.New("permission denied: path escape attempt")
		}
		return hostPath, m, nil
	}
	return "", nil, errors.New("permission denied: path not in any mount")
}

// Read returns the contents of file args[0].
func (f *FS) Read(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("read error: " + err.Error())
	}
	if info.Size() > f.maxFileSize {
		return nil, errors.New("file exceeds max size")
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

// Write writes args[1] to file args[0].
func (f *FS) Write(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	content, err := StringArg(args, 1, "content")
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > f.maxWriteSize {
		return nil, errors.New("content exceeds max write size")
	}

	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create new files")
	}

	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	return "ok", nil
}

// List returns the entries of directory args[0].
func (f *FS) List(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + path)
		}
		return nil, errors.New("list error: " + err.Error())
	}

	result := make([]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":  entry.Name(),
			"isDir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether args[0] exists. Paths outside any mount do not.
func (f *FS) Exists(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Mkdir creates directory args[0] and its parents.
func (f *FS) Mkdir(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, errors.New("mkdir error: " + err.Error())
	}
	return "ok", nil
}

// Remove deletes file or empty directory args[0].
func (f *FS) Remove(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("remove error: " + err.Error())
	}
	return "ok", nil
}

// Stat describes args[0].
func (f *FS) Stat(ctx context.Context, args []any) (any, error) {
	path, err := StringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("stat error: " + err.Error())
	}
	return map[string]any{
		"name":    info.Name(),
		"size":    info.Size(),
		"isDir":   info.IsDir(),
		"modTime": info.ModTime().Unix(),
	}, nil
}
