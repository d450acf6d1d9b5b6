package modules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFS(t *testing.T, mode MountMode, opts ...FSOption) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewFS([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: mode}}, opts...), dir
}

func TestFSRead(t *testing.T) {
	fs, _ := newTestFS(t, MountReadOnly)
	got, err := fs.Read(context.Background(), []any{"/data/hello.txt"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected hello, got %v", got)
	}
}

func TestFSReadOnlyRejectsWrite(t *testing.T) {
	fs, _ := newTestFS(t, MountReadOnly)
	_, err := fs.Write(context.Background(), []any{"/data/hello.txt", "x"})
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Errorf("expected read-only error, got %v", err)
	}
}

func TestFSWriteCreate(t *testing.T) {
	ctx := context.Background()

	rw, _ := newTestFS(t, MountReadWrite)
	if _, err := rw.Write(ctx, []any{"/data/new.txt", "x"}); err == nil {
		t.Error("read-write mount must not create files")
	}
	if _, err := rw.Write(ctx, []any{"/data/hello.txt", "updated"}); err != nil {
		t.Errorf("overwrite failed: %v", err)
	}

	rwc, dir := newTestFS(t, MountReadWriteCreate)
	if _, err := rwc.Write(ctx, []any{"/data/new.txt", "created"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "new.txt"))
	if string(data) != "created" {
		t.Errorf("unexpected contents %q", data)
	}
}

func TestFSPathEscape(t *testing.T) {
	fs, _ := newTestFS(t, MountReadWriteCreate)
	for _, p := range []string{"/data/../../etc/passwd", "/etc/passwd", "/datax/hello.txt"} {
		if _, err := fs.Read(context.Background(), []any{p}); err == nil {
			t.Errorf("expected %s to be denied", p)
		}
	}
}

func TestFSListExistsStat(t *testing.T) {
	fs, _ := newTestFS(t, MountReadWriteCreate)
	ctx := context.Background()

	if _, err := fs.Mkdir(ctx, []any{"/data/sub/dir"}); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	entries, err := fs.List(ctx, []any{"/data"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if n := len(entries.([]any)); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}

	exists, _ := fs.Exists(ctx, []any{"/data/hello.txt"})
	if exists != true {
		t.Error("expected hello.txt to exist")
	}
	exists, _ = fs.Exists(ctx, []any{"/outside"})
	if exists != false {
		t.Error("paths outside mounts must not exist")
	}

	info, err := fs.Stat(ctx, []any{"/data/hello.txt"})
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.(map[string]any)["size"] != int64(5) {
		t.Errorf("unexpected stat %v", info)
	}

	if _, err := fs.Remove(ctx, []any{"/data/hello.txt"}); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

func TestFSLimits(t *testing.T) {
	fs, _ := newTestFS(t, MountReadWriteCreate, WithMaxFileSize(2), WithMaxWriteSize(2), WithMaxPathLength(12))
	ctx := context.Background()

	if _, err := fs.Read(ctx, []any{"/data/hello.txt"}); err == nil {
		t.Error("expected max file size error")
	}
	if _, err := fs.Write(ctx, []any{"/data/a", "abc"}); err == nil {
		t.Error("expected max write size error")
	}
	if _, err := fs.Read(ctx, []any{"/data/very/long/path"}); err == nil {
		t.Error("expected max path length error")
	}
}
