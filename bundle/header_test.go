package bundle

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDetectTag(t *testing.T) {
	ram := Header{Magic: RAMBundleMagic}.Bytes()

	tests := []struct {
		name string
		data []byte
		want Tag
	}{
		{"empty", nil, TagUnknown},
		{"one byte", []byte{0xE5}, TagUnknown},
		{"magic only", ram[:4], TagUnknown},
		{"one short", ram[:HeaderSize-1], TagUnknown},
		{"ram bundle", ram, TagSegmented},
		{"ram bundle with body", append(append([]byte{}, ram...), "code"...), TagSegmented},
		{"plain script", []byte("var x = 1;\nfoo();\n"), TagMonolithic},
		{"big endian magic", []byte{0xFB, 0x0B, 0xD1, 0xE5, 0, 0, 0, 0, 0, 0, 0, 0}, TagMonolithic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectTag(bytes.NewReader(tt.data))
			if got != tt.want {
				t.Errorf("DetectTag = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadHeaderShort(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{1, 2, 3}))
	if !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Magic: RAMBundleMagic, Reserved: 7, Version: 42}
	got, err := ReadHeader(bytes.NewReader(h.Bytes()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestIsIndexedRAMBundle(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	var ram bytes.Buffer
	if err := WriteIndexed(&ram, []byte("startup()"), map[uint32][]byte{0: []byte("m0")}); err != nil {
		t.Fatalf("WriteIndexed: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"zero byte file", write("empty.bundle", nil), false},
		{"short file", write("short.bundle", []byte{0xE5, 0xD1}), false},
		{"plain script", write("plain.bundle", []byte("console.log('hi');")), false},
		{"ram bundle", write("ram.bundle", ram.Bytes()), true},
		{"missing file", filepath.Join(dir, "missing.bundle"), false},
		{"directory", dir, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIndexedRAMBundle(tt.path); got != tt.want {
				t.Errorf("IsIndexedRAMBundle(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestTagString(t *testing.T) {
	if TagSegmented.String() != "segmented" || TagMonolithic.String() != "monolithic" || TagUnknown.String() != "unknown" {
		t.Errorf("unexpected tag names")
	}
}
