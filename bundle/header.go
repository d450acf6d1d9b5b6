package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// HeaderSize is the size in bytes of the fixed bundle prefix.
const HeaderSize = 12

// RAMBundleMagic identifies an indexed RAM bundle.
const RAMBundleMagic uint32 = 0xFB0BD1E5

// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
var ErrShortHeader = errors.New("bundle header truncated")

// Tag classifies a bundle.
type Tag int

const (
	// TagUnknown means the header could not be read.
	TagUnknown Tag = iota
	// TagMonolithic is plain script source loaded whole.
	TagMonolithic
	// TagSegmented is an indexed RAM bundle with lazily loaded modules.
	TagSegmented
)

func (t Tag) String() string {
	switch t {
	case TagMonolithic:
		return "monolithic"
	case TagSegmented:
		return "segmented"
	default:
		return "unknown"
	}
}

// Header is the fixed prefix at offset 0 of a bundle. All fields are little
// endian. For indexed RAM bundles the second and third words hold the module
// table length and the startup code size.
type Header struct {
	Magic    uint32
	Reserved uint32
	Version  uint32
}

// ReadHeader reads exactly HeaderSize bytes from r. Anything shorter is
// ErrShortHeader; the partial bytes are never interpreted.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	return parseHeader(buf[:]), nil
}

func parseHeader(b []byte) Header {
	return Header{
		Magic:    binary.LittleEndian.Uint32(b[0:4]),
		Reserved: binary.LittleEndian.Uint32(b[4:8]),
		Version:  binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Bytes encodes h in its on-disk form.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	return buf
}

// ParseTag classifies a fully read header.
func ParseTag(h Header) Tag {
	if h.Magic == RAMBundleMagic {
		return TagSegmented
	}
	return TagMonolithic
}

// DetectTag reads the header from r and classifies it. Read failures of any
// kind yield TagUnknown.
func DetectTag(r io.Reader) Tag {
	h, err := ReadHeader(r)
	if err != nil {
		return TagUnknown
	}
	return ParseTag(h)
}

// DetectFile classifies the bundle at path. Missing or unreadable files yield
// TagUnknown.
func DetectFile(path string) Tag {
	f, err := os.Open(path)
	if err != nil {
		return TagUnknown
	}
	defer f.Close()
	return DetectTag(f)
}

// IsIndexedRAMBundle reports whether path holds an indexed RAM bundle. It
// never fails: I/O errors and short files report false.
func IsIndexedRAMBundle(path string) bool {
	return DetectFile(path) == TagSegmented
}
