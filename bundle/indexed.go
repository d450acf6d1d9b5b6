package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

const tableEntrySize = 8

var (
	// ErrNotRAMBundle is returned when opening a file without the RAM bundle magic.
	ErrNotRAMBundle = errors.New("not an indexed RAM bundle")
	// ErrModuleNotFound is returned for ids outside the table or with empty entries.
	ErrModuleNotFound = errors.New("module not found in bundle")
	// ErrMalformedBundle is returned when the header or table points past the
	// end of the file.
	ErrMalformedBundle = errors.New("malformed RAM bundle")
)

// Module is one lazily loaded chunk of a segmented bundle.
type Module struct {
	Name string
	Code string
}

type tableEntry struct {
	offset uint32
	length uint32
}

// IndexedBundle reads modules out of an indexed RAM bundle file. Reads use
// ReadAt and are safe for concurrent use.
type IndexedBundle struct {
	path        string
	file        *os.File
	table       []tableEntry
	startupSize uint32
	baseOffset  int64
	size        int64
}

// OpenIndexed opens and validates the indexed RAM bundle at path.
func OpenIndexed(path string) (*IndexedBundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	b, err := readIndex(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	b.path = path
	b.file = f
	return b, nil
}

// readIndex reads the header and module table of a bundle of size bytes.
// Sizes from the header are checked against size before anything is
// allocated.
func readIndex(r io.Reader, size int64) (*IndexedBundle, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if ParseTag(h) != TagSegmented {
		return nil, ErrNotRAMBundle
	}

	numEntries := h.Reserved
	tableSize := int64(numEntries) * tableEntrySize
	if end := int64(HeaderSize) + tableSize + int64(h.Version); end > size {
		return nil, fmt.Errorf("%w: %d table entries and %d byte startup code need %d bytes, file has %d",
			ErrMalformedBundle, numEntries, h.Version, end, size)
	}
	raw := make([]byte, tableSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read module table: %w", err)
	}

	table := make([]tableEntry, numEntries)
	for i := range table {
		off := i * tableEntrySize
		table[i] = tableEntry{
			offset: binary.LittleEndian.Uint32(raw[off : off+4]),
			length: binary.LittleEndian.Uint32(raw[off+4 : off+8]),
		}
	}

	return &IndexedBundle{
		table:       table,
		startupSize: h.Version,
		baseOffset:  int64(HeaderSize) + tableSize,
		size:        size,
	}, nil
}

// Path returns the file the bundle was opened from.
func (b *IndexedBundle) Path() string {
	return b.path
}

// NumModules returns the number of table entries, including empty ones.
func (b *IndexedBundle) NumModules() int {
	return len(b.table)
}

// Entry describes one table slot. Length includes the NUL terminator and is
// zero for empty slots.
type Entry struct {
	ID     uint32
	Offset uint32
	Length uint32
}

// Entries returns the module table in id order.
func (b *IndexedBundle) Entries() []Entry {
	out := make([]Entry, len(b.table))
	for i, e := range b.table {
		out[i] = Entry{ID: uint32(i), Offset: e.offset, Length: e.length}
	}
	return out
}

// StartupSize returns the length of the startup chunk, terminator included.
func (b *IndexedBundle) StartupSize() uint32 {
	return b.startupSize
}

// StartupCode reads the always-resident startup chunk.
func (b *IndexedBundle) StartupCode() (*Source, error) {
	code, err := b.readCode(b.baseOffset, b.startupSize)
	if err != nil {
		return nil, fmt.Errorf("read startup code: %w", err)
	}
	return NewSource(code), nil
}

// Module reads the module with the given id.
func (b *IndexedBundle) Module(id uint32) (Module, error) {
	if int(id) >= len(b.table) || b.table[id].length == 0 {
		return Module{}, fmt.Errorf("%w: %d", ErrModuleNotFound, id)
	}

	e := b.table[id]
	code, err := b.readCode(b.baseOffset+int64(e.offset), e.length)
	if err != nil {
		return Module{}, fmt.Errorf("read module %d: %w", id, err)
	}
	return Module{Name: strconv.FormatUint(uint64(id), 10) + ".js", Code: string(code)}, nil
}

// readCode reads a NUL-terminated chunk of size bytes and strips the
// terminator.
func (b *IndexedBundle) readCode(offset int64, size uint32) ([]byte, error) {
	if offset+int64(size) > b.size {
		return nil, fmt.Errorf("%w: chunk at %d of %d bytes ends past %d",
			ErrMalformedBundle, offset, size, b.size)
	}
	buf := make([]byte, size)
	if _, err := b.file.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{0}), nil
}

// Close releases the underlying file.
func (b *IndexedBundle) Close() error {
	if b.file == nil {
		return nil
	}
	return b.file.Close()
}

// WriteIndexed encodes an indexed RAM bundle with the given startup code and
// modules. Ids missing from modules get empty table entries.
func WriteIndexed(w io.Writer, startup []byte, modules map[uint32][]byte) error {
	var numEntries uint32
	for id := range modules {
		if id+1 > numEntries {
			numEntries = id + 1
		}
	}

	startupChunk := append(append([]byte{}, startup...), 0)
	h := Header{
		Magic:    RAMBundleMagic,
		Reserved: numEntries,
		Version:  uint32(len(startupChunk)),
	}

	ids := make([]uint32, 0, len(modules))
	for id := range modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	table := make([]byte, int(numEntries)*tableEntrySize)
	var body bytes.Buffer
	body.Write(startupChunk)
	for _, id := range ids {
		off := int(id) * tableEntrySize
		binary.LittleEndian.PutUint32(table[off:off+4], uint32(body.Len()))
		binary.LittleEndian.PutUint32(table[off+4:off+8], uint32(len(modules[id])+1))
		body.Write(modules[id])
		body.WriteByte(0)
	}

	for _, chunk := range [][]byte{h.Bytes(), table, body.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("write bundle: %w", err)
		}
	}
	return nil
}
