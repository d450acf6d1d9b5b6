package bundle

import (
	"errors"
	"fmt"
	"os"
)

// ErrSourceMoved is returned when reading a Source whose contents were
// transferred to another handle.
var ErrSourceMoved = errors.New("bundle source moved")

// Source is an owned, immutable block of script text or bytecode. A Source
// has a single holder at a time; Move hands the buffer to a new handle and
// leaves the receiver empty.
type Source struct {
	data  []byte
	moved bool
}

// NewSource takes ownership of data. The caller must not modify data
// afterwards.
func NewSource(data []byte) *Source {
	return &Source{data: data}
}

// NewStringSource wraps script text.
func NewStringSource(s string) *Source {
	return &Source{data: []byte(s)}
}

// ReadSource reads the whole file at path into a new Source.
func ReadSource(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return NewSource(data), nil
}

// Move transfers ownership to a new handle. The receiver reports Moved and
// reads as empty afterwards. Moving a nil Source returns nil.
func (s *Source) Move() *Source {
	if s == nil {
		return nil
	}
	next := &Source{data: s.data, moved: s.moved}
	s.data = nil
	s.moved = true
	return next
}

// Moved reports whether the contents were transferred away.
func (s *Source) Moved() bool {
	return s != nil && s.moved && s.data == nil
}

// Len returns the size in bytes.
func (s *Source) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

// Bytes returns the underlying buffer, which must be treated as read-only.
func (s *Source) Bytes() ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	if s.Moved() {
		return nil, ErrSourceMoved
	}
	return s.data, nil
}

// String returns the contents as text, or "" once moved.
func (s *Source) String() string {
	if s == nil {
		return ""
	}
	return string(s.data)
}
