// Package mmapfile maps a whole file read-only into memory.
//
// The mapping is the only pointer-bearing owner of the file bytes; every
// derived structure (line index, device index, chunk plans) stores integer
// offsets into Bytes() instead of sub-slices, so nothing can outlive the
// region by accident. Callers must not use any offset-resolved slice after
// Release.
package mmapfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrEmptyFile is returned when the file exists but has zero size.
// An empty file cannot be mapped and carries no header line.
var ErrEmptyFile = errors.New("mmapfile: file is empty")

// Mapping is a private read-only mapping of an entire file.
type Mapping struct {
	data []byte
	size int64
	path string
}

// Map opens path read-only and maps the whole file.
func Map(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s (%d bytes): %w", path, size, err)
	}

	return &Mapping{data: data, size: size, path: path}, nil
}

// Bytes returns the mapped region. The slice is read-only and stable for
// the lifetime of the mapping.
func (m *Mapping) Bytes() []byte { return m.data }

// Size returns the mapped length in bytes.
func (m *Mapping) Size() int64 { return m.size }

// Path returns the path the mapping was created from.
func (m *Mapping) Path() string { return m.path }

// Release unmaps the region. It is safe to call more than once; only the
// first call does work. No borrowed slice may be used afterwards.
func (m *Mapping) Release() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	m.size = 0
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap %s: %w", m.path, err)
	}
	return nil
}
