// Package sparsebuffer implements component E of the spec: the virtual
// stream buffer backed by a memory-mapped sparse file. Segments land at
// their precomputed virtual offset as they arrive, regardless of
// download order; unwritten regions stay holes, detectable with
// SEEK_DATA/SEEK_HOLE the way scanDataExtents does in the reference
// userfaultfd snapshot loader this package is grounded on.
package sparsebuffer

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size sparse file, mmap'd for reads and written to
// via pwrite at arbitrary offsets. One Buffer backs one streaming
// session's virtual byte range (spec §4.E: "as if the file pre-existed
// at its final size, with holes where no segment has landed yet").
type Buffer struct {
	mu   sync.RWMutex
	f    *os.File
	data []byte
	size int64
}

// New creates a sparse file of exactly size bytes at path and mmaps it
// read-only for callers that only read; WriteAt uses pwrite directly so
// a single process can write and read concurrently without remapping.
func New(path string, size int64) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sparsebuffer: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sparsebuffer: truncate: %w", err)
	}

	var data []byte
	if size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("sparsebuffer: mmap: %w", err)
		}
	}

	return &Buffer{f: f, data: data, size: size}, nil
}

// Size returns the buffer's total virtual length.
func (b *Buffer) Size() int64 { return b.size }

// WriteAt lands a segment's decoded bytes at a virtual offset. Safe for
// concurrent use by multiple download workers writing disjoint ranges.
func (b *Buffer) WriteAt(offset int64, p []byte) error {
	if offset < 0 || offset+int64(len(p)) > b.size {
		return fmt.Errorf("sparsebuffer: write [%d,%d) out of bounds (size %d)", offset, offset+int64(len(p)), b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.f.WriteAt(p, offset); err != nil {
		return fmt.Errorf("sparsebuffer: pwrite at %d: %w", offset, err)
	}
	return nil
}

// ReadAt returns a copy of the bytes in [offset, offset+length), which
// must already have been written (callers consult AvailableFrom first).
func (b *Buffer) ReadAt(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > b.size {
		return nil, fmt.Errorf("sparsebuffer: read [%d,%d) out of bounds (size %d)", offset, offset+length, b.size)
	}
	out := make([]byte, length)
	b.mu.RLock()
	defer b.mu.RUnlock()
	copy(out, b.data[offset:offset+length])
	return out, nil
}

// AvailableFrom returns how many contiguous bytes starting at offset
// have actually been written, by walking SEEK_DATA/SEEK_HOLE. A result
// of 0 means offset itself falls in a hole.
func (b *Buffer) AvailableFrom(offset int64) (int64, error) {
	if offset < 0 || offset >= b.size {
		return 0, nil
	}

	fd := int(b.f.Fd())
	b.mu.RLock()
	defer b.mu.RUnlock()

	dataStart, err := unix.Seek(fd, offset, unix.SEEK_DATA)
	if err != nil {
		if err == unix.ENXIO {
			return 0, nil
		}
		return 0, fmt.Errorf("sparsebuffer: SEEK_DATA at %d: %w", offset, err)
	}
	if dataStart > offset {
		// offset itself is inside a hole; the next data run starts later.
		return 0, nil
	}

	holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
	if err != nil {
		holeStart = b.size
	}
	if holeStart > b.size {
		holeStart = b.size
	}
	return holeStart - offset, nil
}

// Close unmaps and closes the backing file. It does not remove the file
// from disk; callers that own a temporary path are responsible for that.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.data != nil {
		err = unix.Munmap(b.data)
		b.data = nil
	}
	if cerr := b.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Path returns the backing file's path for diagnostics.
func (b *Buffer) Path() string { return b.f.Name() }
