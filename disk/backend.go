package disk

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sarchlab/ahcisim/mem"
)

// A Backend stores the sectors of a drive.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Flush() error
	Size() uint64
}

// MemBackend keeps the drive content in a sparse in-memory Storage.
type MemBackend struct {
	storage *mem.Storage
}

// NewMemBackend creates a MemBackend of size bytes.
func NewMemBackend(size uint64) *MemBackend {
	return &MemBackend{storage: mem.NewStorage(size)}
}

// ReadAt implements io.ReaderAt.
func (b *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	if err := b.storage.ReadInto(uint64(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt implements io.WriterAt.
func (b *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	if err := b.storage.Write(uint64(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Flush does nothing.
func (b *MemBackend) Flush() error {
	return nil
}

// Size returns the capacity in bytes.
func (b *MemBackend) Size() uint64 {
	return b.storage.Capacity()
}

// FileBackend stores the drive content in a raw image file.
type FileBackend struct {
	f    *os.File
	fd   int
	size uint64
}

// OpenFileBackend opens an existing raw image.
func OpenFileBackend(path string, readOnly bool) (*FileBackend, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FileBackend{
		f:    f,
		fd:   int(f.Fd()),
		size: uint64(info.Size()),
	}, nil
}

// CreateFileBackend creates (or truncates) a raw image of size bytes.
func CreateFileBackend(path string, size uint64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}

	return &FileBackend{f: f, fd: int(f.Fd()), size: size}, nil
}

// ReadAt reads with pread(2). Bytes past the end of the image read as zero.
func (b *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := unix.Pread(b.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return done, fmt.Errorf("pread at %d: %w", off, err)
		}

		if n == 0 {
			clear(p[done:])
			break
		}

		done += n
	}

	return len(p), nil
}

// WriteAt writes with pwrite(2).
func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := unix.Pwrite(b.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return done, fmt.Errorf("pwrite at %d: %w", off, err)
		}

		done += n
	}

	return done, nil
}

// Flush makes written data durable with fdatasync(2).
func (b *FileBackend) Flush() error {
	return unix.Fdatasync(b.fd)
}

// Size returns the image size in bytes.
func (b *FileBackend) Size() uint64 {
	return b.size
}

// Close closes the image file.
func (b *FileBackend) Close() error {
	return b.f.Close()
}
