// Package vfs provides the file primitives the storage engine is built on:
// positioned page reads, gathered appends, durability syncs and advisory
// locking over a single *os.File.
//
// The engine is append-only: pages are never rewritten in place, so the only
// write paths are AppendVec (batched page writeback) and Append (single
// page). Both write at the current end of file.
//
// This package is Unix-only, matching the flock/writev process model of the
// on-disk format.
package vfs

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File wraps an *os.File with the access patterns the engine needs.
type File struct {
	f      *os.File
	locked bool
}

// Open opens or creates the named database file. When readOnly is set the
// file is opened O_RDONLY and is not created if missing.
func Open(path string, readOnly bool, mode os.FileMode) (*File, error) {
	oflags := os.O_RDWR | os.O_CREATE
	if readOnly {
		oflags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, oflags, mode)
	if err != nil {
		return nil, err
	}

	return &File{f: f}, nil
}

// CreateTemp creates a uniquely named file in dir with the given name
// pattern, open for read/write. Used by compaction to build the replacement
// database beside the original.
func CreateTemp(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}

	return &File{f: f}, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.f.Name()
}

// ReadAt fills p from the given offset. It has io.ReaderAt semantics: a
// short read returns the byte count alongside the error.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

// AppendVec writes the buffers at the end of the file with a single
// gathered write. Returns the number of bytes written.
func (f *File) AppendVec(bufs [][]byte) (int, error) {
	if _, err := f.f.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}

	return unix.Writev(int(f.f.Fd()), bufs)
}

// Append writes p at the end of the file.
func (f *File) Append(p []byte) (int, error) {
	if _, err := f.f.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}

	return f.f.Write(p)
}

// Size returns the current length of the file in bytes.
func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// BlockSize returns the file system's preferred I/O block size for the
// file, or 0 if it cannot be determined.
func (f *File) BlockSize() int64 {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.f.Fd()), &st); err != nil {
		return 0
	}

	return int64(st.Blksize)
}

// Truncate changes the file length.
func (f *File) Truncate(size int64) error {
	return f.f.Truncate(size)
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	return f.f.Sync()
}

// TryLockExclusive attempts a non-blocking exclusive advisory lock on the
// file. Returns unix.EWOULDBLOCK if another handle holds the lock.
func (f *File) TryLockExclusive() error {
	if err := unix.Flock(int(f.f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return err
	}
	f.locked = true

	return nil
}

// Unlock releases a lock taken with TryLockExclusive.
func (f *File) Unlock() {
	if f.locked {
		_ = unix.Flock(int(f.f.Fd()), unix.LOCK_UN)
		f.locked = false
	}
}

// Close releases any held lock and closes the file.
func (f *File) Close() error {
	f.Unlock()

	return f.f.Close()
}
