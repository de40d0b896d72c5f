// Package shm manages the lifecycle of a named shared memory segment: one
// process creates it, peers open it by name, and every process closes its own
// mapping. The creator also removes the name so it cannot be opened again.
package shm

import (
	"errors"
	"os"
	"path/filepath"
)

const filePrefix = "shmreduce_"

var (
	ErrSegmentExists   = errors.New("shm: segment already exists")
	ErrSegmentNotFound = errors.New("shm: segment does not exist")
	ErrSegmentSize     = errors.New("shm: segment smaller than requested size")
	ErrSegmentClosed   = errors.New("shm: segment already closed")
	ErrInvalidSize     = errors.New("shm: size must be positive")
	ErrInvalidName     = errors.New("shm: invalid segment name")
	ErrUnsupported     = errors.New("shm: shared memory not supported on this platform")
)

// Segment is one process's mapping of a named region.
type Segment struct {
	name   string
	path   string
	fd     int
	mem    []byte
	owner  bool
	closed bool
}

// Name returns the name the segment was created or opened with.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.mem) }

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool { return s.owner }

// Bytes returns the mapped memory. It is invalid after Close.
func (s *Segment) Bytes() []byte { return s.mem }

// Path returns where a segment called name lives on this host.
func Path(name string) string {
	return filepath.Join(baseDir(), filePrefix+name)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// baseDir prefers /dev/shm (tmpfs on Linux) and falls back to the temp dir.
func baseDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
