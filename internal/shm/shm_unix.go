//go:build unix

package shm

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Create makes a new segment of size bytes and maps it read-write.
// The content is not guaranteed to be zeroed; the caller initialises it.
func Create(name string, size int) (*Segment, error) {
	logger := log.With().Str("component", "shm").Str("segment", name).Int("size", size).Logger()
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	path := Path(name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			err = fmt.Errorf("%w: %s", ErrSegmentExists, path)
		} else {
			err = fmt.Errorf("shm: create %s: %w", path, err)
		}
		logger.Error().Err(err).Str("path", path).Msg("Failed to create segment")
		return nil, err
	}

	cleanup := func() {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		cleanup()
		logger.Error().Err(err).Str("path", path).Msg("Failed to size segment")
		return nil, fmt.Errorf("shm: resize %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		logger.Error().Err(err).Str("path", path).Msg("Failed to map segment")
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	logger.Debug().Str("path", path).Msg("Created segment")
	return &Segment{name: name, path: path, fd: fd, mem: mem, owner: true}, nil
}

// Open maps an existing segment created by another process. It fails instead
// of mapping anything when the name does not exist yet or is too small.
func Open(name string, size int) (*Segment, error) {
	logger := log.With().Str("component", "shm").Str("segment", name).Int("size", size).Logger()
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	path := Path(name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			err = fmt.Errorf("%w: %s", ErrSegmentNotFound, path)
		} else {
			err = fmt.Errorf("shm: open %s: %w", path, err)
		}
		logger.Error().Err(err).Str("path", path).Msg("Failed to open segment")
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		logger.Error().Err(err).Str("path", path).Msg("Failed to stat segment")
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size < int64(size) {
		_ = unix.Close(fd)
		err := fmt.Errorf("%w: %s is %d bytes, want %d", ErrSegmentSize, path, st.Size, size)
		logger.Error().Err(err).Msg("Failed to open segment")
		return nil, err
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		logger.Error().Err(err).Str("path", path).Msg("Failed to map segment")
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	logger.Debug().Str("path", path).Msg("Opened segment")
	return &Segment{name: name, path: path, fd: fd, mem: mem}, nil
}

// Close unmaps the segment and closes its descriptor. The creator also unlinks
// the name; peers that still hold a mapping keep it until they close.
func (s *Segment) Close() error {
	if s.closed {
		return ErrSegmentClosed
	}
	s.closed = true

	var errs []error
	if err := unix.Munmap(s.mem); err != nil {
		errs = append(errs, fmt.Errorf("shm: munmap %s: %w", s.path, err))
	}
	s.mem = nil
	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("shm: close %s: %w", s.path, err))
	}
	if s.owner {
		if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("shm: unlink %s: %w", s.path, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Str("component", "shm").Str("segment", s.name).Msg("Segment close reported errors")
	}
	return err
}

// Remove unlinks a segment left behind by a previous run. A missing name is
// not an error.
func Remove(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := unix.Unlink(Path(name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("shm: remove %s: %w", Path(name), err)
	}
	return nil
}
