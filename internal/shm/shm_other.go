//go:build !unix

package shm

// Create is not supported on this platform
func Create(name string, size int) (*Segment, error) {
	return nil, ErrUnsupported
}

// Open is not supported on this platform
func Open(name string, size int) (*Segment, error) {
	return nil, ErrUnsupported
}

// Close is not supported on this platform
func (s *Segment) Close() error {
	return ErrUnsupported
}

// Remove is not supported on this platform
func Remove(name string) error {
	return ErrUnsupported
}
