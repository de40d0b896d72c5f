// Package workspace addresses the per-rank mailbox slots laid out back to back
// inside the shared segment. It has no protocol knowledge; the coordinator
// enforces that only the owning rank ever writes a slot.
package workspace

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// State is the handshake tag stored at the head of every slot.
type State uint32

const (
	Idle   State = 0
	Copied State = 1
	Final  State = 2
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Copied:
		return "copied"
	case Final:
		return "final"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

const (
	// BufferCapacity is the mailbox size in bytes.
	BufferCapacity = 32768

	// ElementCapacity is how many bf16 values fit in one mailbox.
	ElementCapacity = BufferCapacity / 2

	// HeaderSize keeps the state flag alone on its cache line.
	HeaderSize = 64

	// SlotSize is the stride between consecutive slots.
	SlotSize = HeaderSize + BufferCapacity
)

var (
	ErrRegionTooSmall = errors.New("workspace: region too small")
	ErrInvalidRanks   = errors.New("workspace: rank count must be positive")
)

// Slot is the fixed layout of one mailbox.
type Slot struct {
	state  uint32
	_      [HeaderSize - 4]byte
	buffer [BufferCapacity]byte
}

// State returns the current tag with an atomic load.
func (s *Slot) State() State {
	return State(atomic.LoadUint32(&s.state))
}

// SetState publishes a new tag. The store is ordered after every preceding
// write to the buffer.
func (s *Slot) SetState(st State) {
	atomic.StoreUint32(&s.state, uint32(st))
}

// Buffer returns the mailbox bytes.
func (s *Slot) Buffer() []byte {
	return s.buffer[:]
}

// Elements views the mailbox as bf16 bit patterns in host byte order.
func (s *Slot) Elements() []uint16 {
	return unsafe.Slice((*uint16)(unsafe.Pointer(&s.buffer[0])), ElementCapacity)
}

// Workspace is the rank-indexed view over one mapped region.
type Workspace struct {
	base  unsafe.Pointer
	ranks int
}

// Size returns the number of bytes a workspace for ranks slots occupies.
func Size(ranks int) int {
	return ranks * SlotSize
}

// New overlays a workspace on mem. mem must stay mapped for the lifetime of the
// workspace and be at least Size(ranks) bytes long.
func New(mem []byte, ranks int) (*Workspace, error) {
	if ranks < 1 {
		return nil, ErrInvalidRanks
	}
	if len(mem) < Size(ranks) {
		return nil, fmt.Errorf("%w: have %d bytes, need %d for %d ranks",
			ErrRegionTooSmall, len(mem), Size(ranks), ranks)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("workspace: region is not 8-byte aligned")
	}
	return &Workspace{base: unsafe.Pointer(&mem[0]), ranks: ranks}, nil
}

// Ranks returns the number of slots.
func (w *Workspace) Ranks() int {
	return w.ranks
}

// Slot returns the mailbox owned by rank.
func (w *Workspace) Slot(rank int) *Slot {
	if rank < 0 || rank >= w.ranks {
		panic(fmt.Sprintf("workspace: rank %d out of range [0,%d)", rank, w.ranks))
	}
	return (*Slot)(unsafe.Add(w.base, rank*SlotSize))
}

// Reset stores Idle into every slot. Only the creator calls this, before any
// peer has opened the segment.
func (w *Workspace) Reset() {
	for r := 0; r < w.ranks; r++ {
		w.Slot(r).SetState(Idle)
	}
}

// AllIdle reports whether every slot is back at Idle.
func (w *Workspace) AllIdle() bool {
	for r := 0; r < w.ranks; r++ {
		if w.Slot(r).State() != Idle {
			return false
		}
	}
	return true
}
