// Package comm is the general-purpose collective layer the low-latency path
// relies on for bootstrap and for everything it does not handle itself:
// barriers, broadcasts and all-reduces of any element type.
//
// Collectives are matched by call order. Every rank must issue the same
// sequence of collectives; the n-th call on one rank pairs with the n-th call
// on every other rank.
package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-shmreduce/internal/dtype"
)

// Communicator is one rank's handle on the process group.
type Communicator interface {
	// Rank returns this process's zero-based index.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Barrier returns once every rank has entered the barrier.
	Barrier(ctx context.Context) error
	// Broadcast overwrites buf on every rank with root's buf.
	Broadcast(ctx context.Context, buf []byte, root int) error
	// AllReduce combines buf across ranks element-wise and writes the result
	// back into buf on every rank.
	AllReduce(ctx context.Context, buf []byte, t dtype.Type, op dtype.Op) error
	// Close releases the handle.
	Close() error
}

var (
	ErrMismatch  = errors.New("comm: ranks issued mismatched collectives")
	ErrRank      = errors.New("comm: rank out of range")
	ErrDuplicate = errors.New("comm: rank contributed twice to one collective")
	ErrLength    = errors.New("comm: buffer length is not a multiple of the element size")
	ErrClosed    = errors.New("comm: communicator closed")
)

type kind uint8

const (
	kindBarrier kind = iota + 1
	kindBroadcast
	kindAllReduce
)

func (k kind) String() string {
	switch k {
	case kindBarrier:
		return "barrier"
	case kindBroadcast:
		return "broadcast"
	case kindAllReduce:
		return "allreduce"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// contribution is what one rank brings to one collective.
type contribution struct {
	Kind    kind       `cbor:"1,keyasint"`
	Root    int        `cbor:"2,keyasint,omitempty"`
	Type    dtype.Type `cbor:"3,keyasint,omitempty"`
	Op      dtype.Op   `cbor:"4,keyasint,omitempty"`
	Length  int        `cbor:"5,keyasint,omitempty"`
	Payload []byte     `cbor:"6,keyasint,omitempty"`
}

func (c contribution) matches(o contribution) bool {
	return c.Kind == o.Kind && c.Root == o.Root && c.Type == o.Type && c.Op == o.Op && c.Length == o.Length
}

func allReduceContribution(buf []byte, t dtype.Type, op dtype.Op) (contribution, error) {
	applied, err := dtype.Normalize(t, op)
	if err != nil {
		return contribution{}, err
	}
	if len(buf)%t.Size() != 0 {
		return contribution{}, fmt.Errorf("%w: %d bytes of %v", ErrLength, len(buf), t)
	}
	return contribution{
		Kind:    kindAllReduce,
		Type:    t,
		Op:      applied,
		Length:  len(buf),
		Payload: append([]byte(nil), buf...),
	}, nil
}

func broadcastContribution(buf []byte, root, rank, size int) (contribution, error) {
	if root < 0 || root >= size {
		return contribution{}, fmt.Errorf("%w: root %d of %d", ErrRank, root, size)
	}
	c := contribution{Kind: kindBroadcast, Root: root, Length: len(buf)}
	if rank == root {
		c.Payload = append([]byte(nil), buf...)
	}
	return c, nil
}
