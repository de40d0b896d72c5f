package comm

import (
	"context"
	"fmt"
	"sync"
)

// round gathers the contributions for one collective.
type round struct {
	parts    []*contribution
	arrived  int
	departed int
	result   []byte
	err      error
	done     chan struct{}
}

// hub matches collectives across ranks by sequence number and computes each
// result exactly once. It backs both the in-process group and the gRPC
// rendezvous server.
type hub struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
}

func newHub(size int) *hub {
	return &hub{size: size, rounds: make(map[uint64]*round)}
}

// collect records rank's contribution to collective seq and blocks until
// every rank has contributed or ctx is done.
func (h *hub) collect(ctx context.Context, seq uint64, rank int, c *contribution) ([]byte, error) {
	if rank < 0 || rank >= h.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, rank, h.size)
	}

	h.mu.Lock()
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{parts: make([]*contribution, h.size), done: make(chan struct{})}
		h.rounds[seq] = r
	}
	if r.parts[rank] != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d, collective %d", ErrDuplicate, rank, seq)
	}
	r.parts[rank] = c
	r.arrived++
	if r.arrived == h.size {
		r.result, r.err = h.complete(r.parts)
		r.parts = nil
		close(r.done)
	}
	h.mu.Unlock()

	defer h.depart(seq, r)

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *hub) depart(seq uint64, r *round) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.departed++
	if r.departed == h.size {
		delete(h.rounds, seq)
	}
}

// pending returns the number of collectives some rank is still inside.
func (h *hub) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

func (h *hub) complete(parts []*contribution) ([]byte, error) {
	first := parts[0]
	for rank, p := range parts[1:] {
		if !first.matches(*p) {
			return nil, fmt.Errorf("%w: rank 0 issued %v, rank %d issued %v", ErrMismatch, first.Kind, rank+1, p.Kind)
		}
	}

	switch first.Kind {
	case kindBarrier:
		return nil, nil
	case kindBroadcast:
		return parts[first.Root].Payload, nil
	case kindAllReduce:
		acc := append([]byte(nil), first.Payload...)
		for _, p := range parts[1:] {
			if err := ReduceBytes(acc, p.Payload, first.Type, first.Op); err != nil {
				return nil, err
			}
		}
		return acc, nil
	default:
		return nil, fmt.Errorf("%w: unknown collective %v", ErrMismatch, first.Kind)
	}
}
