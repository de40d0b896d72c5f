package comm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-shmreduce/internal/dtype"
)

var _ Communicator = (*Local)(nil)

// Local is a rank of an in-process group. Each rank is expected to be driven
// by its own goroutine.
type Local struct {
	rank   int
	hub    *hub
	seq    atomic.Uint64
	closed atomic.Bool
}

// NewLocalGroup returns size ranks sharing one rendezvous.
func NewLocalGroup(size int) []*Local {
	h := newHub(size)
	group := make([]*Local, size)
	for r := range group {
		group[r] = &Local{rank: r, hub: h}
	}
	return group
}

func (l *Local) Rank() int { return l.rank }

func (l *Local) Size() int { return l.hub.size }

func (l *Local) run(ctx context.Context, c *contribution) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.hub.collect(ctx, l.seq.Add(1), l.rank, c)
}

func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.run(ctx, &contribution{Kind: kindBarrier})
	return err
}

func (l *Local) Broadcast(ctx context.Context, buf []byte, root int) error {
	c, err := broadcastContribution(buf, root, l.rank, l.Size())
	if err != nil {
		return err
	}
	res, err := l.run(ctx, &c)
	if err != nil {
		return err
	}
	copy(buf, res)
	return nil
}

func (l *Local) AllReduce(ctx context.Context, buf []byte, t dtype.Type, op dtype.Op) error {
	c, err := allReduceContribution(buf, t, op)
	if err != nil {
		return fmt.Errorf("allreduce: %w", err)
	}
	res, err := l.run(ctx, &c)
	if err != nil {
		return err
	}
	copy(buf, res)
	return nil
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}
