package coordinator

import (
	"context"
	"errors"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shmreduce/internal/comm"
	"github.com/23skdu/longbow-shmreduce/internal/config"
	"github.com/23skdu/longbow-shmreduce/internal/dtype"
)

// Group is the collective surface a worker programs against. bf16 sums small
// enough for the shared-memory path take it; everything else goes through
// the communicator.
type Group struct {
	comm     comm.Communicator
	fast     *Coordinator
	maxBytes int
}

// NewGroup wraps c. When cfg.LowLatency is set it also sets up the
// shared-memory coordinator, which is a collective call on every rank.
func NewGroup(ctx context.Context, c comm.Communicator, cfg config.Config, opts ...Option) (*Group, error) {
	g := &Group{comm: c, maxBytes: cfg.MaxLowLatencyBytes}
	if !cfg.LowLatency {
		return g, nil
	}
	opts = append([]Option{
		WithSegmentName(cfg.SegmentName),
		WithReplaceStale(cfg.ReplaceStale),
	}, opts...)
	fast, err := New(ctx, c, opts...)
	if err != nil {
		return nil, err
	}
	g.fast = fast
	return g, nil
}

// Rank returns this process's rank in the group.
func (g *Group) Rank() int { return g.comm.Rank() }

// Size returns the number of ranks.
func (g *Group) Size() int { return g.comm.Size() }

// LowLatency reports whether the shared-memory path is set up.
func (g *Group) LowLatency() bool { return g.fast != nil }

// Barrier blocks until every rank has called it.
func (g *Group) Barrier(ctx context.Context) error { return g.comm.Barrier(ctx) }

// Broadcast copies root's buf into buf on every other rank.
func (g *Group) Broadcast(ctx context.Context, buf []byte, root int) error {
	return g.comm.Broadcast(ctx, buf, root)
}

// AllReduce combines buf across ranks in place. Every rank must pass the same
// type, op and length so that all of them pick the same path.
func (g *Group) AllReduce(ctx context.Context, buf []byte, t dtype.Type, op dtype.Op) error {
	if !g.useFast(buf, t, op) {
		return g.comm.AllReduce(ctx, buf, t, op)
	}
	if uintptr(unsafe.Pointer(&buf[0]))%2 == 0 {
		g.fast.AllReduce(unsafe.Slice((*uint16)(unsafe.Pointer(&buf[0])), len(buf)/2))
		return nil
	}
	// Odd address: go through an aligned copy so this rank still takes the
	// same path as its peers.
	tmp := make([]uint16, len(buf)/2)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&tmp[0])), len(buf))
	copy(raw, buf)
	g.fast.AllReduce(tmp)
	copy(buf, raw)
	return nil
}

// AllReduceBF16 is AllReduce for a bf16 slice.
func (g *Group) AllReduceBF16(ctx context.Context, data []uint16, op dtype.Op) error {
	if len(data) == 0 {
		return nil
	}
	return g.AllReduce(ctx, unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), 2*len(data)), dtype.BFloat16, op)
}

func (g *Group) useFast(buf []byte, t dtype.Type, op dtype.Op) bool {
	return g.fast != nil &&
		t == dtype.BFloat16 && op == dtype.Sum &&
		len(buf) > 0 && len(buf)%2 == 0 && len(buf) <= g.maxBytes
}

// Close tears down the shared-memory path, if any, then the communicator.
func (g *Group) Close(ctx context.Context) error {
	var errs []error
	if g.fast != nil {
		if err := g.fast.Close(ctx); err != nil {
			log.Warn().Err(err).Str("component", "group").Int("rank", g.Rank()).Msg("Failed to close low-latency path")
			errs = append(errs, err)
		}
	}
	if err := g.comm.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
