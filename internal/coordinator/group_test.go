//go:build unix

package coordinator

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/23skdu/longbow-shmreduce/internal/comm"
	"github.com/23skdu/longbow-shmreduce/internal/config"
	"github.com/23skdu/longbow-shmreduce/internal/dtype"
	"github.com/23skdu/longbow-shmreduce/internal/metrics"
	"github.com/23skdu/longbow-shmreduce/internal/simd"
)

func bf16Bytes(vals ...float32) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.NativeEndian.PutUint16(b[2*i:], simd.Narrow(v))
	}
	return b
}

func TestGroup_Routing(t *testing.T) {
	cfg := config.Default()
	cfg.SegmentName = segmentName(t)
	cfg.MaxLowLatencyBytes = 64

	stats := make([]*metrics.Stats, 2)
	eachRank(t, 2, func(ctx context.Context, c *comm.Local) error {
		s := metrics.NewStats(0, nil)
		stats[c.Rank()] = s
		g, err := NewGroup(ctx, c, cfg, WithObserver(s))
		if err != nil {
			return err
		}
		if !g.LowLatency() {
			t.Errorf("rank %d: low-latency path not set up", c.Rank())
		}

		// Fast path.
		small := bf16Bytes(1, 2, 3)
		if err := g.AllReduce(ctx, small, dtype.BFloat16, dtype.Sum); err != nil {
			return err
		}
		assert.Equal(t, bf16Bytes(2, 4, 6), small, "rank %d", c.Rank())

		// Unaligned view still takes the fast path.
		backing := make([]byte, 7)
		odd := backing[1:]
		copy(odd, bf16Bytes(1, 1, 1))
		if err := g.AllReduce(ctx, odd, dtype.BFloat16, dtype.Sum); err != nil {
			return err
		}
		assert.Equal(t, bf16Bytes(2, 2, 2), odd, "rank %d", c.Rank())

		// Over budget, wrong op and wrong type go through the communicator.
		large := bf16Bytes(make([]float32, 40)...)
		if err := g.AllReduce(ctx, large, dtype.BFloat16, dtype.Sum); err != nil {
			return err
		}
		mx := bf16Bytes(float32(c.Rank()), 5)
		if err := g.AllReduce(ctx, mx, dtype.BFloat16, dtype.Max); err != nil {
			return err
		}
		assert.Equal(t, bf16Bytes(1, 5), mx, "rank %d", c.Rank())

		f32 := make([]byte, 4)
		binary.NativeEndian.PutUint32(f32, math.Float32bits(1.5))
		if err := g.AllReduce(ctx, f32, dtype.Float32, dtype.Sum); err != nil {
			return err
		}
		assert.Equal(t, float32(3), math.Float32frombits(binary.NativeEndian.Uint32(f32)))

		data := []uint16{simd.Narrow(0.5)}
		if err := g.AllReduceBF16(ctx, data, dtype.Sum); err != nil {
			return err
		}
		assert.Equal(t, []uint16{simd.Narrow(1)}, data)

		return g.Close(ctx)
	})

	for r, s := range stats {
		assert.Equal(t, int64(3), s.Snapshot().Count, "rank %d", r)
	}
}

func TestGroup_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.LowLatency = false

	eachRank(t, 3, func(ctx context.Context, c *comm.Local) error {
		g, err := NewGroup(ctx, c, cfg)
		if err != nil {
			return err
		}
		assert.False(t, g.LowLatency())
		assert.Equal(t, 3, g.Size())

		buf := bf16Bytes(1, 2)
		if err := g.AllReduce(ctx, buf, dtype.BFloat16, dtype.Sum); err != nil {
			return err
		}
		assert.Equal(t, bf16Bytes(3, 6), buf, "rank %d", g.Rank())

		b := []byte{byte(g.Rank())}
		if err := g.Broadcast(ctx, b, 2); err != nil {
			return err
		}
		assert.Equal(t, []byte{2}, b)
		if err := g.Barrier(ctx); err != nil {
			return err
		}
		return g.Close(ctx)
	})
}
