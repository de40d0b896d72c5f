// Package coordinator runs the low-latency bf16 all-reduce over a shared
// memory workspace. Every rank copies its input into its own mailbox slot;
// rank 0 waits for all slots, sums them into slot 0 and publishes the result;
// peers copy it out and acknowledge. All waiting is busy polling of the slot
// state flags.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shmreduce/internal/comm"
	"github.com/23skdu/longbow-shmreduce/internal/config"
	"github.com/23skdu/longbow-shmreduce/internal/dtype"
	"github.com/23skdu/longbow-shmreduce/internal/metrics"
	"github.com/23skdu/longbow-shmreduce/internal/shm"
	"github.com/23skdu/longbow-shmreduce/internal/simd"
	"github.com/23skdu/longbow-shmreduce/internal/workspace"
)

// ChunkElements is the largest number of elements one transaction moves.
const ChunkElements = workspace.ElementCapacity

// ErrSetup is returned when any rank fails to create or map the segment.
var ErrSetup = errors.New("coordinator: shared memory setup failed")

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	segment      string
	replaceStale bool
	observer     metrics.Observer
}

// WithSegmentName overrides the shared-memory name.
func WithSegmentName(name string) Option {
	return func(o *options) { o.segment = name }
}

// WithReplaceStale lets rank 0 remove a leftover segment of the same name
// before creating its own.
func WithReplaceStale(replace bool) Option {
	return func(o *options) { o.replaceStale = replace }
}

// WithObserver receives the latency of every AllReduce call.
func WithObserver(obs metrics.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Coordinator is one rank's handle on the shared workspace.
type Coordinator struct {
	rank  int
	size  int
	comm  comm.Communicator
	seg   *shm.Segment
	ws    *workspace.Workspace
	obs   metrics.Observer
	peers [][]uint16 // full mailboxes of ranks 1..size-1
	srcs  [][]uint16 // peers trimmed to the current chunk
}

// New maps the shared workspace for c's group. Rank 0 creates and initialises
// the segment; the other ranks open it once rank 0 has reported success. New
// returns only after every rank holds a mapping, and fails on every rank if
// any rank failed.
func New(ctx context.Context, c comm.Communicator, opts ...Option) (*Coordinator, error) {
	o := options{segment: config.DefaultSegmentName, observer: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	rank, size := c.Rank(), c.Size()
	logger := log.With().Str("component", "coordinator").Int("rank", rank).Int("size", size).Str("segment", o.segment).Logger()
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrSetup, rank, size)
	}

	co := &Coordinator{rank: rank, size: size, comm: c, obs: o.observer}
	bytes := workspace.Size(size)

	var setupErr error
	if rank == 0 {
		if o.replaceStale {
			if err := shm.Remove(o.segment); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove stale segment")
			}
		}
		setupErr = co.attach(shm.Create, o.segment, bytes)
		if setupErr == nil {
			co.ws.Reset()
		}
	}

	// Doubles as the barrier between create and open.
	status := []byte{statusByte(setupErr)}
	if err := c.Broadcast(ctx, status, 0); err != nil {
		co.release(logger)
		return nil, fmt.Errorf("%w: create barrier: %w", ErrSetup, err)
	}
	if rank != 0 && status[0] == 1 {
		setupErr = co.attach(shm.Open, o.segment, bytes)
	}
	if rank != 0 && status[0] == 0 {
		setupErr = errors.New("rank 0 could not create the segment")
	}

	// No rank enters the protocol until every rank has mapped the segment.
	status[0] = statusByte(setupErr)
	if err := c.AllReduce(ctx, status, dtype.Uint8, dtype.Min); err != nil {
		co.release(logger)
		return nil, fmt.Errorf("%w: open barrier: %w", ErrSetup, err)
	}
	if status[0] == 0 {
		co.release(logger)
		if setupErr == nil {
			setupErr = errors.New("a peer could not open the segment")
		}
		logger.Error().Err(setupErr).Msg("Shared memory setup failed")
		return nil, fmt.Errorf("%w: %w", ErrSetup, setupErr)
	}

	co.peers = make([][]uint16, 0, size-1)
	for r := 1; r < size; r++ {
		co.peers = append(co.peers, co.ws.Slot(r).Elements())
	}
	co.srcs = make([][]uint16, len(co.peers))
	logger.Info().Str("path", co.seg.Path()).Int("bytes", bytes).Msg("Shared memory workspace ready")
	return co, nil
}

func (co *Coordinator) attach(mapFn func(string, int) (*shm.Segment, error), name string, size int) error {
	seg, err := mapFn(name, size)
	if err != nil {
		return err
	}
	ws, err := workspace.New(seg.Bytes(), co.size)
	if err != nil {
		_ = seg.Close()
		return err
	}
	co.seg, co.ws = seg, ws
	return nil
}

func (co *Coordinator) release(logger zerolog.Logger) {
	if co.seg == nil {
		return
	}
	if err := co.seg.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to release segment")
	}
	co.seg, co.ws = nil, nil
}

func statusByte(err error) byte {
	if err != nil {
		return 0
	}
	return 1
}

// Rank returns this process's rank.
func (co *Coordinator) Rank() int { return co.rank }

// Size returns the number of ranks.
func (co *Coordinator) Size() int { return co.size }

// AllReduce replaces data on every rank with the element-wise bf16 sum of
// every rank's data. All ranks must call it with the same length. Inputs
// larger than one mailbox are moved in ChunkElements pieces.
//
// There is no timeout: if a peer never calls AllReduce, this never returns.
func (co *Coordinator) AllReduce(data []uint16) {
	start := time.Now()
	for off := 0; off < len(data); off += ChunkElements {
		end := min(off+ChunkElements, len(data))
		co.transact(data[off:end])
	}
	co.obs.Observe(len(data), time.Since(start))
}

func (co *Coordinator) transact(chunk []uint16) {
	own := co.ws.Slot(co.rank)
	if co.rank != 0 {
		root := co.ws.Slot(0)
		copy(own.Elements(), chunk)
		own.SetState(workspace.Copied)
		waitFor(root, workspace.Final)
		copy(chunk, root.Elements())
		own.SetState(workspace.Final)
		waitFor(root, workspace.Idle)
		own.SetState(workspace.Idle)
		return
	}

	n := len(chunk)
	dst := own.Elements()[:n]
	copy(dst, chunk)
	own.SetState(workspace.Copied)
	for r := 1; r < co.size; r++ {
		waitFor(co.ws.Slot(r), workspace.Copied)
	}
	for i, p := range co.peers {
		co.srcs[i] = p[:n]
	}
	simd.Reduce(dst, co.srcs...)
	own.SetState(workspace.Final)
	copy(chunk, dst)
	for r := 1; r < co.size; r++ {
		waitFor(co.ws.Slot(r), workspace.Final)
	}
	own.SetState(workspace.Idle)
	// A fast peer may already be Copied for the next call, so wait for it to
	// leave Final rather than to be exactly Idle.
	for r := 1; r < co.size; r++ {
		waitWhile(co.ws.Slot(r), workspace.Final)
	}
}

func waitFor(s *workspace.Slot, want workspace.State) {
	for s.State() != want {
	}
}

func waitWhile(s *workspace.Slot, st workspace.State) {
	for s.State() == st {
	}
}

// Close waits for every rank to finish, then releases the mapping. Rank 0
// also removes the segment name.
func (co *Coordinator) Close(ctx context.Context) error {
	if co.seg == nil {
		return shm.ErrSegmentClosed
	}
	berr := co.comm.Barrier(ctx)
	cerr := co.seg.Close()
	co.seg, co.ws, co.peers, co.srcs = nil, nil, nil, nil
	return errors.Join(berr, cerr)
}
