package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-shmreduce/internal/dtype"
)

// Rendezvous is a gRPC service hosted by rank 0. Every rank, rank 0 included,
// sends its contributions to it and receives the combined result. Messages are
// CBOR encoded, so no generated protobuf code is involved.

const (
	serviceName      = "shmreduce.Rendezvous"
	collectiveMethod = "/" + serviceName + "/Collective"
	codecName        = "cbor"
	maxMessageSize   = 1 << 30
)

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

type collectiveRequest struct {
	Seq          uint64       `cbor:"1,keyasint"`
	Rank         int          `cbor:"2,keyasint"`
	Size         int          `cbor:"3,keyasint"`
	Contribution contribution `cbor:"4,keyasint"`
}

type collectiveResponse struct {
	Payload []byte `cbor:"1,keyasint,omitempty"`
}

type rendezvousService interface {
	Collective(ctx context.Context, req *collectiveRequest) (*collectiveResponse, error)
}

var rendezvousDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rendezvousService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Collective", Handler: collectiveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shmreduce/rendezvous",
}

func collectiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(collectiveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousService).Collective(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: collectiveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvousService).Collective(ctx, req.(*collectiveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server hosts the rendezvous for a group of size ranks.
type Server struct {
	hub  *hub
	grpc *grpc.Server
}

// NewServer creates a rendezvous server for size ranks.
func NewServer(size int, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}, opts...)
	s := &Server{hub: newHub(size), grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&rendezvousDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("component", "rendezvous").Str("addr", lis.Addr().String()).Int("size", s.hub.size).Msg("Serving rendezvous")
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight collectives to return and shuts the server down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) Collective(ctx context.Context, req *collectiveRequest) (*collectiveResponse, error) {
	if req.Size != s.hub.size {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d expects %d ranks, rendezvous has %d", req.Rank, req.Size, s.hub.size)
	}
	res, err := s.hub.collect(ctx, req.Seq, req.Rank, &req.Contribution)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		case errors.Is(err, ErrRank):
			return nil, status.Error(codes.OutOfRange, err.Error())
		default:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return &collectiveResponse{Payload: res}, nil
}

var _ Communicator = (*Remote)(nil)

// Remote is a rank connected to a rendezvous server.
type Remote struct {
	rank   int
	size   int
	conn   *grpc.ClientConn
	seq    atomic.Uint64
	server *Server
}

// Dial connects rank to the rendezvous at addr. Calls wait for the server to
// become reachable, so peers may start before rank 0 is listening.
func Dial(addr string, rank, size int, opts ...grpc.DialOption) (*Remote, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, rank, size)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.WaitForReady(true),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("comm: dial %s: %w", addr, err)
	}
	return &Remote{rank: rank, size: size, conn: conn}, nil
}

// Connect is the usual bootstrap: rank 0 listens on addr and serves the
// rendezvous, then every rank dials it.
func Connect(addr string, rank, size int) (*Remote, error) {
	var srv *Server
	if rank == 0 {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("comm: listen %s: %w", addr, err)
		}
		srv = NewServer(size)
		go func() {
			if err := srv.Serve(lis); err != nil {
				log.Error().Err(err).Str("component", "rendezvous").Msg("Rendezvous server stopped")
			}
		}()
		addr = dialable(lis.Addr())
	}
	r, err := Dial(addr, rank, size)
	if err != nil {
		if srv != nil {
			srv.Stop()
		}
		return nil, err
	}
	r.server = srv
	return r, nil
}

// dialable turns a wildcard listen address into a loopback one.
func dialable(a net.Addr) string {
	tcp, ok := a.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return a.String()
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
}

func (r *Remote) Rank() int { return r.rank }

func (r *Remote) Size() int { return r.size }

func (r *Remote) run(ctx context.Context, c contribution) ([]byte, error) {
	req := &collectiveRequest{Seq: r.seq.Add(1), Rank: r.rank, Size: r.size, Contribution: c}
	resp := new(collectiveResponse)
	if err := r.conn.Invoke(ctx, collectiveMethod, req, resp); err != nil {
		return nil, fmt.Errorf("comm: %v collective %d: %w", c.Kind, req.Seq, err)
	}
	return resp.Payload, nil
}

func (r *Remote) Barrier(ctx context.Context) error {
	_, err := r.run(ctx, contribution{Kind: kindBarrier})
	return err
}

func (r *Remote) Broadcast(ctx context.Context, buf []byte, root int) error {
	c, err := broadcastContribution(buf, root, r.rank, r.size)
	if err != nil {
		return err
	}
	res, err := r.run(ctx, c)
	if err != nil {
		return err
	}
	copy(buf, res)
	return nil
}

func (r *Remote) AllReduce(ctx context.Context, buf []byte, t dtype.Type, op dtype.Op) error {
	c, err := allReduceContribution(buf, t, op)
	if err != nil {
		return fmt.Errorf("allreduce: %w", err)
	}
	res, err := r.run(ctx, c)
	if err != nil {
		return err
	}
	copy(buf, res)
	return nil
}

// Close drops the connection. On rank 0 it also stops the rendezvous once
// in-flight collectives have been answered.
func (r *Remote) Close() error {
	err := r.conn.Close()
	if r.server != nil {
		r.server.Stop()
	}
	return err
}
