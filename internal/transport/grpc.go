package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "xferd.v1.FileTransfer"
	streamName     = "Transfer"
	transferMethod = "/" + serviceName + "/" + streamName
)

var transferStreamDesc = grpc.StreamDesc{
	StreamName:    streamName,
	ServerStreams: true,
	ClientStreams: true,
}

// frameCodec carries already-encoded protocol frames as gRPC messages untouched.
type frameCodec struct{}

func (frameCodec) Name() string { return "xferd-frame" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case []byte:
		return f, nil
	case *[]byte:
		return *f, nil
	default:
		return nil, fmt.Errorf("frame codec cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("frame codec cannot unmarshal into %T", v)
	}
	*f = append([]byte(nil), data...)
	return nil
}

// GRPCTransport multiplexes transfer streams over a single HTTP/2 connection.
type GRPCTransport struct {
	conn      *grpc.ClientConn
	closeOnce sync.Once
	closeErr  error
}

// DialGRPC prepares a client connection to endpoint. The connection is
// established lazily on the first stream. Transport security is expected to be
// supplied through opts when needed.
func DialGRPC(endpoint string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", endpoint, err)
	}
	return &GRPCTransport{conn: conn}, nil
}

func (t *GRPCTransport) OpenStream(ctx context.Context) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := t.conn.NewStream(ctx, &transferStreamDesc, transferMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open transfer stream: %w", err)
	}
	return &grpcClientStream{cs: cs, cancel: cancel}, nil
}

func (t *GRPCTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

type grpcClientStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcClientStream) Send(frame []byte) error {
	return s.cs.SendMsg(frame)
}

func (s *grpcClientStream) Recv() ([]byte, error) {
	var frame []byte
	if err := s.cs.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close resets the stream; frames still queued are dropped.
func (s *grpcClientStream) Close() error {
	s.cancel()
	return nil
}

// transferService is the handler type checked by grpc.Server.RegisterService.
type transferService interface {
	serveTransfer(srv any, ss grpc.ServerStream) error
}

// GRPCServer exposes a Handler as the FileTransfer/Transfer bidi stream.
type GRPCServer struct {
	server  *grpc.Server
	handler Handler
}

func NewGRPCServer(handler Handler, opts ...grpc.ServerOption) *GRPCServer {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(frameCodec{})}, opts...)
	s := &GRPCServer{server: grpc.NewServer(opts...), handler: handler}
	desc := transferStreamDesc
	desc.Handler = s.serveTransfer
	s.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*transferService)(nil),
		Streams:     []grpc.StreamDesc{desc},
		Metadata:    "xferd/v1/transfer",
	}, s)
	return s
}

func (s *GRPCServer) serveTransfer(_ any, ss grpc.ServerStream) error {
	return s.handler(ss.Context(), &grpcServerStream{ss: ss})
}

// Serve blocks accepting connections on lis.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// GracefulStop waits for running transfers to finish.
func (s *GRPCServer) GracefulStop() {
	s.server.GracefulStop()
}

func (s *GRPCServer) Stop() {
	s.server.Stop()
}

type grpcServerStream struct {
	ss     grpc.ServerStream
	mu     sync.Mutex
	closed bool
}

func (s *grpcServerStream) Send(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	return s.ss.SendMsg(frame)
}

func (s *grpcServerStream) Recv() ([]byte, error) {
	var frame []byte
	if err := s.ss.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close stops further sends. The stream itself ends when the handler returns.
func (s *grpcServerStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
