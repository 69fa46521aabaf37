// Package server exposes registered bus operations over the IntegrationPoint
// gRPC service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	pb "yqhp/taskbus/api/grpc/proto"
	"yqhp/taskbus/pkg/codec"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// Config holds the configuration for the gRPC server.
type Config struct {
	// Address is the address to listen on.
	Address string `yaml:"address" env:"ADDRESS"`

	// MaxRecvMsgSize is the maximum message size in bytes the server can receive.
	MaxRecvMsgSize int `yaml:"max_recv_msg_size" env:"MAX_RECV_MSG_SIZE"`

	// MaxSendMsgSize is the maximum message size in bytes the server can send.
	MaxSendMsgSize int `yaml:"max_send_msg_size" env:"MAX_SEND_MSG_SIZE"`

	// KeepaliveInterval is the interval between server keepalive pings.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`

	// ConnectionTimeout is how long a keepalive ping may go unanswered.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":7400",
		MaxRecvMsgSize:    16 * 1024 * 1024, // 16MB
		MaxSendMsgSize:    16 * 1024 * 1024, // 16MB
		KeepaliveInterval: 5 * time.Second,
		ConnectionTimeout: 30 * time.Second,
	}
}

// Handler serves one remote method. The returned value is encoded as the
// response result; a returned error travels back as a remote error.
type Handler func(ctx context.Context, sender types.ParticipantID, args json.RawMessage) (any, error)

// Server dispatches Invoke calls to registered handlers.
type Server struct {
	config     *Config
	codec      codec.Codec
	grpcServer *grpc.Server

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	started bool
	mu      sync.Mutex
}

// NewServer creates a new gRPC server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:   config,
		codec:    codec.Default,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for method, replacing any earlier handler.
func (s *Server) Handle(method string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// Methods returns the registered method names in order.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Invoke implements pb.IntegrationPointServer. Unknown methods are
// reported as codes.Unimplemented.
func (s *Server) Invoke(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", req.Method)
	}

	resp := &types.Response{RequestID: req.RequestID}
	result, err := h(ctx, req.Sender, req.Arguments)
	if err != nil {
		logger.Debug("remote operation rejected",
			zap.String("method", req.Method),
			zap.String("sender", req.Sender.FullName()),
			zap.Error(err),
		)
		resp.Error = types.RemoteErrorOf(err)
		return resp, nil
	}
	if result != nil {
		raw, err := s.codec.Marshal(result)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode result of %s: %v", req.Method, err)
		}
		resp.Result = raw
	}
	return resp, nil
}

func (s *Server) newGRPCServer() *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveInterval,
			Timeout: s.config.ConnectionTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.config.KeepaliveInterval / 2,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(recoveryInterceptor),
	}
	gs := grpc.NewServer(opts...)
	pb.RegisterIntegrationPointServer(gs, s)
	return gs
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	gs, err := s.prepare()
	if err != nil {
		listener.Close()
		return err
	}

	go func() {
		if err := gs.Serve(listener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	logger.Info("gRPC server listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	gs, err := s.prepare()
	if err != nil {
		return err
	}
	return gs.Serve(lis)
}

func (s *Server) prepare() (*grpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, fmt.Errorf("server already started")
	}
	s.grpcServer = s.newGRPCServer()
	s.started = true
	return s.grpcServer, nil
}

// Stop stops the gRPC server gracefully, forcing it down when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	s.started = false
	return nil
}

func recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in gRPC handler",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

var _ pb.IntegrationPointServer = (*Server)(nil)
