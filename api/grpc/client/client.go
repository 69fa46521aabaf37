// Package client invokes remote IntegrationPoint services. It keeps one
// connection per target and serves in-process targets without a network hop.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	pb "yqhp/taskbus/api/grpc/proto"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// Config holds the configuration for the gRPC client.
type Config struct {
	// KeepaliveInterval is the interval between client keepalive pings.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`

	// ConnectionTimeout is how long a keepalive ping may go unanswered.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`

	// MaxCallRecvMsgSize is the maximum response size in bytes.
	MaxCallRecvMsgSize int `yaml:"max_call_recv_msg_size" env:"MAX_CALL_RECV_MSG_SIZE"`

	// DialOptions are appended to the defaults. Tests use it to dial bufconn.
	DialOptions []grpc.DialOption `yaml:"-"`
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		KeepaliveInterval:  10 * time.Second,
		ConnectionTimeout:  30 * time.Second,
		MaxCallRecvMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// Invoker sends requests to IntegrationPoint services.
type Invoker struct {
	config *Config

	conns   map[string]*grpc.ClientConn
	connsMu sync.Mutex

	local   map[string]pb.IntegrationPointServer
	localMu sync.RWMutex

	closed bool
}

// NewInvoker creates an invoker with no open connections.
func NewInvoker(config *Config) *Invoker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Invoker{
		config: config,
		conns:  make(map[string]*grpc.ClientConn),
		local:  make(map[string]pb.IntegrationPointServer),
	}
}

// RegisterLocal serves calls to target with srv directly.
func (i *Invoker) RegisterLocal(target string, srv pb.IntegrationPointServer) {
	i.localMu.Lock()
	i.local[target] = srv
	i.localMu.Unlock()
}

// Invoke sends req to target.
func (i *Invoker) Invoke(ctx context.Context, target string, req *types.Request) (*types.Response, error) {
	i.localMu.RLock()
	srv, ok := i.local[target]
	i.localMu.RUnlock()
	if ok {
		return srv.Invoke(ctx, req)
	}

	conn, err := i.conn(target)
	if err != nil {
		return nil, err
	}
	return pb.NewIntegrationPointClient(conn).Invoke(ctx, req,
		grpc.MaxCallRecvMsgSize(i.config.MaxCallRecvMsgSize),
	)
}

func (i *Invoker) conn(target string) (*grpc.ClientConn, error) {
	i.connsMu.Lock()
	defer i.connsMu.Unlock()

	if i.closed {
		return nil, fmt.Errorf("invoker closed")
	}
	if conn, ok := i.conns[target]; ok {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                i.config.KeepaliveInterval,
			Timeout:             i.config.ConnectionTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, i.config.DialOptions...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	i.conns[target] = conn
	logger.Debug("opened connection", zap.String("target", target))
	return conn, nil
}

// Forget closes the connection to target so the next call dials again.
func (i *Invoker) Forget(target string) {
	i.connsMu.Lock()
	conn, ok := i.conns[target]
	delete(i.conns, target)
	i.connsMu.Unlock()
	if ok {
		conn.Close()
	}
}

// Close closes every open connection.
func (i *Invoker) Close() error {
	i.connsMu.Lock()
	defer i.connsMu.Unlock()

	var firstErr error
	for target, conn := range i.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", target, err)
		}
	}
	i.conns = make(map[string]*grpc.ClientConn)
	i.closed = true
	return firstErr
}
