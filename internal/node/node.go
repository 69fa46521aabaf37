// Package node assembles one taskbus process: the broker, its gRPC and HTTP
// surfaces, cluster membership and the background loops that keep them
// current.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/taskbus/api/grpc/client"
	"yqhp/taskbus/api/grpc/server"
	"yqhp/taskbus/api/rest"
	"yqhp/taskbus/internal/audit"
	"yqhp/taskbus/internal/broker"
	"yqhp/taskbus/internal/cluster"
	"yqhp/taskbus/internal/config"
	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/internal/metrics"
	"yqhp/taskbus/internal/topology"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// shutdownTimeout bounds graceful shutdown of the servers.
const shutdownTimeout = 15 * time.Second

// Node is a fully wired broker process.
type Node struct {
	config *config.Config
	self   types.ParticipantID

	Broker     *broker.Broker
	View       *cluster.View
	Membership cluster.Membership
	Refresher  *cluster.Refresher
	Invoker    *client.Invoker
	GRPC       *server.Server
	REST       *rest.Server
	Metrics    *metrics.PrometheusSink

	redis      *redis.Client
	heartbeat  *cluster.RedisMembership
	auditSink  *audit.GormSink
	selfTarget string
}

// Option customises a Node.
type Option func(*options)

type options struct {
	redis *redis.Client
	audit audit.Sink
}

// WithRedisClient uses client for membership instead of dialing
// cluster.redis.addr.
func WithRedisClient(c *redis.Client) Option {
	return func(o *options) { o.redis = c }
}

// WithAuditSink records audit events to sink instead of the configured
// database.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.audit = sink }
}

// New wires a node from cfg. Nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		config:  cfg,
		self:    cfg.Participant.ID(),
		View:    cluster.NewView(),
		Metrics: metrics.NewPrometheusSink(&cfg.Metrics),
		Invoker: client.NewInvoker(&cfg.Client),
	}

	lookup, err := loadTopology(cfg.Topology.Path)
	if err != nil {
		return nil, err
	}

	selfAddress := cfg.SelfAddress()
	if err := n.setupMembership(cfg, selfAddress, o.redis); err != nil {
		return nil, err
	}
	n.Refresher = cluster.NewRefresher(n.View, n.Membership, cfg.Cluster.RefreshInterval)

	sink := o.audit
	if sink == nil {
		sink, err = n.setupAudit(cfg)
		if err != nil {
			n.Close()
			return nil, err
		}
	}

	n.Broker, err = broker.New(&cfg.Broker, n.self,
		broker.WithTopology(lookup),
		broker.WithAudit(sink),
		broker.WithMetrics(n.Metrics),
		broker.WithTransport(n.Invoker, n.View, &cfg.Dispatch),
		broker.WithRefresher(n.Refresher),
	)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("create broker: %w", err)
	}

	n.GRPC = server.NewServer(&cfg.GRPC)
	n.Broker.RegisterHandlers(n.GRPC)

	// Calls the broker makes to its own address stay in-process.
	entry, ok := cluster.ParseAddress(selfAddress)
	if !ok {
		n.Close()
		return nil, fmt.Errorf("invalid self address %q", selfAddress)
	}
	n.selfTarget = dispatch.TargetOf(entry)
	n.Invoker.RegisterLocal(n.selfTarget, n.GRPC)

	n.REST = rest.NewServer(n.Broker, n.Metrics, &cfg.Server)
	return n, nil
}

func loadTopology(path string) (topology.Lookup, error) {
	if path == "" {
		return topology.NewStatic()
	}
	lookup, err := topology.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	return lookup, nil
}

func (n *Node) setupMembership(cfg *config.Config, selfAddress string, rc *redis.Client) error {
	if !cfg.Cluster.Redis.Enabled() && rc == nil {
		members := append([]string{selfAddress}, cfg.Cluster.Members...)
		n.Membership = cluster.NewStaticMembership(members...)
		return nil
	}

	if rc == nil {
		rc = redis.NewClient(&redis.Options{
			Addr:     cfg.Cluster.Redis.Addr,
			Password: cfg.Cluster.Redis.Password,
			DB:       cfg.Cluster.Redis.DB,
		})
	}
	n.redis = rc
	n.heartbeat = cluster.NewRedisMembership(rc, cluster.RedisMembershipConfig{
		Key: cfg.Cluster.Redis.Key,
		TTL: cfg.Cluster.Redis.TTL,
	})
	n.Membership = n.heartbeat
	return nil
}

func (n *Node) setupAudit(cfg *config.Config) (audit.Sink, error) {
	if !cfg.Audit.Enabled {
		return audit.Noop{}, nil
	}
	db, err := audit.Open(&cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	n.auditSink, err = audit.NewGormSink(db, cfg.Audit.Workers)
	if err != nil {
		return nil, fmt.Errorf("create audit sink: %w", err)
	}
	return n.auditSink, nil
}

// Self returns the node's participant identity.
func (n *Node) Self() types.ParticipantID {
	return n.self
}

// SelfTarget returns the transport target the node serves in-process.
func (n *Node) SelfTarget() string {
	return n.selfTarget
}

// Run serves until ctx is done or one component fails, then shuts every
// component down.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := n.GRPC.Start(ctx); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}
	if err := n.Broker.Start(ctx); err != nil {
		n.stopGRPC()
		return fmt.Errorf("start broker: %w", err)
	}

	if n.heartbeat != nil {
		interval := n.config.Cluster.Redis.HeartbeatInterval
		g.Go(func() error {
			if err := n.heartbeat.Heartbeat(ctx, interval, n.config.SelfAddress()); err != nil {
				return fmt.Errorf("membership heartbeat: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		n.Refresher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		n.Metrics.RunPusher(ctx)
		return nil
	})
	g.Go(func() error {
		if err := n.REST.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		n.stopGRPC()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.Broker.Stop(stopCtx)
	})

	logger.Info("taskbus node running",
		zap.String("participant", n.self.String()),
		zap.String("address", n.config.SelfAddress()),
		zap.String("grpc", n.config.GRPC.Address),
		zap.String("http", n.config.Server.Address),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (n *Node) stopGRPC() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.GRPC.Stop(ctx); err != nil {
		logger.Warn("grpc server stop failed", zap.Error(err))
	}
}

// Close releases connections held by the node.
func (n *Node) Close() error {
	var errs []error
	if n.Invoker != nil {
		errs = append(errs, n.Invoker.Close())
	}
	if n.auditSink != nil {
		errs = append(errs, n.auditSink.Close(shutdownTimeout))
	}
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
	}
	return errors.Join(errs...)
}
