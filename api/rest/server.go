// Package rest provides the operator HTTP API of a taskbus node.
package rest

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"yqhp/taskbus/internal/broker"
	"yqhp/taskbus/internal/metrics"
	"yqhp/taskbus/pkg/logger"
)

// Config holds the configuration for the HTTP API server.
type Config struct {
	// Address is the address to listen on (e.g., ":7480").
	Address string `yaml:"address" env:"ADDRESS"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool `yaml:"enable_cors" env:"ENABLE_CORS"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":7480",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server represents the HTTP API server.
type Server struct {
	app     *fiber.App
	broker  *broker.Broker
	metrics *metrics.PrometheusSink
	config  *Config
	started time.Time
}

// NewServer creates the API server over b. A nil sink disables /metrics.
func NewServer(b *broker.Broker, sink *metrics.PrometheusSink, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          errorHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		AppName:               "taskbus",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		broker:  b,
		metrics: sink,
		config:  config,
		started: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.New())
	s.app.Use(logger.Middleware())

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,Authorization",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", s.health)

	tasks := v1.Group("/tasks")
	tasks.Get("/pending/:participant", s.pendingTasks)
	tasks.Get("/:id", s.getTask)
	tasks.Get("/:id/completion", s.getCompletion)
	tasks.Post("/", s.registerTask)
	tasks.Post("/queue", s.queueTask)

	v1.Get("/cluster/view", s.clusterView)
	v1.Get("/cluster/resolve", s.resolve)

	v1.Post("/participants/:name/pause", s.pause)
	v1.Post("/participants/:name/resume", s.resume)

	v1.Put("/subscriptions/:participant", s.subscribe)
	v1.Post("/parcels", s.publish)
}

// Start listens until ctx is cancelled, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	logger.Info("HTTP server listening", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	select {
	case <-ctx.Done():
		err := s.app.ShutdownWithTimeout(10 * time.Second)
		// Serve may not have picked the listener up yet.
		_ = ln.Close()
		return err
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}
