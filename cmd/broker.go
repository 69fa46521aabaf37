package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/taskbus/internal/node"
	"yqhp/taskbus/pkg/logger"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage a broker node",
}

var brokerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a broker node",
	Long: `Start a broker node serving the task routing receiver over gRPC and the
operator API over HTTP.

The node announces itself as <cluster.service>::task-routing-receiver@<cluster.advertise_address>
and keeps its cluster view current from the static member list or redis.`,
	Example: `  # defaults
  taskbus broker start

  # config file plus overrides
  taskbus broker start --config taskbus.yaml --set grpc.address=:7401

  # redis membership
  TB_CLUSTER_REDIS_ADDR=localhost:6379 taskbus broker start`,
	Args: cobra.NoArgs,
	RunE: runBrokerStart,
}

var brokerConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.Serialize()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.AddCommand(brokerStartCmd)
	brokerCmd.AddCommand(brokerConfigCmd)
}

func runBrokerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Init(&cfg.Logging)
	defer logger.Sync()

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close node", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), Banner+"\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  participant: %s\n  address:     %s\n  grpc:        %s\n  http:        %s\n\n",
		n.Self(), cfg.SelfAddress(), cfg.GRPC.Address, cfg.Server.Address)

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("broker node stopped")
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
