package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"yqhp/taskbus/api/grpc/client"
	"yqhp/taskbus/internal/broker"
	"yqhp/taskbus/internal/cluster"
	"yqhp/taskbus/internal/config"
	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/pkg/types"
)

var (
	resolveTag  string
	pingTimeout time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <service>",
	Short: "List the members serving a service",
	Example: `  taskbus resolve task-broker
  taskbus resolve ehr-sink --tag ipc-message-receiver --set cluster.members=ehr-sink::ipc-message-receiver@ehr:7400`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var pingCmd = &cobra.Command{
	Use:   "ping [service]",
	Short: "Ping a broker service and print the participant answering",
	Long:  `Ping resolves the service (cluster.service by default) through the cluster view and calls it over gRPC.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(pingCmd)

	resolveCmd.Flags().StringVar(&resolveTag, "tag", string(types.FunctionTaskRoutingReceiver), "function tag to resolve")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "ping timeout")
}

// loadView builds a one-off cluster view from the configured membership.
// Static membership lists only cluster.members; this process is not a member.
func loadView(ctx context.Context, cfg *config.Config) (*cluster.View, error) {
	var membership cluster.Membership
	if cfg.Cluster.Redis.Enabled() {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Cluster.Redis.Addr,
			Password: cfg.Cluster.Redis.Password,
			DB:       cfg.Cluster.Redis.DB,
		})
		defer rc.Close()
		membership = cluster.NewRedisMembership(rc, cluster.RedisMembershipConfig{
			Key: cfg.Cluster.Redis.Key,
			TTL: cfg.Cluster.Redis.TTL,
		})
	} else {
		membership = cluster.NewStaticMembership(cfg.Cluster.Members...)
	}

	view := cluster.NewView()
	if err := cluster.NewRefresher(view, membership, cfg.Cluster.RefreshInterval).Refresh(ctx); err != nil {
		return nil, err
	}
	return view, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	tag := types.FunctionTag(resolveTag)
	if !slice.Contain(types.FunctionTags, tag) {
		return fmt.Errorf("unknown function tag %q", resolveTag)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	view, err := loadView(commandContext(cmd), cfg)
	if err != nil {
		return err
	}

	entries := view.ResolveAll(args[0], tag)
	if len(entries) == 0 {
		return types.NewBusError(types.ErrCodeUnreachable, fmt.Sprintf("no member provides %s as %s", args[0], tag), nil)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tTARGET\tTRANSPORT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Address, dispatch.TargetOf(e), e.Transport)
	}
	return w.Flush()
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	service := cfg.Cluster.Service
	if len(args) > 0 {
		service = args[0]
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), pingTimeout)
	defer cancel()

	view, err := loadView(ctx, cfg)
	if err != nil {
		return err
	}
	invoker := client.NewInvoker(&cfg.Client)
	defer invoker.Close()

	d := dispatch.New(&cfg.Dispatch, cfg.Participant.ID(), invoker, view)
	start := time.Now()
	self, err := broker.NewRemote(d, service).Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s answered by %s in %s\n", service, self, time.Since(start).Round(time.Millisecond))
	return nil
}
