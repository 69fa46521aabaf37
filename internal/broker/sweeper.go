package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yqhp/taskbus/internal/audit"
	"yqhp/taskbus/internal/cluster"
	"yqhp/taskbus/internal/completion"
	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
	"yqhp/taskbus/pkg/utils"
)

// SweepReport summarizes one liveness sweep.
type SweepReport struct {
	Requeued    []types.TaskID     `json:"requeued"`
	Probed      int                `json:"probed"`
	Unreachable []string           `json:"unreachable"`
	Stalled     []completion.Stall `json:"stalled"`
}

// Start runs the liveness sweeper until ctx is cancelled or Stop is called.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("broker already started")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	utils.SafeGoWithName("liveness-sweeper", func() {
		defer close(b.done)
		b.sweepLoop(ctx)
	})
	logger.Info("broker started",
		zap.String("participant", b.self.FullName()),
		zap.Duration("liveness_timeout", b.config.LivenessTimeout),
	)
	return nil
}

// Stop stops the sweeper and releases the delivery pool.
func (b *Broker) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
			select {
			case <-b.done:
			case <-ctx.Done():
			}
		}
		b.pool.Release()
	})
	return nil
}

func (b *Broker) sweepLoop(ctx context.Context) {
	interval := b.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep re-checks the endpoints of fulfillers that went silent and requeues
// their tasks once the fulfiller is known to be lost. It also reports
// finalisation barriers that stayed open past the liveness timeout. Nothing
// is ever finalised by a sweep.
func (b *Broker) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	if b.config.LivenessTimeout <= 0 {
		return report
	}

	silent := b.tasks.Silent(b.config.LivenessTimeout)
	endpoints := make(map[types.TaskID][]string, len(silent))
	for _, t := range silent {
		endpoints[t.ID] = b.scheduleCheck(fulfillerOf(t))
	}

	report.Probed, report.Unreachable = b.probe(ctx)

	for _, t := range silent {
		fulfiller := fulfillerOf(t)
		if !b.lost(t, endpoints[t.ID]) {
			logger.Debug("silent task kept by its fulfiller",
				zap.String("task_id", string(t.ID)),
				zap.String("fulfiller", fulfiller),
				zap.String("state", string(t.State)),
			)
			continue
		}
		if err := b.tasks.Requeue(t.ID); err != nil {
			logger.Debug("silent task changed before requeue", zap.String("task_id", string(t.ID)), zap.Error(err))
			continue
		}
		report.Requeued = append(report.Requeued, t.ID)
		if requeued, ok := b.tasks.Get(t.ID); ok {
			b.transition(audit.ActivityTaskRequeued, requeued, fulfiller, "fulfiller lost")
		}
		logger.Warn("requeued silent task",
			zap.String("task_id", string(t.ID)),
			zap.String("fulfiller", fulfiller),
		)
	}

	report.Stalled = b.tracker.Stalled(b.config.LivenessTimeout)
	for _, s := range report.Stalled {
		logger.Warn("finalisation barrier still open",
			zap.String("task_id", string(s.Parent)),
			zap.Int("waiting", len(s.Waiting)),
			zap.Time("oldest", s.Oldest),
		)
	}
	return report
}

func fulfillerOf(t *types.ActionableTask) string {
	if t.Fulfillment == nil {
		return ""
	}
	return t.Fulfillment.Fulfiller.Name
}

// lost decides whether a silent task is taken from its fulfiller. A fulfiller
// with checkable endpoints is lost only when every one failed its last
// check. Without endpoints only a task that never started is taken back.
func (b *Broker) lost(t *types.ActionableTask, endpoints []string) bool {
	if len(endpoints) == 0 {
		return t.State == types.TaskStateDispatched
	}
	for _, addr := range endpoints {
		up, checked := b.reachable.Load(addr)
		if !checked || up.(bool) {
			return false
		}
	}
	return true
}

// scheduleCheck queues a check of every endpoint the participant is reached
// through and returns those endpoints. It returns nothing when the broker
// cannot call other participants.
func (b *Broker) scheduleCheck(participant string) []string {
	if participant == "" || b.view == nil || b.invoker == nil {
		return nil
	}
	p := b.placement(participant)
	var endpoints []string
	for _, entry := range b.view.ResolveAll(p.Service, p.FunctionTag) {
		b.checks.Schedule(entry.Address)
		endpoints = append(endpoints, entry.Address)
	}
	return endpoints
}

// probe pings every endpoint waiting for a check and remembers the result.
func (b *Broker) probe(ctx context.Context) (int, []string) {
	addresses := b.checks.Drain()
	if len(addresses) == 0 || b.invoker == nil {
		return 0, nil
	}

	var unreachable []string
	for _, addr := range addresses {
		entry, ok := cluster.ParseAddress(addr)
		if !ok {
			continue
		}
		_, packet := b.dispatcherFor(entry.ServiceName).Send(ctx, dispatch.TargetOf(entry), MethodPing, nil)
		b.reachable.Store(addr, packet == nil)
		if packet != nil {
			unreachable = append(unreachable, addr)
			logger.Warn("endpoint check failed",
				zap.String("address", addr),
				zap.String("status", string(packet.Status)),
				zap.String("reason", packet.StatusReason),
			)
		}
	}
	return len(addresses), unreachable
}
