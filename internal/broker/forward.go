package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/taskbus/internal/audit"
	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/internal/matching"
	"yqhp/taskbus/internal/topology"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
	"yqhp/taskbus/pkg/utils"
)

// forgetter is implemented by invokers that cache connections.
type forgetter interface {
	Forget(target string)
}

// placement returns where the participant is deployed. Participants missing
// from the topology are assumed to run as a service of the same name.
func (b *Broker) placement(participant string) topology.Placement {
	if p, ok := b.topology.Placement(participant); ok {
		return p
	}
	return topology.Placement{
		Participant: participant,
		Service:     participant,
		FunctionTag: types.FunctionTaskRoutingReceiver,
	}
}

// dispatcherFor returns the dispatcher serving calls to service. Calls to
// one service are serialized; calls to different services are not.
func (b *Broker) dispatcherFor(service string) *dispatch.Dispatcher {
	if d, ok := b.dispatchers.Load(service); ok {
		return d.(*dispatch.Dispatcher)
	}
	d := dispatch.New(b.dispatchConfig, b.self, b.invoker, b.view, dispatch.WithMetrics(b.metrics))
	actual, _ := b.dispatchers.LoadOrStore(service, d)
	return actual.(*dispatch.Dispatcher)
}

// Forward calls method on the participant. A send failure is retried once
// after re-reading the cluster membership. Remote operation errors are
// returned together with the response that carried them.
func (b *Broker) Forward(ctx context.Context, participant, method string, args any) (*types.Response, error) {
	if b.invoker == nil || b.view == nil {
		return nil, types.NewBusError(types.ErrCodeUnreachable, "no transport configured", nil)
	}

	p := b.placement(participant)
	d := b.dispatcherFor(p.Service)

	resp, packet := d.SendToService(ctx, p.Service, p.FunctionTag, method, args)
	if packet != nil && packet.Status == types.PacketSendFailure {
		logger.Warn("dispatch failed, retrying once",
			zap.String("participant", participant),
			zap.String("service", p.Service),
			zap.String("method", method),
			zap.String("reason", packet.StatusReason),
		)
		b.reresolve(ctx, p)
		resp, packet = d.SendToService(ctx, p.Service, p.FunctionTag, method, args)
	}
	if packet != nil {
		return nil, dispatch.AsError(packet)
	}
	if resp.Error != nil {
		return resp, resp.Error.Err()
	}
	return resp, nil
}

func (b *Broker) reresolve(ctx context.Context, p topology.Placement) {
	if f, ok := b.invoker.(forgetter); ok {
		if entry, found := b.view.Resolve(p.Service, p.FunctionTag); found {
			f.Forget(dispatch.TargetOf(entry))
		}
	}
	if b.refresher == nil {
		return
	}
	if err := b.refresher.Refresh(ctx); err != nil {
		logger.Warn("membership refresh failed", zap.Error(err))
	}
}

// Delivery is the outcome of routing a parcel to one subscriber.
type Delivery struct {
	Subscriber types.ParticipantID `json:"subscriber"`
	Error      string              `json:"error,omitempty"`
	Err        error               `json:"-"`
}

// Publish routes the parcel to every subscriber whose mask matches its
// manifest. Deliveries run concurrently and are returned in subscriber
// order.
func (b *Broker) Publish(ctx context.Context, parcel types.Parcel) ([]Delivery, error) {
	if err := matching.ValidateManifest(&parcel.Manifest); err != nil {
		return nil, err
	}

	subscribers := b.subs.Subscribers(&parcel.Manifest)
	deliveries := make([]Delivery, len(subscribers))

	var wg sync.WaitGroup
	for i, sub := range subscribers {
		i, sub := i, sub
		deliveries[i].Subscriber = sub
		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()
			defer utils.Recover("parcel-delivery")
			_, err := b.Forward(ctx, sub.Name, MethodDeliverParcel, parcel)
			deliveries[i].fail(err)
		})
		if err != nil {
			wg.Done()
			deliveries[i].fail(fmt.Errorf("submit delivery: %w", err))
		}
	}
	wg.Wait()

	names := make([]string, 0, len(subscribers))
	for _, d := range deliveries {
		if d.Err == nil {
			names = append(names, d.Subscriber.FullName())
		} else {
			logger.Warn("parcel delivery failed",
				zap.String("subscriber", d.Subscriber.FullName()),
				zap.Error(d.Err),
			)
		}
	}
	b.metrics.ParcelPublished(len(subscribers))
	b.audit.Record(audit.Event{
		Activity:  audit.ActivityParcelRouted,
		State:     string(parcel.Manifest.Direction),
		Detail:    strings.Join(names, ","),
		CreatedAt: time.Now(),
	})
	return deliveries, nil
}

func (d *Delivery) fail(err error) {
	if err == nil {
		return
	}
	d.Err = err
	d.Error = err.Error()
}
