// Package dispatch performs synchronous, timeout-bounded remote calls and
// turns transport failures into failure packets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yqhp/taskbus/internal/cluster"
	"yqhp/taskbus/internal/metrics"
	"yqhp/taskbus/pkg/codec"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// Invoker performs one remote call against a transport target.
type Invoker interface {
	Invoke(ctx context.Context, target string, req *types.Request) (*types.Response, error)
}

// Config holds the dispatcher settings.
type Config struct {
	// Timeout bounds every call.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{Timeout: 5 * time.Second}
}

// Dispatcher sends requests one at a time. Calls on the same dispatcher
// never overlap.
type Dispatcher struct {
	config  *Config
	sender  types.ParticipantID
	invoker Invoker
	view    *cluster.View
	codec   codec.Codec
	metrics metrics.Sink

	mu   sync.Mutex
	late atomic.Int64
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics reports every call outcome to sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.metrics = sink
		}
	}
}

// WithCodec overrides the argument codec.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

// New creates a dispatcher sending as sender. The view is used to resolve
// logical service names and may be nil when only addresses are used.
func New(config *Config, sender types.ParticipantID, invoker Invoker, view *cluster.View, opts ...Option) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	d := &Dispatcher{
		config:  config,
		sender:  sender,
		invoker: invoker,
		view:    view,
		codec:   codec.Default,
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendToService resolves the service through the cluster view and sends
// to the first member serving tag. An unresolved service yields a
// TARGET_UNREACHABLE packet.
func (d *Dispatcher) SendToService(ctx context.Context, service string, tag types.FunctionTag, method string, args any) (*types.Response, *types.FailurePacket) {
	if d.view == nil {
		return nil, d.fail(method, uuid.NewString(), types.PacketTargetUnreached, "no cluster view configured", 0)
	}
	entry, ok := d.view.Resolve(service, tag)
	if !ok {
		return nil, d.fail(method, uuid.NewString(), types.PacketTargetUnreached,
			fmt.Sprintf("no live member serves %s for %s", tag, service), 0)
	}
	return d.Send(ctx, TargetOf(entry), method, args)
}

// TargetOf returns the invoker target for entry. In-process members are
// addressed by their full membership address.
func TargetOf(entry types.ClusterViewEntry) string {
	if entry.Transport == types.TransportInProcess {
		return entry.Address
	}
	return entry.Target
}

// Send calls method on target. It returns exactly one of a response or a
// failure packet and never retries.
func (d *Dispatcher) Send(ctx context.Context, target, method string, args any) (*types.Response, *types.FailurePacket) {
	requestID := uuid.NewString()
	if target == "" {
		return nil, d.fail(method, requestID, types.PacketTargetUnreached, "empty target address", 0)
	}

	raw, err := d.codec.Marshal(args)
	if err != nil {
		return nil, d.fail(method, requestID, types.PacketSendFailure, fmt.Sprintf("encode arguments: %v", err), 0)
	}
	req := &types.Request{
		RequestID: requestID,
		Sender:    d.sender,
		Method:    method,
		Arguments: raw,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	done := make(chan callResult, 1)
	start := time.Now()
	go func() {
		resp, err := d.invoker.Invoke(callCtx, target, req)
		done <- callResult{resp, err}
	}()

	var r callResult
	select {
	case r = <-done:
	case <-callCtx.Done():
		go d.discardLate(requestID, done)
		return nil, d.timeoutOrCancel(ctx, method, requestID, time.Since(start))
	}
	latency := time.Since(start)

	if r.err != nil {
		return nil, d.classify(ctx, method, requestID, r.err, latency)
	}
	if r.resp == nil {
		return nil, d.fail(method, requestID, types.PacketSendFailure, "empty response", latency)
	}
	if r.resp.RequestID != requestID {
		d.late.Add(1)
		logger.Warn("discarding response for another request",
			zap.String("method", method),
			zap.String("request_id", requestID),
			zap.String("response_id", r.resp.RequestID),
		)
		return nil, d.fail(method, requestID, types.PacketSendFailure, "response does not match request", latency)
	}
	if r.resp.Failure != nil {
		d.metrics.RPCFailed(method, r.resp.Failure.Status, latency)
		return nil, r.resp.Failure
	}

	d.metrics.RPCSucceeded(method, latency)
	return r.resp, nil
}

// Late returns the number of responses discarded because they arrived
// after their call timed out or did not match the request.
func (d *Dispatcher) Late() int64 {
	return d.late.Load()
}

type callResult struct {
	resp *types.Response
	err  error
}

func (d *Dispatcher) discardLate(requestID string, done <-chan callResult) {
	r := <-done
	if r.resp != nil {
		d.late.Add(1)
		logger.Debug("discarding late response", zap.String("request_id", requestID))
	}
}

func (d *Dispatcher) timeoutOrCancel(parent context.Context, method, requestID string, latency time.Duration) *types.FailurePacket {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return d.fail(method, requestID, types.PacketSendFailure, "call cancelled", latency)
	}
	return d.fail(method, requestID, types.PacketSendTimeout,
		fmt.Sprintf("no response within %s", d.config.Timeout), latency)
}

func (d *Dispatcher) classify(ctx context.Context, method, requestID string, err error, latency time.Duration) *types.FailurePacket {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return d.timeoutOrCancel(ctx, method, requestID, latency)
	}
	st, ok := status.FromError(err)
	if !ok {
		return d.fail(method, requestID, types.PacketSendFailure, err.Error(), latency)
	}
	switch st.Code() {
	case codes.Unimplemented:
		return d.fail(method, requestID, types.PacketSendFailure,
			fmt.Sprintf("method not found: %s: %s", method, st.Message()), latency)
	case codes.DeadlineExceeded:
		return d.timeoutOrCancel(ctx, method, requestID, latency)
	default:
		return d.fail(method, requestID, types.PacketSendFailure, st.Message(), latency)
	}
}

func (d *Dispatcher) fail(method, requestID string, st types.PacketStatus, reason string, latency time.Duration) *types.FailurePacket {
	d.metrics.RPCFailed(method, st, latency)
	return &types.FailurePacket{
		ActivityID:   requestID,
		Status:       st,
		StatusReason: reason,
	}
}

// AsError converts a failure packet into a typed bus error.
func AsError(p *types.FailurePacket) error {
	if p == nil {
		return nil
	}
	switch p.Status {
	case types.PacketTargetUnreached:
		return types.NewBusError(types.ErrCodeUnreachable, p.StatusReason, p)
	case types.PacketSendTimeout:
		return types.NewBusError(types.ErrCodeDispatchTimeout, p.StatusReason, p)
	default:
		return types.NewBusError(types.ErrCodeDispatchFailure, p.StatusReason, p)
	}
}
