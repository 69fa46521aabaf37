// Package broker is the task broker facade. It exposes the task lifecycle
// operations to participants, keeps the completion tracker in step with
// the registry, and routes calls and parcels to other participants.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/taskbus/internal/audit"
	"yqhp/taskbus/internal/cluster"
	"yqhp/taskbus/internal/completion"
	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/internal/matching"
	"yqhp/taskbus/internal/metrics"
	"yqhp/taskbus/internal/task"
	"yqhp/taskbus/internal/topology"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// Config holds the configuration for a broker.
type Config struct {
	// LivenessTimeout is how long a fulfiller may stay silent before its
	// endpoints are checked and its task requeued if they are down, and how
	// long a finalisation barrier may stay open before it is reported. Zero
	// disables both checks.
	LivenessTimeout time.Duration `yaml:"liveness_timeout" env:"LIVENESS_TIMEOUT"`

	// SweepInterval is the interval between liveness sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// CheckCapacity bounds the number of endpoints waiting for a re-check.
	CheckCapacity int `yaml:"check_capacity" env:"CHECK_CAPACITY"`

	// CheckInterval is the minimum time between two checks of one endpoint.
	CheckInterval time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`

	// PublishWorkers is the size of the parcel delivery pool.
	PublishWorkers int `yaml:"publish_workers" env:"PUBLISH_WORKERS"`
}

// DefaultConfig returns a default broker configuration.
func DefaultConfig() *Config {
	return &Config{
		LivenessTimeout: 5 * time.Minute,
		SweepInterval:   30 * time.Second,
		CheckCapacity:   256,
		CheckInterval:   30 * time.Second,
		PublishWorkers:  16,
	}
}

// Broker implements the task broker operation surface.
type Broker struct {
	config *Config
	self   types.ParticipantID

	tasks    *task.Registry
	tracker  *completion.Tracker
	subs     *matching.SubscriptionTable
	topology topology.Lookup
	audit    audit.Sink
	metrics  metrics.Sink

	// Transport
	invoker        dispatch.Invoker
	view           *cluster.View
	refresher      *cluster.Refresher
	dispatchConfig *dispatch.Config
	dispatchers    sync.Map // service name -> *dispatch.Dispatcher

	checks    *cluster.CheckSchedule
	reachable sync.Map // endpoint address -> bool, last check result
	pool      *ants.Pool

	// Lifecycle
	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option customizes a Broker.
type Option func(*Broker)

// WithRegistry uses an existing task registry.
func WithRegistry(r *task.Registry) Option {
	return func(b *Broker) { b.tasks = r }
}

// WithTracker uses an existing completion tracker.
func WithTracker(t *completion.Tracker) Option {
	return func(b *Broker) { b.tracker = t }
}

// WithSubscriptions uses an existing subscription table.
func WithSubscriptions(s *matching.SubscriptionTable) Option {
	return func(b *Broker) { b.subs = s }
}

// WithTopology resolves participants through lookup.
func WithTopology(lookup topology.Lookup) Option {
	return func(b *Broker) { b.topology = lookup }
}

// WithAudit records lifecycle events to sink.
func WithAudit(sink audit.Sink) Option {
	return func(b *Broker) {
		if sink != nil {
			b.audit = sink
		}
	}
}

// WithMetrics reports transitions and calls to sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(b *Broker) {
		if sink != nil {
			b.metrics = sink
		}
	}
}

// WithTransport lets the broker call other participants through invoker,
// resolving services through view.
func WithTransport(invoker dispatch.Invoker, view *cluster.View, config *dispatch.Config) Option {
	return func(b *Broker) {
		b.invoker = invoker
		b.view = view
		b.dispatchConfig = config
	}
}

// WithRefresher re-reads membership through r before a retried dispatch.
func WithRefresher(r *cluster.Refresher) Option {
	return func(b *Broker) { b.refresher = r }
}

// New creates a broker identified as self.
func New(config *Config, self types.ParticipantID, opts ...Option) (*Broker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	b := &Broker{
		config:  config,
		self:    self,
		audit:   audit.Noop{},
		metrics: metrics.Noop{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tasks == nil {
		b.tasks = task.NewRegistry()
	}
	if b.tracker == nil {
		b.tracker = completion.NewTracker()
	}
	if b.subs == nil {
		b.subs = matching.NewSubscriptionTable()
	}
	if b.topology == nil {
		empty, _ := topology.NewStatic()
		b.topology = empty
	}

	workers := config.PublishWorkers
	if workers <= 0 {
		workers = 16
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish pool: %w", err)
	}
	b.pool = pool
	b.checks = cluster.NewCheckSchedule(config.CheckCapacity, config.CheckInterval)
	return b, nil
}

// Self returns the broker's participant identity.
func (b *Broker) Self() types.ParticipantID {
	return b.self
}

// RegisterActionableTask stores the task in REGISTERED state. A task that
// names a parent is tracked as one of the parent's downstream tasks; a
// finalised parent takes no new ones.
func (b *Broker) RegisterActionableTask(t *types.ActionableTask) (*types.ActionableTask, error) {
	known := b.known(t)
	if err := b.checkParent(t, known); err != nil {
		return nil, err
	}
	stored, err := b.tasks.Register(t)
	if err != nil {
		return nil, err
	}
	b.trackDownstream(stored)
	if !known {
		b.transition(audit.ActivityTaskRegistered, stored, "", "")
	}
	return stored, nil
}

// FulfillActionableTask records that fulfiller has taken the task.
func (b *Broker) FulfillActionableTask(fulfiller types.ParticipantID, t *types.ActionableTask) (*types.ActionableTask, types.ExecutionControl, error) {
	known := b.known(t)
	if err := b.checkParent(t, known); err != nil {
		return nil, types.ExecutionPause, err
	}
	stored, control, err := b.tasks.Fulfill(t, fulfiller)
	if err != nil {
		return nil, control, err
	}
	if !known {
		b.transition(audit.ActivityTaskRegistered, stored, "", "")
	}
	b.trackDownstream(stored)
	if control == types.ExecutionAllow {
		b.notifyBeingFulfilled(stored)
		b.transition(audit.ActivityTaskDispatched, stored, fulfiller.Name, "")
	}
	return stored, control, nil
}

// UpdateActionableTask merges a newer snapshot of the task.
func (b *Broker) UpdateActionableTask(t *types.ActionableTask) (*types.ActionableTask, error) {
	return b.tasks.Update(t)
}

// RetrievePendingActionableTasks returns the queued tasks addressed to the
// participant keyed by registration sequence.
func (b *Broker) RetrievePendingActionableTasks(participant string) map[int64]*types.ActionableTask {
	return b.tasks.Pending(participant)
}

// QueueTask registers the task if needed and queues it for its performers.
func (b *Broker) QueueTask(t *types.ActionableTask) (types.TaskID, error) {
	known := b.known(t)
	if err := b.checkParent(t, known); err != nil {
		return "", err
	}
	id, err := b.tasks.Queue(t)
	if err != nil {
		return "", err
	}
	stored, _ := b.tasks.Get(id)
	if !known {
		b.transition(audit.ActivityTaskRegistered, stored, "", "")
	}
	b.trackDownstream(stored)
	b.transition(audit.ActivityTaskQueued, stored, "", "")
	return id, nil
}

// GetNextPendingTask hands the oldest queued task addressed to the
// participant to it. It returns false when nothing is pending.
func (b *Broker) GetNextPendingTask(participant string) (*types.ActionableTask, bool) {
	t, ok := b.tasks.NextPending(participant)
	if !ok {
		return nil, false
	}
	b.notifyBeingFulfilled(t)
	b.transition(audit.ActivityTaskDispatched, t, participant, "")
	return t, true
}

// NotifyTaskStart marks the participant's execution of the task as active.
func (b *Broker) NotifyTaskStart(participant string, id types.TaskID, detail types.FulfillmentDetail) (types.ExecutionControl, error) {
	control, err := b.tasks.Start(participant, id, detail)
	if err != nil || control != types.ExecutionAllow {
		return control, err
	}
	if t, ok := b.tasks.Get(id); ok {
		b.notifyBeingFulfilled(t)
		b.transition(audit.ActivityTaskStarted, t, participant, "")
	}
	return control, nil
}

// NotifyTaskFinish records a successful execution.
func (b *Broker) NotifyTaskFinish(participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	control, err := b.tasks.Finish(participant, id, c)
	b.afterCompletion(audit.ActivityTaskFinished, participant, id, c, control, err)
	return control, err
}

// NotifyTaskCancellation records a cancelled execution.
func (b *Broker) NotifyTaskCancellation(participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	control, err := b.tasks.Cancel(participant, id, c)
	b.afterCompletion(audit.ActivityTaskCancelled, participant, id, c, control, err)
	return control, err
}

// NotifyTaskFailure records a failed execution.
func (b *Broker) NotifyTaskFailure(participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	control, err := b.tasks.Fail(participant, id, c)
	b.afterCompletion(audit.ActivityTaskFailed, participant, id, c, control, err)
	return control, err
}

func (b *Broker) afterCompletion(activity, participant string, id types.TaskID, c task.Completion, control types.ExecutionControl, err error) {
	if err != nil || control != types.ExecutionAllow {
		return
	}
	if t, ok := b.tasks.Get(id); ok {
		b.transition(activity, t, participant, c.Reason)
	}
}

// NotifyTaskFinalisation applies the participant's completion summary and
// finalises the task once its downstream barrier holds. It answers PAUSE
// while downstream tasks are still outstanding; the task then stays
// terminal and is finalised as soon as its last downstream task is.
func (b *Broker) NotifyTaskFinalisation(participant string, id types.TaskID, summary types.CompletionSummary) (types.ExecutionControl, error) {
	t, ok := b.tasks.Get(id)
	if !ok {
		return types.ExecutionPause, types.NewUnknownTaskError(id, "task is not registered")
	}
	if t.State == types.TaskStateFinalised {
		return types.ExecutionPause, types.NewAlreadyFinalisedError(id)
	}
	if _, ok := b.tasks.Card(id, participant); !ok {
		return types.ExecutionPause, types.NewUnknownTaskError(id, fmt.Sprintf("no fulfillment card for %s", participant))
	}
	if !t.State.IsTerminal() {
		return types.ExecutionPause, types.NewInvalidTransitionError(id, t.State, types.TaskStateFinalised)
	}

	b.tracker.Merge(id, summary)
	if !b.tracker.IsFullyFinalised(id) {
		logger.Debug("finalisation waits for downstream tasks",
			zap.String("task_id", string(id)),
			zap.String("participant", participant),
		)
		return types.ExecutionPause, nil
	}
	if err := b.finalise(t); err != nil {
		return types.ExecutionPause, err
	}
	return types.ExecutionAllow, nil
}

// finalise moves a terminal task whose barrier holds to FINALISED and
// propagates the result to its parent.
func (b *Broker) finalise(t *types.ActionableTask) error {
	b.tracker.Finalise(t.ID)
	finalised, err := b.tasks.Finalise(t.ID)
	if err != nil {
		return err
	}
	b.transition(audit.ActivityTaskFinalised, finalised, "", "")

	if finalised.ParentID != "" {
		b.tracker.NotifyFinalised(finalised.ParentID, finalised.ID)
		b.cascade(finalised.ParentID)
	}
	return nil
}

// cascade finalises a parent that already asked for finalisation once its
// last downstream task has been finalised.
func (b *Broker) cascade(parent types.TaskID) {
	p, ok := b.tasks.Get(parent)
	if !ok || !p.State.IsTerminal() || p.State == types.TaskStateFinalised {
		return
	}
	summary, ok := b.tracker.Summary(parent)
	if !ok || !summary.End || !b.tracker.IsFullyFinalised(parent) {
		return
	}
	if err := b.finalise(p); err != nil && types.CodeOf(err) != types.ErrCodeAlreadyFinalised {
		logger.Warn("failed to finalise parent task", zap.String("task_id", string(parent)), zap.Error(err))
	}
}

// Subscribe registers or replaces the participant's subscription mask.
func (b *Broker) Subscribe(participant types.ParticipantID, mask types.Mask) error {
	return b.subs.Subscribe(participant, mask)
}

// Unsubscribe drops the participant's subscription.
func (b *Broker) Unsubscribe(participant types.ParticipantID) bool {
	return b.subs.Unsubscribe(participant)
}

// Pause stops handing work to the participant.
func (b *Broker) Pause(participant string) {
	b.tasks.Pause(participant)
	logger.Info("participant paused", zap.String("participant", participant))
}

// Resume lifts a pause.
func (b *Broker) Resume(participant string) {
	b.tasks.Resume(participant)
	logger.Info("participant resumed", zap.String("participant", participant))
}

// Task returns a snapshot of the task.
func (b *Broker) Task(id types.TaskID) (*types.ActionableTask, bool) {
	return b.tasks.Get(id)
}

// Completion returns the completion summary of the task.
func (b *Broker) Completion(id types.TaskID) (types.CompletionSummary, bool) {
	return b.tracker.Summary(id)
}

// View returns the cluster view used for resolution, or nil.
func (b *Broker) View() *cluster.View {
	return b.view
}

func (b *Broker) known(t *types.ActionableTask) bool {
	if t == nil || t.ID == "" {
		return false
	}
	_, ok := b.tasks.Get(t.ID)
	return ok
}

// checkParent refuses a new task whose parent has been finalised. Tasks
// already stored keep their parent link.
func (b *Broker) checkParent(t *types.ActionableTask, known bool) error {
	if known || t == nil || t.ParentID == "" {
		return nil
	}
	if b.tracker.IsFinalised(t.ParentID) {
		return types.NewAlreadyFinalisedError(t.ParentID)
	}
	if p, ok := b.tasks.Get(t.ParentID); ok && p.State == types.TaskStateFinalised {
		return types.NewAlreadyFinalisedError(t.ParentID)
	}
	return nil
}

func (b *Broker) trackDownstream(t *types.ActionableTask) {
	if t == nil || t.ParentID == "" {
		return
	}
	b.tracker.AddDownstream(t.ParentID, t.ID)
}

func (b *Broker) notifyBeingFulfilled(t *types.ActionableTask) {
	if t == nil || t.ParentID == "" {
		return
	}
	b.tracker.NotifyBeingFulfilled(t.ParentID, t.ID)
}

func (b *Broker) transition(activity string, t *types.ActionableTask, participant, detail string) {
	if t == nil {
		return
	}
	b.metrics.TaskTransition(t.State)
	b.audit.Record(audit.Event{
		Activity:    activity,
		TaskID:      string(t.ID),
		Participant: participant,
		State:       string(t.State),
		Detail:      detail,
		CreatedAt:   time.Now(),
	})
}
