package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/jinzhu/copier"

	"yqhp/taskbus/pkg/types"
)

// entry owns the state of one task. Every transition on the task holds the
// entry lock, so operations on the same task are serialized while operations
// on different tasks never contend.
type entry struct {
	mu      sync.Mutex
	task    *types.ActionableTask
	cards   map[string]*types.FulfillmentCard // fulfiller name -> card
	current string                            // fulfiller the task is dispatched to
	active  time.Time                         // last report from the current fulfiller
}

// owned reports whether a fulfiller currently holds the task.
func (e *entry) owned() bool {
	return e.current != "" && (e.task.State == types.TaskStateDispatched || e.task.State == types.TaskStateRunning)
}

func (e *entry) snapshot() *types.ActionableTask {
	c := e.task.Clone()
	if card, ok := e.cards[e.current]; ok {
		cp := *card
		c.Fulfillment = &cp
	} else {
		c.Fulfillment = nil
	}
	return c
}

// Registry stores actionable tasks and drives their lifecycle.
type Registry struct {
	entries sync.Map // types.TaskID -> *entry
	queues  *performerQueues
	paused  sync.Map // participant name -> struct{}
	seq     atomic.Int64
	now     func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty task registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		queues: newPerformerQueues(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) load(id types.TaskID) (*entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Register stores a task in REGISTERED state, assigning an identity if the
// task has none. Registering an identity that is already known returns the
// stored task unchanged.
func (r *Registry) Register(task *types.ActionableTask) (*types.ActionableTask, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	if task.ID != "" {
		if e, ok := r.load(task.ID); ok {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.snapshot(), nil
		}
	}

	stored := task.Clone()
	if stored.ID == "" {
		stored.ID = types.NewTaskID(stored.Reason, stored.ContentDescriptor())
	}
	now := r.now()
	stored.State = types.TaskStateRegistered
	stored.Fulfillment = nil
	stored.Created = now
	stored.Updated = now
	if stored.Outcome == "" {
		stored.Outcome = types.OutcomeUnknown
	}

	e := &entry{task: stored, cards: make(map[string]*types.FulfillmentCard)}
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, loaded := r.entries.LoadOrStore(stored.ID, e); loaded {
		other := existing.(*entry)
		other.mu.Lock()
		defer other.mu.Unlock()
		return other.snapshot(), nil
	}
	stored.Sequence = r.seq.Add(1)
	return e.snapshot(), nil
}

// Queue registers the task if needed and places it on the queue of every
// performer type it names.
func (r *Registry) Queue(task *types.ActionableTask) (types.TaskID, error) {
	registered, err := r.Register(task)
	if err != nil {
		return "", err
	}

	e, _ := r.load(registered.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.task.State {
	case types.TaskStateQueued:
		return e.task.ID, nil
	case types.TaskStateRegistered:
	case types.TaskStateFinalised:
		return "", types.NewAlreadyFinalisedError(e.task.ID)
	default:
		return "", types.NewInvalidTransitionError(e.task.ID, e.task.State, types.TaskStateQueued)
	}
	if len(e.task.PerformerTypes) == 0 {
		return "", types.NewBusError(types.ErrCodeInvalidTransition, "task names no performer types", nil)
	}

	e.task.State = types.TaskStateQueued
	e.task.Updated = r.now()
	r.queues.push(e.task.ID, e.task.PerformerTypes)
	return e.task.ID, nil
}

// NextPending hands the oldest queued task addressed to the participant to
// that participant, moving it to DISPATCHED. It returns false when nothing
// is pending or the participant is paused.
func (r *Registry) NextPending(participant string) (*types.ActionableTask, bool) {
	if r.IsPaused(participant) {
		return nil, false
	}
	for {
		id, ok := r.queues.pop(participant)
		if !ok {
			return nil, false
		}
		e, ok := r.load(id)
		if !ok {
			continue
		}

		e.mu.Lock()
		// Stale queue slots are left behind when a task queued for several
		// performers is taken by one of them.
		if e.task.State != types.TaskStateQueued || !slice.Contain(e.task.PerformerTypes, participant) {
			e.mu.Unlock()
			continue
		}
		now := r.now()
		e.task.State = types.TaskStateDispatched
		e.task.Updated = now
		e.current = participant
		e.active = now
		e.cards[participant] = &types.FulfillmentCard{
			TaskID:    e.task.ID,
			Fulfiller: types.ParticipantID{Name: participant},
			Status:    types.ExecutionRegistered,
			Start:     now,
		}
		snap := e.snapshot()
		e.mu.Unlock()
		return snap, true
	}
}

// Pending returns the queued tasks addressed to the participant keyed by
// registration sequence.
func (r *Registry) Pending(participant string) map[int64]*types.ActionableTask {
	result := make(map[int64]*types.ActionableTask)
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.task.State == types.TaskStateQueued && slice.Contain(e.task.PerformerTypes, participant) {
			result[e.task.Sequence] = e.snapshot()
		}
		e.mu.Unlock()
		return true
	})
	return result
}

// QueueDepth returns the number of queue slots held for the participant,
// including stale ones not yet skipped.
func (r *Registry) QueueDepth(participant string) int {
	return r.queues.depth(participant)
}

// Fulfill records that the fulfiller has taken the task, creating its card
// and moving a registered or queued task to DISPATCHED. Unknown tasks are
// registered first.
func (r *Registry) Fulfill(task *types.ActionableTask, fulfiller types.ParticipantID) (*types.ActionableTask, types.ExecutionControl, error) {
	if task == nil {
		return nil, types.ExecutionPause, fmt.Errorf("task cannot be nil")
	}
	if fulfiller.Name == "" {
		return nil, types.ExecutionPause, fmt.Errorf("fulfiller name cannot be empty")
	}

	registered, err := r.Register(task)
	if err != nil {
		return nil, types.ExecutionPause, err
	}
	e, _ := r.load(registered.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.State == types.TaskStateFinalised {
		return nil, types.ExecutionPause, types.NewAlreadyFinalisedError(e.task.ID)
	}
	if e.task.State.IsTerminal() {
		return nil, types.ExecutionPause, types.NewInvalidTransitionError(e.task.ID, e.task.State, types.TaskStateDispatched)
	}
	if r.IsPaused(fulfiller.Name) {
		return e.snapshot(), types.ExecutionPause, nil
	}
	// Only a requeue hands an owned task to someone else.
	if e.owned() && e.current != fulfiller.Name {
		return e.snapshot(), types.ExecutionPause, nil
	}

	now := r.now()
	card, ok := e.cards[fulfiller.Name]
	if !ok || card.Status.IsTerminal() {
		card = &types.FulfillmentCard{TaskID: e.task.ID, Status: types.ExecutionRegistered, Start: now}
		e.cards[fulfiller.Name] = card
	}
	card.Fulfiller = fulfiller
	if card.Start.IsZero() {
		card.Start = now
	}

	if e.task.State == types.TaskStateRegistered || e.task.State == types.TaskStateQueued {
		e.task.State = types.TaskStateDispatched
	}
	e.current = fulfiller.Name
	e.active = now
	e.task.Updated = now
	return e.snapshot(), types.ExecutionAllow, nil
}

// Start marks the participant's card ACTIVE and the task RUNNING.
func (r *Registry) Start(participant string, id types.TaskID, detail types.FulfillmentDetail) (types.ExecutionControl, error) {
	e, ok := r.load(id)
	if !ok {
		return types.ExecutionPause, types.NewUnknownTaskError(id, "task is not registered")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.State == types.TaskStateFinalised {
		return types.ExecutionPause, types.NewAlreadyFinalisedError(id)
	}
	if e.task.State.IsTerminal() {
		return types.ExecutionPause, types.NewInvalidTransitionError(id, e.task.State, types.TaskStateRunning)
	}
	if r.IsPaused(participant) {
		return types.ExecutionPause, nil
	}
	if e.task.State == types.TaskStateRunning && e.current != "" && e.current != participant {
		return types.ExecutionPause, nil
	}

	start := detail.Instant
	if start.IsZero() {
		start = r.now()
	}
	card, ok := e.cards[participant]
	if !ok || card.Status.IsTerminal() {
		card = &types.FulfillmentCard{TaskID: id, Fulfiller: types.ParticipantID{Name: participant}}
		e.cards[participant] = card
	}
	if !detail.Fulfiller.IsZero() {
		card.Fulfiller = detail.Fulfiller
	}
	card.Status = types.ExecutionActive
	card.Start = start

	e.current = participant
	e.task.State = types.TaskStateRunning
	e.task.Updated = r.now()
	e.active = e.task.Updated
	return types.ExecutionAllow, nil
}

// Completion carries the result of a fulfiller's execution.
type Completion struct {
	Detail  types.FulfillmentDetail
	Egress  types.WorkItem
	Outcome types.OutcomeStatus
	Reason  string
}

// Finish moves the participant's card and the task to FINISHED.
func (r *Registry) Finish(participant string, id types.TaskID, c Completion) (types.ExecutionControl, error) {
	return r.complete(participant, id, c, types.ExecutionFinished, types.TaskStateFinished, types.OutcomeSuccess)
}

// Cancel moves the participant's card and the task to CANCELLED.
func (r *Registry) Cancel(participant string, id types.TaskID, c Completion) (types.ExecutionControl, error) {
	return r.complete(participant, id, c, types.ExecutionCancelled, types.TaskStateCancelled, types.OutcomeCancelled)
}

// Fail moves the participant's card and the task to FAILED.
func (r *Registry) Fail(participant string, id types.TaskID, c Completion) (types.ExecutionControl, error) {
	return r.complete(participant, id, c, types.ExecutionFailed, types.TaskStateFailed, types.OutcomeFailure)
}

func (r *Registry) complete(participant string, id types.TaskID, c Completion, status types.ExecutionStatus, state types.TaskState, defaultOutcome types.OutcomeStatus) (types.ExecutionControl, error) {
	e, ok := r.load(id)
	if !ok {
		return types.ExecutionPause, types.NewUnknownTaskError(id, "task is not registered")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.State == types.TaskStateFinalised {
		return types.ExecutionPause, types.NewAlreadyFinalisedError(id)
	}
	card, ok := e.cards[participant]
	if !ok {
		return types.ExecutionPause, types.NewUnknownTaskError(id, fmt.Sprintf("no fulfillment card for %s", participant))
	}
	// The task was handed to another fulfiller after this one went silent.
	if e.current != participant {
		return types.ExecutionPause, nil
	}
	if card.Status.IsTerminal() {
		if card.Status == status {
			return types.ExecutionAllow, nil
		}
		return types.ExecutionPause, types.NewInvalidTransitionError(id, e.task.State, state)
	}

	now := r.now()
	finish := c.Detail.Instant
	if finish.IsZero() {
		finish = now
	}
	card.Status = status
	card.Finish = finish
	card.Reason = c.Reason

	e.task.State = state
	if !c.Egress.IsEmpty() {
		e.task.Egress = c.Egress
	}
	e.task.Outcome = c.Outcome
	if e.task.Outcome == "" {
		e.task.Outcome = defaultOutcome
	}
	e.task.OutcomeReason = c.Reason
	e.task.Updated = now
	e.active = now
	return types.ExecutionAllow, nil
}

// Update merges a newer snapshot into the stored task. Identity, state,
// sequence and fulfillment never change through an update, and performer
// types are frozen once the task has been dispatched. The outcome and egress
// of a terminal task are frozen too. An update of an owned task counts as
// activity of its fulfiller.
func (r *Registry) Update(task *types.ActionableTask) (*types.ActionableTask, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	e, ok := r.load(task.ID)
	if !ok {
		return nil, types.NewUnknownTaskError(task.ID, "task is not registered")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.State == types.TaskStateFinalised {
		return nil, types.NewAlreadyFinalisedError(task.ID)
	}

	stored := e.task
	preserved := struct {
		id         types.TaskID
		state      types.TaskState
		sequence   int64
		created    time.Time
		performers []string
		outcome    types.OutcomeStatus
		reason     string
		egress     types.WorkItem
	}{stored.ID, stored.State, stored.Sequence, stored.Created, append([]string(nil), stored.PerformerTypes...),
		stored.Outcome, stored.OutcomeReason, stored.Clone().Egress}

	incoming := task.Clone()
	incoming.Fulfillment = nil
	if err := copier.CopyWithOption(stored, incoming, copier.Option{IgnoreEmpty: true, DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("merge task snapshot: %w", err)
	}

	stored.ID = preserved.id
	stored.State = preserved.state
	stored.Sequence = preserved.sequence
	stored.Created = preserved.created
	stored.Fulfillment = nil
	if stored.State.IsTerminal() {
		stored.Outcome = preserved.outcome
		stored.OutcomeReason = preserved.reason
		stored.Egress = preserved.egress
	}
	if stored.State != types.TaskStateRegistered && stored.State != types.TaskStateQueued {
		stored.PerformerTypes = preserved.performers
	} else if stored.State == types.TaskStateQueued {
		added := slice.Difference(stored.PerformerTypes, preserved.performers)
		r.queues.push(stored.ID, added)
	}
	stored.Updated = r.now()
	if e.owned() {
		e.active = stored.Updated
	}
	return e.snapshot(), nil
}

// Finalise moves a terminal task to FINALISED.
func (r *Registry) Finalise(id types.TaskID) (*types.ActionableTask, error) {
	e, ok := r.load(id)
	if !ok {
		return nil, types.NewUnknownTaskError(id, "task is not registered")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.State == types.TaskStateFinalised {
		return nil, types.NewAlreadyFinalisedError(id)
	}
	if !e.task.State.IsTerminal() {
		return nil, types.NewInvalidTransitionError(id, e.task.State, types.TaskStateFinalised)
	}
	e.task.State = types.TaskStateFinalised
	e.task.Updated = r.now()
	return e.snapshot(), nil
}

// Requeue returns a dispatched or running task to the queues so another
// fulfiller can take it. Late reports from the previous fulfiller are
// answered with PAUSE.
func (r *Registry) Requeue(id types.TaskID) error {
	e, ok := r.load(id)
	if !ok {
		return types.NewUnknownTaskError(id, "task is not registered")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.task.State {
	case types.TaskStateDispatched, types.TaskStateRunning:
	case types.TaskStateFinalised:
		return types.NewAlreadyFinalisedError(id)
	default:
		return types.NewInvalidTransitionError(id, e.task.State, types.TaskStateQueued)
	}
	e.task.State = types.TaskStateQueued
	e.task.Updated = r.now()
	e.current = ""
	e.active = time.Time{}
	r.queues.push(id, e.task.PerformerTypes)
	return nil
}

// Silent returns dispatched or running tasks whose fulfiller has not
// reported for longer than the threshold. Dispatch, start and update all
// count as reports.
func (r *Registry) Silent(threshold time.Duration) []*types.ActionableTask {
	cutoff := r.now().Add(-threshold)
	var result []*types.ActionableTask
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.owned() && e.active.Before(cutoff) {
			result = append(result, e.snapshot())
		}
		e.mu.Unlock()
		return true
	})
	return result
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id types.TaskID) (*types.ActionableTask, bool) {
	e, ok := r.load(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Card returns the participant's fulfillment card for the task.
func (r *Registry) Card(id types.TaskID, participant string) (types.FulfillmentCard, bool) {
	e, ok := r.load(id)
	if !ok {
		return types.FulfillmentCard{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	card, ok := e.cards[participant]
	if !ok {
		return types.FulfillmentCard{}, false
	}
	return *card, true
}

// Retire removes a finalised task from the registry.
func (r *Registry) Retire(id types.TaskID) error {
	e, ok := r.load(id)
	if !ok {
		return types.NewUnknownTaskError(id, "task is not registered")
	}
	e.mu.Lock()
	state := e.task.State
	e.mu.Unlock()
	if state != types.TaskStateFinalised {
		return types.NewInvalidTransitionError(id, state, types.TaskStateFinalised)
	}
	r.entries.Delete(id)
	return nil
}

// Len returns the number of stored tasks.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Pause stops handing work to the participant; fulfillment and start
// notifications from it are answered with PAUSE.
func (r *Registry) Pause(participant string) {
	r.paused.Store(participant, struct{}{})
}

// Resume lifts a pause.
func (r *Registry) Resume(participant string) {
	r.paused.Delete(participant)
}

// IsPaused reports whether the participant is paused.
func (r *Registry) IsPaused(participant string) bool {
	_, ok := r.paused.Load(participant)
	return ok
}
