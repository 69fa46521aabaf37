package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskbus/internal/audit"
	"yqhp/taskbus/internal/completion"
	"yqhp/taskbus/internal/task"
	"yqhp/taskbus/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var brokerID = types.NewParticipantID("integration", "", "TaskBroker", "1.0")

func participant(name string) types.ParticipantID {
	return types.NewParticipantID("integration", "", name, "1.0")
}

func newTask(id types.TaskID, parent types.TaskID, performers ...string) *types.ActionableTask {
	return &types.ActionableTask{
		ID:             id,
		ParentID:       parent,
		Reason:         "distribute",
		PerformerTypes: performers,
		Ingress: types.WorkItem{Parcels: []types.Parcel{{
			Manifest: types.Manifest{
				Content:      types.ContentDescriptor{Definer: "FHIR", Category: "Observation", Version: "4.0.1"},
				SourceSystem: "LAB",
				TargetSystem: "EHR",
			},
			Payload: []byte(`{"resourceType":"Observation"}`),
		}}},
	}
}

func newBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	b, err := New(nil, brokerID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

// runToFinish takes the task through fulfill and finish as the named participant.
func runToFinish(t *testing.T, b *Broker, id types.TaskID, name string) {
	t.Helper()
	stored, ok := b.Task(id)
	require.True(t, ok)

	_, control, err := b.FulfillActionableTask(participant(name), stored)
	require.NoError(t, err)
	require.Equal(t, types.ExecutionAllow, control)

	control, err = b.NotifyTaskStart(name, id, types.FulfillmentDetail{Fulfiller: participant(name)})
	require.NoError(t, err)
	require.Equal(t, types.ExecutionAllow, control)

	control, err = b.NotifyTaskFinish(name, id, task.Completion{Outcome: types.OutcomeSuccess})
	require.NoError(t, err)
	require.Equal(t, types.ExecutionAllow, control)
}

func TestFinaliseWithoutDownstream(t *testing.T) {
	sink := audit.NewMemory()
	b := newBroker(t, WithAudit(sink))

	_, err := b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	runToFinish(t, b, "T1", "P1")

	control, err := b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{End: true})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionAllow, control)

	stored, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateFinalised, stored.State)

	summary, ok := b.Completion("T1")
	require.True(t, ok)
	assert.True(t, summary.Finalised)
	assert.Empty(t, summary.Downstream)

	assert.Equal(t, []string{
		audit.ActivityTaskRegistered,
		audit.ActivityTaskDispatched,
		audit.ActivityTaskStarted,
		audit.ActivityTaskFinished,
		audit.ActivityTaskFinalised,
	}, sink.Activities("T1"))
}

func TestFinalisedParentRejectsNewChildren(t *testing.T) {
	b := newBroker(t)
	_, err := b.RegisterActionableTask(newTask("P", "", "P1"))
	require.NoError(t, err)
	runToFinish(t, b, "P", "P1")
	control, err := b.NotifyTaskFinalisation("P1", "P", types.CompletionSummary{End: true})
	require.NoError(t, err)
	require.Equal(t, types.ExecutionAllow, control)

	_, err = b.RegisterActionableTask(newTask("C1", "P", "P2"))
	assert.ErrorIs(t, err, types.ErrAlreadyFinalised)
	_, err = b.QueueTask(newTask("C2", "P", "P2"))
	assert.ErrorIs(t, err, types.ErrAlreadyFinalised)
	_, control, err = b.FulfillActionableTask(participant("P2"), newTask("C3", "P", "P2"))
	assert.ErrorIs(t, err, types.ErrAlreadyFinalised)
	assert.Equal(t, types.ExecutionPause, control)

	for _, id := range []types.TaskID{"C1", "C2", "C3"} {
		_, ok := b.Task(id)
		assert.False(t, ok, "%s must not be stored", id)
	}
	summary, ok := b.Completion("P")
	require.True(t, ok)
	assert.True(t, summary.Finalised)
	assert.Empty(t, summary.Downstream)
	assert.True(t, summary.AllDownstreamFinalised())
}

func TestFanInBarrier(t *testing.T) {
	b := newBroker(t)

	_, err := b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, err = b.RegisterActionableTask(newTask("T2", "T1", "P2"))
	require.NoError(t, err)
	_, err = b.RegisterActionableTask(newTask("T3", "T1", "P3"))
	require.NoError(t, err)

	summary, _ := b.Completion("T1")
	require.Len(t, summary.Downstream, 2)
	assert.Equal(t, types.DownstreamNotBeingFulfilled, summary.Downstream["T2"].Status)
	assert.Equal(t, types.DownstreamNotBeingFulfilled, summary.Downstream["T3"].Status)

	runToFinish(t, b, "T1", "P1")
	control, err := b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{End: true})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPause, control)

	runToFinish(t, b, "T2", "P2")
	control, err = b.NotifyTaskFinalisation("P2", "T2", types.CompletionSummary{End: true})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionAllow, control)

	parent, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateFinished, parent.State)
	summary, _ = b.Completion("T1")
	assert.Equal(t, types.DownstreamFinalised, summary.Downstream["T2"].Status)
	assert.False(t, summary.Finalised)

	runToFinish(t, b, "T3", "P3")
	control, err = b.NotifyTaskFinalisation("P3", "T3", types.CompletionSummary{End: true})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionAllow, control)

	parent, _ = b.Task("T1")
	assert.Equal(t, types.TaskStateFinalised, parent.State)
	summary, _ = b.Completion("T1")
	assert.True(t, summary.Finalised)
}

func TestParentWithoutEndIsNotCascaded(t *testing.T) {
	b := newBroker(t)

	_, err := b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, err = b.RegisterActionableTask(newTask("T2", "T1", "P2"))
	require.NoError(t, err)

	runToFinish(t, b, "T1", "P1")
	runToFinish(t, b, "T2", "P2")
	_, err = b.NotifyTaskFinalisation("P2", "T2", types.CompletionSummary{End: true})
	require.NoError(t, err)

	parent, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateFinished, parent.State)

	control, err := b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionAllow, control)
}

func TestFulfillingChildMarksItBeingFulfilled(t *testing.T) {
	b := newBroker(t)

	_, err := b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, err = b.QueueTask(newTask("T2", "T1", "P2"))
	require.NoError(t, err)

	next, ok := b.GetNextPendingTask("P2")
	require.True(t, ok)
	assert.Equal(t, types.TaskID("T2"), next.ID)

	summary, _ := b.Completion("T1")
	assert.Equal(t, types.DownstreamBeingFulfilled, summary.Downstream["T2"].Status)
}

func TestFinalisationErrors(t *testing.T) {
	b := newBroker(t)

	_, err := b.NotifyTaskFinalisation("P1", "missing", types.CompletionSummary{End: true})
	assert.ErrorIs(t, err, types.ErrUnknownTask)

	_, err = b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)

	_, err = b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{End: true})
	assert.ErrorIs(t, err, types.ErrUnknownTask, "no card yet")

	_, _, err = b.FulfillActionableTask(participant("P1"), newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, err = b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{End: true})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "task still running")

	_, err = b.NotifyTaskFinish("P1", "T1", task.Completion{})
	require.NoError(t, err)
	_, err = b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{End: true})
	require.NoError(t, err)

	_, err = b.NotifyTaskFinalisation("P1", "T1", types.CompletionSummary{End: true})
	assert.ErrorIs(t, err, types.ErrAlreadyFinalised)
	_, err = b.NotifyTaskFinish("P1", "T1", task.Completion{})
	assert.ErrorIs(t, err, types.ErrAlreadyFinalised)
	_, err = b.UpdateActionableTask(newTask("T1", "", "P1"))
	assert.ErrorIs(t, err, types.ErrAlreadyFinalised)

	stored, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateFinalised, stored.State)
}

func TestQueueAndRetrievePending(t *testing.T) {
	sink := audit.NewMemory()
	b := newBroker(t, WithAudit(sink))

	id, err := b.QueueTask(newTask("", "", "EHRGateway", "Archive"))
	require.NoError(t, err)

	pending := b.RetrievePendingActionableTasks("EHRGateway")
	require.Len(t, pending, 1)
	for _, p := range pending {
		assert.Equal(t, id, p.ID)
		assert.Equal(t, types.TaskStateQueued, p.State)
	}
	assert.Len(t, b.RetrievePendingActionableTasks("Archive"), 1)
	assert.Empty(t, b.RetrievePendingActionableTasks("Other"))

	_, ok := b.GetNextPendingTask("Other")
	assert.False(t, ok)

	next, ok := b.GetNextPendingTask("Archive")
	require.True(t, ok)
	assert.Equal(t, id, next.ID)
	assert.Empty(t, b.RetrievePendingActionableTasks("EHRGateway"))

	assert.Equal(t, []string{
		audit.ActivityTaskRegistered,
		audit.ActivityTaskQueued,
		audit.ActivityTaskDispatched,
	}, sink.Activities(string(id)))
}

func TestRegisterIsIdempotent(t *testing.T) {
	sink := audit.NewMemory()
	b := newBroker(t, WithAudit(sink))

	first, err := b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	second, err := b.RegisterActionableTask(newTask("T1", "", "P1", "P2"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{audit.ActivityTaskRegistered}, sink.Activities("T1"))
}

func TestPausedParticipant(t *testing.T) {
	b := newBroker(t)
	_, err := b.QueueTask(newTask("T1", "", "P1"))
	require.NoError(t, err)

	b.Pause("P1")
	_, ok := b.GetNextPendingTask("P1")
	assert.False(t, ok)
	_, control, err := b.FulfillActionableTask(participant("P1"), newTask("T1", "", "P1"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPause, control)

	b.Resume("P1")
	_, ok = b.GetNextPendingTask("P1")
	assert.True(t, ok)
}

func TestSweepRequeuesSilentTasks(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.LivenessTimeout = time.Minute

	b, err := New(cfg, brokerID,
		WithRegistry(task.NewRegistry(task.WithClock(clock.Now))),
		WithTracker(completion.NewTrackerWithClock(clock.Now)),
	)
	require.NoError(t, err)
	defer b.Stop(context.Background())

	_, err = b.QueueTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, ok := b.GetNextPendingTask("P1")
	require.True(t, ok)

	report := b.Sweep(context.Background())
	assert.Empty(t, report.Requeued)

	clock.Advance(2 * time.Minute)
	report = b.Sweep(context.Background())
	assert.Equal(t, []types.TaskID{"T1"}, report.Requeued)

	stored, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateQueued, stored.State)

	// The silent fulfiller's late report is ignored.
	control, err := b.NotifyTaskFinish("P1", "T1", task.Completion{})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPause, control)
}

func TestSweepKeepsRunningTask(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.LivenessTimeout = time.Minute

	b, err := New(cfg, brokerID,
		WithRegistry(task.NewRegistry(task.WithClock(clock.Now))),
		WithTracker(completion.NewTrackerWithClock(clock.Now)),
	)
	require.NoError(t, err)
	defer b.Stop(context.Background())

	_, err = b.QueueTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, ok := b.GetNextPendingTask("P1")
	require.True(t, ok)
	control, err := b.NotifyTaskStart("P1", "T1", types.FulfillmentDetail{Fulfiller: participant("P1")})
	require.NoError(t, err)
	require.Equal(t, types.ExecutionAllow, control)

	clock.Advance(10 * time.Minute)
	report := b.Sweep(context.Background())
	assert.Empty(t, report.Requeued)

	control, err = b.NotifyTaskFinish("P1", "T1", task.Completion{})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionAllow, control)
	stored, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateFinished, stored.State)
}

func TestSweepReportsStalledBarriers(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.LivenessTimeout = time.Minute

	b, err := New(cfg, brokerID,
		WithRegistry(task.NewRegistry(task.WithClock(clock.Now))),
		WithTracker(completion.NewTrackerWithClock(clock.Now)),
	)
	require.NoError(t, err)
	defer b.Stop(context.Background())

	_, err = b.RegisterActionableTask(newTask("T1", "", "P1"))
	require.NoError(t, err)
	_, err = b.RegisterActionableTask(newTask("T2", "T1", "P2"))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	report := b.Sweep(context.Background())
	require.Len(t, report.Stalled, 1)
	assert.Equal(t, types.TaskID("T1"), report.Stalled[0].Parent)
	assert.Equal(t, []types.TaskID{"T2"}, report.Stalled[0].Waiting)

	parent, _ := b.Task("T1")
	assert.Equal(t, types.TaskStateRegistered, parent.State, "stalls are reported, never forced")
}

func TestSweepDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LivenessTimeout = 0
	b, err := New(cfg, brokerID)
	require.NoError(t, err)
	defer b.Stop(context.Background())

	assert.Equal(t, SweepReport{}, b.Sweep(context.Background()))
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	b, err := New(cfg, brokerID)
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	assert.Error(t, b.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
}

func TestConcurrentFulfillAndFinish(t *testing.T) {
	b := newBroker(t)
	_, err := b.RegisterActionableTask(newTask("T1", "", "P1", "P2"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, name := range []string{"P1", "P2"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			stored, _ := b.Task("T1")
			if _, control, err := b.FulfillActionableTask(participant(name), stored); err != nil || control != types.ExecutionAllow {
				return
			}
			_, _ = b.NotifyTaskFinish(name, "T1", task.Completion{})
		}()
	}
	wg.Wait()

	stored, _ := b.Task("T1")
	assert.True(t, stored.State == types.TaskStateFinished || stored.State == types.TaskStateDispatched,
		"unexpected state %s", stored.State)
}
