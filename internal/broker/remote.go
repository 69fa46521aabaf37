package broker

import (
	"context"

	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/internal/task"
	"yqhp/taskbus/pkg/codec"
	"yqhp/taskbus/pkg/types"
)

// Remote calls a broker over the transport on behalf of a participant.
type Remote struct {
	dispatcher *dispatch.Dispatcher
	service    string
	tag        types.FunctionTag
}

// NewRemote creates a broker client that resolves the broker service
// through the dispatcher's cluster view.
func NewRemote(d *dispatch.Dispatcher, service string) *Remote {
	return &Remote{dispatcher: d, service: service, tag: types.FunctionTaskRoutingReceiver}
}

func call[T any](ctx context.Context, r *Remote, method string, args any) (T, error) {
	var zero T
	resp, packet := r.dispatcher.SendToService(ctx, r.service, r.tag, method, args)
	if packet != nil {
		return zero, dispatch.AsError(packet)
	}
	if resp.Error != nil {
		return zero, resp.Error.Err()
	}
	if len(resp.Result) == 0 {
		return zero, nil
	}
	return codec.Decode[T](codec.Default, resp.Result)
}

// RegisterActionableTask registers the task with the broker.
func (r *Remote) RegisterActionableTask(ctx context.Context, t *types.ActionableTask) (*types.ActionableTask, error) {
	return call[*types.ActionableTask](ctx, r, MethodRegisterActionableTask, TaskArgs{Task: t})
}

// FulfillActionableTask takes the task as the calling participant.
func (r *Remote) FulfillActionableTask(ctx context.Context, t *types.ActionableTask) (FulfillResult, error) {
	return call[FulfillResult](ctx, r, MethodFulfillActionableTask, TaskArgs{Task: t})
}

// UpdateActionableTask sends a newer snapshot of the task.
func (r *Remote) UpdateActionableTask(ctx context.Context, t *types.ActionableTask) (*types.ActionableTask, error) {
	return call[*types.ActionableTask](ctx, r, MethodUpdateActionableTask, TaskArgs{Task: t})
}

// RetrievePendingActionableTasks lists the tasks queued for participant.
func (r *Remote) RetrievePendingActionableTasks(ctx context.Context, participant string) (map[int64]*types.ActionableTask, error) {
	return call[map[int64]*types.ActionableTask](ctx, r, MethodRetrievePendingActionableTasks, ParticipantArgs{Participant: participant})
}

// QueueTask queues the task for its performers.
func (r *Remote) QueueTask(ctx context.Context, t *types.ActionableTask) (types.TaskID, error) {
	res, err := call[QueueResult](ctx, r, MethodQueueTask, TaskArgs{Task: t})
	return res.TaskID, err
}

// GetNextPendingTask takes the next task queued for participant.
func (r *Remote) GetNextPendingTask(ctx context.Context, participant string) (*types.ActionableTask, bool, error) {
	res, err := call[NextResult](ctx, r, MethodGetNextPendingTask, ParticipantArgs{Participant: participant})
	return res.Task, res.Found, err
}

// NotifyTaskStart reports that participant started the task.
func (r *Remote) NotifyTaskStart(ctx context.Context, participant string, id types.TaskID, detail types.FulfillmentDetail) (types.ExecutionControl, error) {
	res, err := call[ControlResult](ctx, r, MethodNotifyTaskStart, StartArgs{Participant: participant, TaskID: id, Detail: detail})
	return res.Control, err
}

// NotifyTaskFinish reports a successful execution.
func (r *Remote) NotifyTaskFinish(ctx context.Context, participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	return r.complete(ctx, MethodNotifyTaskFinish, participant, id, c)
}

// NotifyTaskCancellation reports a cancelled execution.
func (r *Remote) NotifyTaskCancellation(ctx context.Context, participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	return r.complete(ctx, MethodNotifyTaskCancellation, participant, id, c)
}

// NotifyTaskFailure reports a failed execution.
func (r *Remote) NotifyTaskFailure(ctx context.Context, participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	return r.complete(ctx, MethodNotifyTaskFailure, participant, id, c)
}

func (r *Remote) complete(ctx context.Context, method, participant string, id types.TaskID, c task.Completion) (types.ExecutionControl, error) {
	res, err := call[ControlResult](ctx, r, method, CompletionArgs{
		Participant: participant,
		TaskID:      id,
		Detail:      c.Detail,
		Egress:      c.Egress,
		Outcome:     c.Outcome,
		Reason:      c.Reason,
	})
	return res.Control, err
}

// NotifyTaskFinalisation reports the participant's completion summary.
func (r *Remote) NotifyTaskFinalisation(ctx context.Context, participant string, id types.TaskID, summary types.CompletionSummary) (types.ExecutionControl, error) {
	res, err := call[ControlResult](ctx, r, MethodNotifyTaskFinalisation, FinalisationArgs{Participant: participant, TaskID: id, Summary: summary})
	return res.Control, err
}

// Subscribe registers the caller's subscription mask.
func (r *Remote) Subscribe(ctx context.Context, mask types.Mask) error {
	_, err := call[struct{}](ctx, r, MethodSubscribe, SubscribeArgs{Mask: mask})
	return err
}

// Ping checks that the broker answers and returns its identity.
func (r *Remote) Ping(ctx context.Context) (types.ParticipantID, error) {
	return call[types.ParticipantID](ctx, r, MethodPing, nil)
}
