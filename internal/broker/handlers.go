package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"yqhp/taskbus/api/grpc/server"
	"yqhp/taskbus/internal/task"
	"yqhp/taskbus/pkg/codec"
	"yqhp/taskbus/pkg/types"
)

// Remote method names.
const (
	MethodRegisterActionableTask         = "registerActionableTask"
	MethodFulfillActionableTask          = "fulfillActionableTask"
	MethodUpdateActionableTask           = "updateActionableTask"
	MethodRetrievePendingActionableTasks = "retrievePendingActionableTasks"
	MethodQueueTask                      = "queueTask"
	MethodGetNextPendingTask             = "getNextPendingTask"
	MethodNotifyTaskStart                = "notifyTaskStart"
	MethodNotifyTaskFinish               = "notifyTaskFinish"
	MethodNotifyTaskCancellation         = "notifyTaskCancellation"
	MethodNotifyTaskFailure              = "notifyTaskFailure"
	MethodNotifyTaskFinalisation         = "notifyTaskFinalisation"
	MethodSubscribe                      = "subscribe"
	MethodUnsubscribe                    = "unsubscribe"
	MethodPublishParcel                  = "publishParcel"
	MethodDeliverParcel                  = "deliverParcel"
	MethodPing                           = "ping"
)

// TaskArgs carries a task snapshot.
type TaskArgs struct {
	Task *types.ActionableTask `json:"task"`
}

// ParticipantArgs names the participant an operation is scoped to. An
// empty participant means the caller.
type ParticipantArgs struct {
	Participant string `json:"participant,omitempty"`
}

// StartArgs carries a start notification.
type StartArgs struct {
	Participant string                  `json:"participant,omitempty"`
	TaskID      types.TaskID            `json:"taskId"`
	Detail      types.FulfillmentDetail `json:"detail"`
}

// CompletionArgs carries a finish, cancellation or failure notification.
type CompletionArgs struct {
	Participant string                  `json:"participant,omitempty"`
	TaskID      types.TaskID            `json:"taskId"`
	Detail      types.FulfillmentDetail `json:"detail"`
	Egress      types.WorkItem          `json:"egress"`
	Outcome     types.OutcomeStatus     `json:"outcome,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
}

// FinalisationArgs carries a finalisation notification.
type FinalisationArgs struct {
	Participant string                  `json:"participant,omitempty"`
	TaskID      types.TaskID            `json:"taskId"`
	Summary     types.CompletionSummary `json:"summary"`
}

// SubscribeArgs carries a subscription mask.
type SubscribeArgs struct {
	Mask types.Mask `json:"mask"`
}

// FulfillResult is the answer to fulfillActionableTask.
type FulfillResult struct {
	Task    *types.ActionableTask  `json:"task"`
	Control types.ExecutionControl `json:"control"`
}

// NextResult is the answer to getNextPendingTask.
type NextResult struct {
	Task  *types.ActionableTask `json:"task,omitempty"`
	Found bool                  `json:"found"`
}

// QueueResult is the answer to queueTask.
type QueueResult struct {
	TaskID types.TaskID `json:"taskId"`
}

// ControlResult is the answer to every notification.
type ControlResult struct {
	Control types.ExecutionControl `json:"control"`
}

// Registrar accepts remote method handlers.
type Registrar interface {
	Handle(method string, h server.Handler)
}

// RegisterHandlers exposes the broker surface on r.
func (b *Broker) RegisterHandlers(r Registrar) {
	r.Handle(MethodRegisterActionableTask, func(_ context.Context, _ types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[TaskArgs](MethodRegisterActionableTask, raw)
		if err != nil {
			return nil, err
		}
		return b.RegisterActionableTask(args.Task)
	})

	r.Handle(MethodFulfillActionableTask, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[TaskArgs](MethodFulfillActionableTask, raw)
		if err != nil {
			return nil, err
		}
		t, control, err := b.FulfillActionableTask(sender, args.Task)
		if err != nil {
			return nil, err
		}
		return FulfillResult{Task: t, Control: control}, nil
	})

	r.Handle(MethodUpdateActionableTask, func(_ context.Context, _ types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[TaskArgs](MethodUpdateActionableTask, raw)
		if err != nil {
			return nil, err
		}
		return b.UpdateActionableTask(args.Task)
	})

	r.Handle(MethodRetrievePendingActionableTasks, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[ParticipantArgs](MethodRetrievePendingActionableTasks, raw)
		if err != nil {
			return nil, err
		}
		return b.RetrievePendingActionableTasks(scope(args.Participant, sender)), nil
	})

	r.Handle(MethodQueueTask, func(_ context.Context, _ types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[TaskArgs](MethodQueueTask, raw)
		if err != nil {
			return nil, err
		}
		id, err := b.QueueTask(args.Task)
		if err != nil {
			return nil, err
		}
		return QueueResult{TaskID: id}, nil
	})

	r.Handle(MethodGetNextPendingTask, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[ParticipantArgs](MethodGetNextPendingTask, raw)
		if err != nil {
			return nil, err
		}
		t, ok := b.GetNextPendingTask(scope(args.Participant, sender))
		return NextResult{Task: t, Found: ok}, nil
	})

	r.Handle(MethodNotifyTaskStart, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[StartArgs](MethodNotifyTaskStart, raw)
		if err != nil {
			return nil, err
		}
		return control(b.NotifyTaskStart(scope(args.Participant, sender), args.TaskID, args.Detail))
	})

	completions := map[string]func(string, types.TaskID, task.Completion) (types.ExecutionControl, error){
		MethodNotifyTaskFinish:       b.NotifyTaskFinish,
		MethodNotifyTaskCancellation: b.NotifyTaskCancellation,
		MethodNotifyTaskFailure:      b.NotifyTaskFailure,
	}
	for method, notify := range completions {
		method, notify := method, notify
		r.Handle(method, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
			args, err := decode[CompletionArgs](method, raw)
			if err != nil {
				return nil, err
			}
			return control(notify(scope(args.Participant, sender), args.TaskID, task.Completion{
				Detail:  args.Detail,
				Egress:  args.Egress,
				Outcome: args.Outcome,
				Reason:  args.Reason,
			}))
		})
	}

	r.Handle(MethodNotifyTaskFinalisation, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[FinalisationArgs](MethodNotifyTaskFinalisation, raw)
		if err != nil {
			return nil, err
		}
		return control(b.NotifyTaskFinalisation(scope(args.Participant, sender), args.TaskID, args.Summary))
	})

	r.Handle(MethodSubscribe, func(_ context.Context, sender types.ParticipantID, raw json.RawMessage) (any, error) {
		args, err := decode[SubscribeArgs](MethodSubscribe, raw)
		if err != nil {
			return nil, err
		}
		return nil, b.Subscribe(sender, args.Mask)
	})

	r.Handle(MethodUnsubscribe, func(_ context.Context, sender types.ParticipantID, _ json.RawMessage) (any, error) {
		return b.Unsubscribe(sender), nil
	})

	r.Handle(MethodPublishParcel, func(ctx context.Context, _ types.ParticipantID, raw json.RawMessage) (any, error) {
		parcel, err := decode[types.Parcel](MethodPublishParcel, raw)
		if err != nil {
			return nil, err
		}
		return b.Publish(ctx, parcel)
	})

	r.Handle(MethodPing, func(context.Context, types.ParticipantID, json.RawMessage) (any, error) {
		return b.self, nil
	})
}

func decode[T any](method string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	v, err := codec.Decode[T](codec.Default, raw)
	if err != nil {
		return v, fmt.Errorf("decode %s arguments: %w", method, err)
	}
	return v, nil
}

func scope(participant string, sender types.ParticipantID) string {
	if participant != "" {
		return participant
	}
	return sender.Name
}

func control(c types.ExecutionControl, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return ControlResult{Control: c}, nil
}
