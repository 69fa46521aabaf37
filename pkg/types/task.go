package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskID is an opaque task identity.
type TaskID string

// NewTaskID generates an identity from the task reason, the content it
// carries and a random suffix.
func NewTaskID(reason string, content ContentDescriptor) TaskID {
	if reason == "" {
		reason = "task"
	}
	return TaskID(strings.ToLower(reason) + ":" + content.Token() + ":" + uuid.NewString())
}

// TaskIDFromResource derives a stable identity from an external resource id
// or business identifier.
func TaskIDFromResource(resourceID string) TaskID {
	return TaskID("resource:" + resourceID)
}

// TaskState is the lifecycle state of an actionable task.
type TaskState string

const (
	TaskStateRegistered TaskState = "REGISTERED"
	TaskStateQueued     TaskState = "QUEUED"
	TaskStateDispatched TaskState = "DISPATCHED"
	TaskStateRunning    TaskState = "RUNNING"
	TaskStateFinished   TaskState = "FINISHED"
	TaskStateFailed     TaskState = "FAILED"
	TaskStateCancelled  TaskState = "CANCELLED"
	TaskStateFinalised  TaskState = "FINALISED"
)

// IsTerminal reports whether the task has stopped executing. A finalised
// task is also terminal.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateFinished, TaskStateFailed, TaskStateCancelled, TaskStateFinalised:
		return true
	default:
		return false
	}
}

// OutcomeStatus is the business outcome reported for a task.
type OutcomeStatus string

const (
	OutcomeUnknown   OutcomeStatus = "OUTCOME_UNKNOWN"
	OutcomeSuccess   OutcomeStatus = "OUTCOME_SUCCESS"
	OutcomeFailure   OutcomeStatus = "OUTCOME_FAILURE"
	OutcomeCancelled OutcomeStatus = "OUTCOME_CANCELLED"
)

// ActionableTask is a unit of work routed to one or more performers.
type ActionableTask struct {
	ID             TaskID           `json:"id"`
	ParentID       TaskID           `json:"parentId,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	PerformerTypes []string         `json:"performerTypes,omitempty"`
	Ingress        WorkItem         `json:"ingress"`
	Egress         WorkItem         `json:"egress"`
	Outcome        OutcomeStatus    `json:"outcome,omitempty"`
	OutcomeReason  string           `json:"outcomeReason,omitempty"`
	State          TaskState        `json:"state,omitempty"`
	Sequence       int64            `json:"sequence,omitempty"`
	Fulfillment    *FulfillmentCard `json:"fulfillment,omitempty"`
	Created        time.Time        `json:"created"`
	Updated        time.Time        `json:"updated"`
}

// Clone returns a deep copy of the task.
func (t *ActionableTask) Clone() *ActionableTask {
	if t == nil {
		return nil
	}
	c := *t
	c.PerformerTypes = append([]string(nil), t.PerformerTypes...)
	c.Ingress = cloneWorkItem(t.Ingress)
	c.Egress = cloneWorkItem(t.Egress)
	if t.Fulfillment != nil {
		card := *t.Fulfillment
		c.Fulfillment = &card
	}
	return &c
}

// ContentDescriptor returns the descriptor of the first ingress parcel.
func (t *ActionableTask) ContentDescriptor() ContentDescriptor {
	if t == nil || len(t.Ingress.Parcels) == 0 {
		return ContentDescriptor{}
	}
	return t.Ingress.Parcels[0].Manifest.Content
}

func cloneWorkItem(w WorkItem) WorkItem {
	if w.Parcels == nil {
		return WorkItem{}
	}
	parcels := make([]Parcel, len(w.Parcels))
	for i, p := range w.Parcels {
		parcels[i] = Parcel{
			Manifest: p.Manifest,
			Payload:  append([]byte(nil), p.Payload...),
		}
	}
	return WorkItem{Parcels: parcels}
}

// ExecutionStatus is the single-writer status of a fulfillment card.
type ExecutionStatus string

const (
	ExecutionUnregistered ExecutionStatus = "UNREGISTERED"
	ExecutionRegistered   ExecutionStatus = "REGISTERED"
	ExecutionActive       ExecutionStatus = "ACTIVE"
	ExecutionFinished     ExecutionStatus = "FINISHED"
	ExecutionFailed       ExecutionStatus = "FAILED"
	ExecutionCancelled    ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the card has reached a final status.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionFinished || s == ExecutionFailed || s == ExecutionCancelled
}

// FulfillmentCard tracks one participant's execution of one task.
type FulfillmentCard struct {
	TaskID    TaskID          `json:"taskId"`
	Fulfiller ParticipantID   `json:"fulfiller"`
	Status    ExecutionStatus `json:"status"`
	Start     time.Time       `json:"start"`
	Finish    time.Time       `json:"finish,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// FulfillmentDetail accompanies lifecycle notifications from a fulfiller.
type FulfillmentDetail struct {
	Fulfiller ParticipantID `json:"fulfiller"`
	Instant   time.Time     `json:"instant"`
}

// ExecutionControl is the verdict returned to a fulfiller.
type ExecutionControl string

const (
	// ExecutionAllow lets the fulfiller proceed.
	ExecutionAllow ExecutionControl = "ALLOW"
	// ExecutionPause tells the fulfiller to stop and wait.
	ExecutionPause ExecutionControl = "PAUSE"
)
