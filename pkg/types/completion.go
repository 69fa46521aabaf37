package types

import "time"

// DownstreamStatus is the progress of a task spawned by another task.
// Statuses are ordered and only ever upgraded.
type DownstreamStatus int

const (
	DownstreamNotBeingFulfilled DownstreamStatus = iota
	DownstreamBeingFulfilled
	DownstreamFinalised
)

// String returns the wire name of the status.
func (s DownstreamStatus) String() string {
	switch s {
	case DownstreamNotBeingFulfilled:
		return "NOT_BEING_FULFILLED"
	case DownstreamBeingFulfilled:
		return "BEING_FULFILLED"
	case DownstreamFinalised:
		return "FINALISED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status by name.
func (s DownstreamStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name. Unknown names decode to
// NOT_BEING_FULFILLED so they can never upgrade an entry.
func (s *DownstreamStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "BEING_FULFILLED":
		*s = DownstreamBeingFulfilled
	case "FINALISED":
		*s = DownstreamFinalised
	default:
		*s = DownstreamNotBeingFulfilled
	}
	return nil
}

// DownstreamEntry records one downstream task of a parent.
type DownstreamEntry struct {
	Status     DownstreamStatus `json:"status"`
	Registered time.Time        `json:"registered"`
	Updated    time.Time        `json:"updated"`
}

// CompletionSummary tracks the fan-out of a task and whether it has been
// finalised.
type CompletionSummary struct {
	Downstream map[TaskID]DownstreamEntry `json:"downstream"`
	End        bool                       `json:"end"`
	Finalised  bool                       `json:"finalised"`
}

// AllDownstreamFinalised reports whether the barrier is satisfied: every
// entry is finalised, or there are no entries and the summary is ended.
func (s *CompletionSummary) AllDownstreamFinalised() bool {
	if s == nil {
		return false
	}
	if len(s.Downstream) == 0 {
		return s.End
	}
	for _, entry := range s.Downstream {
		if entry.Status != DownstreamFinalised {
			return false
		}
	}
	return true
}
