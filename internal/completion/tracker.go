// Package completion tracks the downstream tasks spawned by a parent task
// and decides when the parent may be finalised.
package completion

import (
	"sort"
	"sync"
	"time"

	"yqhp/taskbus/pkg/types"
)

type record struct {
	mu      sync.Mutex
	summary types.CompletionSummary
}

func (r *record) copySummary() types.CompletionSummary {
	out := types.CompletionSummary{
		Downstream: make(map[types.TaskID]types.DownstreamEntry, len(r.summary.Downstream)),
		End:        r.summary.End,
		Finalised:  r.summary.Finalised,
	}
	for id, entry := range r.summary.Downstream {
		out.Downstream[id] = entry
	}
	return out
}

// upgrade raises the status of a child and never lowers it. Missing
// children are registered on the way unless the parent is finalised.
func (r *record) upgrade(child types.TaskID, status types.DownstreamStatus, now time.Time) bool {
	entry, ok := r.summary.Downstream[child]
	if !ok && r.summary.Finalised {
		return false
	}
	if !ok {
		entry = types.DownstreamEntry{Status: types.DownstreamNotBeingFulfilled, Registered: now}
	}
	if ok && status <= entry.Status {
		return false
	}
	if status > entry.Status {
		entry.Status = status
	}
	entry.Updated = now
	r.summary.Downstream[child] = entry
	return true
}

// Tracker holds one completion summary per parent task. Summaries are
// locked individually.
type Tracker struct {
	records sync.Map // types.TaskID -> *record
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// NewTrackerWithClock creates a tracker reading time from now.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	t := NewTracker()
	if now != nil {
		t.now = now
	}
	return t
}

func (t *Tracker) get(parent types.TaskID) *record {
	v, _ := t.records.LoadOrStore(parent, &record{
		summary: types.CompletionSummary{Downstream: make(map[types.TaskID]types.DownstreamEntry)},
	})
	return v.(*record)
}

func (t *Tracker) lookup(parent types.TaskID) (*record, bool) {
	v, ok := t.records.Load(parent)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// AddDownstream starts tracking child under parent. Tracking a child twice
// is a no-op and a finalised parent accepts no children. It reports whether
// the child was added.
func (t *Tracker) AddDownstream(parent, child types.TaskID) bool {
	r := t.get(parent)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.summary.Finalised {
		return false
	}
	if _, ok := r.summary.Downstream[child]; ok {
		return false
	}
	now := t.now()
	r.summary.Downstream[child] = types.DownstreamEntry{
		Status:     types.DownstreamNotBeingFulfilled,
		Registered: now,
		Updated:    now,
	}
	return true
}

// NotifyBeingFulfilled upgrades the child to BEING_FULFILLED. A child that
// is already finalised keeps its status.
func (t *Tracker) NotifyBeingFulfilled(parent, child types.TaskID) bool {
	r := t.get(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgrade(child, types.DownstreamBeingFulfilled, t.now())
}

// NotifyFinalised upgrades the child to FINALISED.
func (t *Tracker) NotifyFinalised(parent, child types.TaskID) bool {
	r := t.get(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgrade(child, types.DownstreamFinalised, t.now())
}

// MarkEnd records that the parent will spawn no further downstream tasks.
func (t *Tracker) MarkEnd(parent types.TaskID) {
	r := t.get(parent)
	r.mu.Lock()
	r.summary.End = true
	r.mu.Unlock()
}

// Merge applies a summary reported by a participant. Every reported entry
// is applied upgrade-only and the end flag can only be set, never cleared.
// The reported finalised flag is ignored; only Finalise sets it.
func (t *Tracker) Merge(parent types.TaskID, reported types.CompletionSummary) {
	r := t.get(parent)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := t.now()
	for child, entry := range reported.Downstream {
		if _, ok := r.summary.Downstream[child]; !ok && !r.summary.Finalised {
			registered := entry.Registered
			if registered.IsZero() {
				registered = now
			}
			r.summary.Downstream[child] = types.DownstreamEntry{
				Status:     types.DownstreamNotBeingFulfilled,
				Registered: registered,
				Updated:    now,
			}
		}
		r.upgrade(child, entry.Status, now)
	}
	if reported.End {
		r.summary.End = true
	}
}

// IsFullyFinalised reports whether every tracked child is FINALISED, or no
// child is tracked and the parent has been marked ended. Unknown parents are
// not finalised.
func (t *Tracker) IsFullyFinalised(parent types.TaskID) bool {
	r, ok := t.lookup(parent)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.AllDownstreamFinalised()
}

// Finalise sets the parent's finalised flag when the barrier holds. It
// reports whether the parent is finalised afterwards.
func (t *Tracker) Finalise(parent types.TaskID) bool {
	r, ok := t.lookup(parent)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary.Finalised {
		return true
	}
	if !r.summary.AllDownstreamFinalised() {
		return false
	}
	r.summary.Finalised = true
	return true
}

// IsFinalised reports whether the parent's finalised flag is set.
func (t *Tracker) IsFinalised(parent types.TaskID) bool {
	r, ok := t.lookup(parent)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Finalised
}

// Summary returns a copy of the parent's summary.
func (t *Tracker) Summary(parent types.TaskID) (types.CompletionSummary, bool) {
	r, ok := t.lookup(parent)
	if !ok {
		return types.CompletionSummary{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copySummary(), true
}

// Stall describes a parent whose barrier has not closed in time.
type Stall struct {
	Parent  types.TaskID   `json:"parent"`
	Waiting []types.TaskID `json:"waiting"`
	Oldest  time.Time      `json:"oldest"`
}

// Stalled lists unfinalised parents holding children that have not reached
// FINALISED within the timeout. Stalls are reported only; nothing is forced.
func (t *Tracker) Stalled(timeout time.Duration) []Stall {
	cutoff := t.now().Add(-timeout)
	var stalls []Stall
	t.records.Range(func(key, value any) bool {
		r := value.(*record)
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.summary.Finalised {
			return true
		}

		stall := Stall{Parent: key.(types.TaskID)}
		for child, entry := range r.summary.Downstream {
			if entry.Status == types.DownstreamFinalised || !entry.Registered.Before(cutoff) {
				continue
			}
			stall.Waiting = append(stall.Waiting, child)
			if stall.Oldest.IsZero() || entry.Registered.Before(stall.Oldest) {
				stall.Oldest = entry.Registered
			}
		}
		if len(stall.Waiting) > 0 {
			sort.Slice(stall.Waiting, func(i, j int) bool { return stall.Waiting[i] < stall.Waiting[j] })
			stalls = append(stalls, stall)
		}
		return true
	})
	sort.Slice(stalls, func(i, j int) bool { return stalls[i].Parent < stalls[j].Parent })
	return stalls
}

// Retire drops the parent's summary.
func (t *Tracker) Retire(parent types.TaskID) {
	t.records.Delete(parent)
}

// Len returns the number of tracked parents.
func (t *Tracker) Len() int {
	n := 0
	t.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
