package matching

import (
	"sort"
	"sync"
	"sync/atomic"

	"yqhp/taskbus/pkg/types"
)

// Subscription binds a subscriber to the mask it registered.
type Subscription struct {
	Subscriber types.ParticipantID
	Mask       types.Mask
}

// SubscriptionTable holds the current mask of every subscriber. Subscribers
// are identified by subsystem, name and version; a new workshop replaces the
// old entry.
//
// Readers load an immutable snapshot; writers copy the snapshot, apply their
// change and swap it in, so a mask is always replaced wholesale.
type SubscriptionTable struct {
	snapshot atomic.Pointer[map[string]Subscription]
	writeMu  sync.Mutex
}

// NewSubscriptionTable creates an empty subscription table.
func NewSubscriptionTable() *SubscriptionTable {
	t := &SubscriptionTable{}
	empty := make(map[string]Subscription)
	t.snapshot.Store(&empty)
	return t
}

// Subscribe registers or replaces the mask of a subscriber.
func (t *SubscriptionTable) Subscribe(subscriber types.ParticipantID, mask types.Mask) error {
	if err := ValidateMask(&mask); err != nil {
		return err
	}
	if mask.InternallyDistributable != nil {
		flag := *mask.InternallyDistributable
		mask.InternallyDistributable = &flag
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	current := *t.snapshot.Load()
	next := make(map[string]Subscription, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[subscriber.Key()] = Subscription{Subscriber: subscriber, Mask: mask}
	t.snapshot.Store(&next)
	return nil
}

// Unsubscribe removes a subscriber. It reports whether the subscriber was present.
func (t *SubscriptionTable) Unsubscribe(subscriber types.ParticipantID) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	current := *t.snapshot.Load()
	key := subscriber.Key()
	if _, ok := current[key]; !ok {
		return false
	}
	next := make(map[string]Subscription, len(current))
	for k, v := range current {
		if k != key {
			next[k] = v
		}
	}
	t.snapshot.Store(&next)
	return true
}

// Get returns the subscription of a subscriber.
func (t *SubscriptionTable) Get(subscriber types.ParticipantID) (Subscription, bool) {
	sub, ok := (*t.snapshot.Load())[subscriber.Key()]
	return sub, ok
}

// Subscribers returns the subscribers whose mask matches the manifest,
// ordered by full name and version.
func (t *SubscriptionTable) Subscribers(manifest *types.Manifest) []types.ParticipantID {
	current := *t.snapshot.Load()

	result := make([]types.ParticipantID, 0)
	for _, sub := range current {
		mask := sub.Mask
		if Matches(&mask, manifest) {
			result = append(result, sub.Subscriber)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if a, b := result[i].FullName(), result[j].FullName(); a != b {
			return a < b
		}
		return result[i].Version < result[j].Version
	})
	return result
}

// Len returns the number of subscribers.
func (t *SubscriptionTable) Len() int {
	return len(*t.snapshot.Load())
}
