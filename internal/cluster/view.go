package cluster

import (
	"sort"
	"sync"

	"yqhp/taskbus/pkg/types"
)

// View is the current set of reachable cluster members. Each refresh
// replaces the whole snapshot; readers never see a partial update.
type View struct {
	mu       sync.RWMutex
	snapshot []types.ClusterViewEntry
}

// NewView creates an empty view.
func NewView() *View {
	return &View{}
}

// Replace swaps in the members described by the addresses. Addresses that
// cannot be parsed are skipped and returned. Duplicates collapse to one
// entry.
func (v *View) Replace(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	next := make([]types.ClusterViewEntry, 0, len(addresses))
	var rejected []string
	for _, addr := range addresses {
		entry, ok := ParseAddress(addr)
		if !ok {
			rejected = append(rejected, addr)
			continue
		}
		if _, dup := seen[entry.Address]; dup {
			continue
		}
		seen[entry.Address] = struct{}{}
		next = append(next, entry)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Address < next[j].Address })

	v.mu.Lock()
	v.snapshot = next
	v.mu.Unlock()
	return rejected
}

// Entries returns a copy of the current snapshot.
func (v *View) Entries() []types.ClusterViewEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.ClusterViewEntry, len(v.snapshot))
	copy(out, v.snapshot)
	return out
}

// Len returns the number of members in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.snapshot)
}

// Resolve returns the first member serving the function tag for the
// service. A miss means the service is currently unreachable.
func (v *View) Resolve(service string, tag types.FunctionTag) (types.ClusterViewEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, entry := range v.snapshot {
		if entry.ServiceName == service && entry.Serves(tag) {
			return entry, true
		}
	}
	return types.ClusterViewEntry{}, false
}

// ResolveAll returns every member serving the function tag for the service.
func (v *View) ResolveAll(service string, tag types.FunctionTag) []types.ClusterViewEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []types.ClusterViewEntry
	for _, entry := range v.snapshot {
		if entry.ServiceName == service && entry.Serves(tag) {
			out = append(out, entry)
		}
	}
	return out
}

// diff reports the addresses present in next but not prev and vice versa.
func diff(prev, next []types.ClusterViewEntry) (joined, left []types.ClusterViewEntry) {
	before := make(map[string]struct{}, len(prev))
	for _, e := range prev {
		before[e.Address] = struct{}{}
	}
	after := make(map[string]struct{}, len(next))
	for _, e := range next {
		after[e.Address] = struct{}{}
		if _, ok := before[e.Address]; !ok {
			joined = append(joined, e)
		}
	}
	for _, e := range prev {
		if _, ok := after[e.Address]; !ok {
			left = append(left, e)
		}
	}
	return joined, left
}
