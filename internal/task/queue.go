package task

import (
	"sync"

	"yqhp/taskbus/pkg/types"
)

// performerQueue is the FIFO of task identities addressed to one performer.
type performerQueue struct {
	mu    sync.Mutex
	items []types.TaskID
}

func (q *performerQueue) push(id types.TaskID) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
}

func (q *performerQueue) pop() (types.TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return id, true
}

func (q *performerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// performerQueues maps performer names to their queues. The map lock only
// guards queue creation; each queue has its own lock.
type performerQueues struct {
	mu     sync.RWMutex
	queues map[string]*performerQueue
}

func newPerformerQueues() *performerQueues {
	return &performerQueues{queues: make(map[string]*performerQueue)}
}

func (p *performerQueues) get(performer string, create bool) *performerQueue {
	p.mu.RLock()
	q, ok := p.queues[performer]
	p.mu.RUnlock()
	if ok || !create {
		return q
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok = p.queues[performer]; ok {
		return q
	}
	q = &performerQueue{}
	p.queues[performer] = q
	return q
}

func (p *performerQueues) push(id types.TaskID, performers []string) {
	for _, performer := range performers {
		p.get(performer, true).push(id)
	}
}

func (p *performerQueues) pop(performer string) (types.TaskID, bool) {
	q := p.get(performer, false)
	if q == nil {
		return "", false
	}
	return q.pop()
}

func (p *performerQueues) depth(performer string) int {
	q := p.get(performer, false)
	if q == nil {
		return 0
	}
	return q.len()
}
