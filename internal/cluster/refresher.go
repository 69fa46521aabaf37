package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// EventType is the kind of membership change.
type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Event reports one member joining or leaving the view.
type Event struct {
	Type  EventType
	Entry types.ClusterViewEntry
}

// Refresher polls a membership source and replaces the view with what it
// reports.
type Refresher struct {
	view       *View
	membership Membership
	interval   time.Duration

	subscribers []chan *Event
	subMu       sync.RWMutex

	refreshMu sync.Mutex
	failures  atomic.Int64
}

// NewRefresher creates a refresher for view.
func NewRefresher(view *View, membership Membership, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Refresher{
		view:        view,
		membership:  membership,
		interval:    interval,
		subscribers: make([]chan *Event, 0),
	}
}

// Refresh reads the membership once, replaces the view and notifies
// watchers of every join and leave.
func (r *Refresher) Refresh(ctx context.Context) error {
	addresses, err := r.membership.Members(ctx)
	if err != nil {
		r.failures.Add(1)
		return fmt.Errorf("refresh cluster view: %w", err)
	}

	r.refreshMu.Lock()
	prev := r.view.Entries()
	rejected := r.view.Replace(addresses)
	next := r.view.Entries()
	r.refreshMu.Unlock()

	for _, addr := range rejected {
		logger.Warn("ignoring malformed member address", zap.String("address", addr))
	}

	joined, left := diff(prev, next)
	for _, e := range joined {
		logger.Debug("cluster member joined", zap.String("address", e.Address))
		r.notifyEvent(&Event{Type: EventJoined, Entry: e})
	}
	for _, e := range left {
		logger.Debug("cluster member left", zap.String("address", e.Address))
		r.notifyEvent(&Event{Type: EventLeft, Entry: e})
	}
	return nil
}

// Run refreshes the view every interval until ctx is done. Failed refreshes
// keep the previous view.
func (r *Refresher) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		logger.Warn("initial cluster refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("cluster refresh failed", zap.Error(err))
			}
		}
	}
}

// Failures returns the number of failed refreshes.
func (r *Refresher) Failures() int64 {
	return r.failures.Load()
}

// Watch returns a channel of membership events that is closed when ctx is
// done. Events are dropped for watchers that fall behind.
func (r *Refresher) Watch(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 100)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()

	return ch
}

func (r *Refresher) notifyEvent(event *Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (r *Refresher) removeSubscriber(ch chan *Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}
