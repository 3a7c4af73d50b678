package failurelog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBusSize = 1024

type RouterOptions struct {
	Log      *Log
	Badges   *BadgeSynchronizer
	Tabs     TabTracker
	Notifier *Broadcaster
	Logger   Logger
	Debug    bool
	BusSize  int
	Now      func() time.Time
}

// Router is the sole consumer of the event bus. Platform sources and
// inspection surfaces only ever Submit; Run applies events one at a time in
// the order they were accepted.
type Router struct {
	log      *Log
	badges   *BadgeSynchronizer
	tabs     TabTracker
	notifier *Broadcaster
	logger   Logger
	debug    bool
	now      func() time.Time

	events   chan Event
	running  atomic.Bool
	admitMu  sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	handled   atomic.Uint64
	discarded atomic.Uint64
}

func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Log == nil {
		return nil, errors.New("failure log is required")
	}
	badges := opts.Badges
	if badges == nil {
		badges = NewBadgeSynchronizer(opts.Log, NewBadgeBoard(opts.Notifier))
	}
	tabs := opts.Tabs
	if tabs == nil {
		tabs = NewActiveTabs()
	}
	busSize := opts.BusSize
	if busSize <= 0 {
		busSize = defaultBusSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		log:      opts.Log,
		badges:   badges,
		tabs:     tabs,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		debug:    opts.Debug,
		now:      now,
		events:   make(chan Event, busSize),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

func (r *Router) Tabs() TabTracker {
	return r.tabs
}

func (r *Router) Log() *Log {
	return r.log
}

func (r *Router) Notifier() *Broadcaster {
	return r.notifier
}

func (r *Router) Handled() uint64 {
	return r.handled.Load()
}

func (r *Router) Discarded() uint64 {
	return r.discarded.Load()
}

// Submit places an event on the bus. Network failures that no tab caused
// are discarded here and reported with ErrNotAttributable.
func (r *Router) Submit(ctx context.Context, event Event) error {
	if event == nil {
		return ErrInvalidInput
	}
	if failure, ok := event.(NetworkFailureEvent); ok && !failure.Attributable() {
		r.discarded.Add(1)
		return ErrNotAttributable
	}
	r.admitMu.RLock()
	defer r.admitMu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.events <- event:
		return nil
	case <-r.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) Clear(ctx context.Context) (Response, error) {
	reply := make(chan Response, 1)
	if err := r.Submit(ctx, clearRequest{reply: reply}); err != nil {
		return Response{}, err
	}
	return r.await(ctx, reply)
}

func (r *Router) Remove(ctx context.Context, id string) (Response, error) {
	if id == "" {
		return Response{}, ErrInvalidInput
	}
	reply := make(chan Response, 1)
	if err := r.Submit(ctx, removeRequest{id: id, reply: reply}); err != nil {
		return Response{}, err
	}
	return r.await(ctx, reply)
}

// HandleMessage serves the runtime message protocol used by surfaces.
func (r *Router) HandleMessage(ctx context.Context, msg Message) (Response, error) {
	switch msg.Type {
	case MessageClearFailures:
		return r.Clear(ctx)
	case MessageRemoveFailure:
		return r.Remove(ctx, msg.ID)
	default:
		return Response{}, ErrInvalidInput
	}
}

func (r *Router) await(ctx context.Context, reply <-chan Response) (Response, error) {
	select {
	case resp := <-reply:
		return resp, nil
	case <-r.stopped:
		// the request may have been answered just before the router stopped
		select {
		case resp := <-reply:
			return resp, nil
		default:
			return Response{}, ErrClosed
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Run consumes the bus until ctx ends. It must be called once. When ctx
// ends, Run stops admitting events and handles everything already on the
// bus before it returns.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("router already running")
	}
	defer r.stopOnce.Do(func() { close(r.stopped) })
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(work)
			return ctx.Err()
		case event := <-r.events:
			r.handle(work, event)
			r.handled.Add(1)
		}
	}
}

func (r *Router) drain(ctx context.Context) {
	close(r.stopping)
	r.admitMu.Lock()
	r.closed = true
	r.admitMu.Unlock()
	for {
		select {
		case event := <-r.events:
			r.handle(ctx, event)
			r.handled.Add(1)
		default:
			return
		}
	}
}

func (r *Router) handle(ctx context.Context, event Event) {
	switch e := event.(type) {
	case NetworkFailureEvent:
		r.onNetworkFailure(ctx, e)
	case TabActivatedEvent:
		r.tabs.SetActive(e.TabID)
		r.refresh(ctx, e.TabID)
	case TabUpdatedEvent:
		r.onTabUpdated(ctx, e)
	case TabRemovedEvent:
		r.tabs.Forget(e.TabID)
	case StartupEvent:
		if e.ActiveTabID != nil {
			r.tabs.SetActive(*e.ActiveTabID)
		}
		r.refreshActive(ctx)
	case ExternalChangeEvent:
		r.refreshActive(ctx)
		r.notifier.Publish(Notification{Type: NotificationLogChanged})
	case clearRequest:
		e.reply <- r.onClear(ctx)
	case removeRequest:
		e.reply <- r.onRemove(ctx, e.id)
	default:
		r.debugf("router: ignoring unknown event %T", event)
	}
}

func (r *Router) onNetworkFailure(ctx context.Context, event NetworkFailureEvent) {
	record, err := NewFailureRecord(event, r.now())
	if err != nil {
		r.discarded.Add(1)
		return
	}
	stored, err := r.log.Append(ctx, record)
	if err != nil {
		r.debugf("router: append failed for tab %d: %v", record.TabID, err)
		return
	}
	r.refreshActive(ctx)
	r.notifier.Publish(Notification{Type: NotificationNewFailure, Record: &stored})
}

func (r *Router) onTabUpdated(ctx context.Context, event TabUpdatedEvent) {
	if event.Status != TabStatusComplete {
		return
	}
	active, known := r.tabs.ActiveTab()
	if !event.Active && (!known || active != event.TabID) {
		return
	}
	if event.Active {
		r.tabs.SetActive(event.TabID)
	}
	r.refresh(ctx, event.TabID)
}

func (r *Router) onClear(ctx context.Context) Response {
	if err := r.log.Clear(ctx); err != nil {
		r.debugf("router: clear failed: %v", err)
		r.refreshActive(ctx)
		return Response{OK: false, Error: err.Error()}
	}
	r.refreshActive(ctx)
	r.notifier.Publish(Notification{Type: NotificationCleared})
	return Response{OK: true}
}

func (r *Router) onRemove(ctx context.Context, id string) Response {
	if err := r.log.RemoveByID(ctx, id); err != nil {
		r.debugf("router: remove %s failed: %v", id, err)
		r.refreshActive(ctx)
		return Response{OK: false, Error: err.Error()}
	}
	r.refreshActive(ctx)
	r.notifier.Publish(Notification{Type: NotificationFailureRemoved, ID: id})
	return Response{OK: true}
}

func (r *Router) refresh(ctx context.Context, tabID int) {
	if tabID < 0 {
		return
	}
	if _, err := r.badges.Refresh(ctx, tabID); err != nil {
		r.debugf("router: badge refresh for tab %d failed: %v", tabID, err)
	}
}

func (r *Router) refreshActive(ctx context.Context) {
	if _, _, err := r.badges.RefreshActive(ctx, r.tabs); err != nil {
		r.debugf("router: badge refresh for active tab failed: %v", err)
	}
}

func (r *Router) debugf(format string, args ...any) {
	if r.logger == nil || !r.debug {
		return
	}
	r.logger.Printf(format, args...)
}
