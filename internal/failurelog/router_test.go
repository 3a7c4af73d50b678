package failurelog

import (
	"context"
	"errors"
	"testing"
	"time"
)

type routerHarness struct {
	log      *Log
	board    *BadgeBoard
	notifier *Broadcaster
	router   *Router
	cancel   context.CancelFunc
	done     chan error
}

func newRouterHarness(t *testing.T, backend StateBackend) *routerHarness {
	t.Helper()
	log := NewLog(LogOptions{Backend: backend})
	notifier := NewBroadcaster(128)
	board := NewBadgeBoard(notifier)
	router, err := NewRouter(RouterOptions{
		Log:      log,
		Badges:   NewBadgeSynchronizer(log, board),
		Notifier: notifier,
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("new router failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &routerHarness{log: log, board: board, notifier: notifier, router: router, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- router.Run(ctx) }()
	t.Cleanup(func() {
		h.stop()
		_ = log.Close()
	})
	return h
}

func (h *routerHarness) stop() {
	h.cancel()
	<-h.router.stopped
}

func (h *routerHarness) submit(t *testing.T, event Event) {
	t.Helper()
	if err := h.router.Submit(context.Background(), event); err != nil {
		t.Fatalf("submit %T failed: %v", event, err)
	}
}

// barrier waits until every event submitted before it has been handled.
func (h *routerHarness) barrier(t *testing.T) {
	t.Helper()
	resp, err := h.router.Remove(context.Background(), "barrier")
	if err != nil || !resp.OK {
		t.Fatalf("barrier failed: resp=%+v err=%v", resp, err)
	}
}

func (h *routerHarness) badge(t *testing.T, tabID int) BadgeState {
	t.Helper()
	state, ok := h.board.Badge(tabID)
	if !ok {
		t.Fatalf("expected a badge for tab %d", tabID)
	}
	return state
}

func failureOn(tabID int, url string) NetworkFailureEvent {
	return NetworkFailureEvent{URL: url, Method: "GET", ResourceType: "xmlhttprequest", TabID: intPtr(tabID), Error: "net::ERR_CONNECTION_RESET"}
}

func TestRouterRecordsFailureAndRefreshesActiveBadge(t *testing.T) {
	h := newRouterHarness(t, nil)
	sub := h.notifier.Subscribe()
	defer sub.Close()

	h.submit(t, TabActivatedEvent{TabID: 1})
	h.submit(t, failureOn(1, "https://example.test/a"))
	h.submit(t, failureOn(1, "https://example.test/b"))
	h.submit(t, failureOn(2, "https://example.test/c"))
	h.barrier(t)

	if got := h.badge(t, 1); got.Count != 2 || got.Kind != BadgeFailing {
		t.Fatalf("expected failing badge with 2 for tab 1, got %+v", got)
	}
	if _, ok := h.board.Badge(2); ok {
		t.Fatalf("background tab 2 should not have been rendered")
	}

	var newFailures int
	for {
		select {
		case n := <-sub.C:
			if n.Type == NotificationNewFailure {
				newFailures++
				if n.Record == nil || n.Record.ID == "" {
					t.Fatalf("expected stored record on notification, got %+v", n)
				}
			}
			continue
		default:
		}
		break
	}
	if newFailures != 3 {
		t.Fatalf("expected 3 new-failure notifications, got %d", newFailures)
	}

	h.submit(t, TabActivatedEvent{TabID: 2})
	h.barrier(t)
	if got := h.badge(t, 2); got.Count != 1 {
		t.Fatalf("expected tab 2 badge count 1 after activation, got %+v", got)
	}
}

func TestRouterDiscardsUnattributedFailures(t *testing.T) {
	h := newRouterHarness(t, nil)
	h.submit(t, TabActivatedEvent{TabID: 4})
	h.barrier(t)
	before := h.board.Renders()

	err := h.router.Submit(context.Background(), NetworkFailureEvent{URL: "https://example.test/sw.js", TabID: intPtr(-1)})
	if !errors.Is(err, ErrNotAttributable) {
		t.Fatalf("expected ErrNotAttributable, got %v", err)
	}
	if err := h.router.Submit(context.Background(), NetworkFailureEvent{URL: "https://example.test/bg"}); !errors.Is(err, ErrNotAttributable) {
		t.Fatalf("expected ErrNotAttributable for missing tab, got %v", err)
	}
	if got := h.board.Renders(); got != before {
		t.Fatalf("discarded failures must not render, renders went %d -> %d", before, got)
	}
	h.barrier(t)
	// the barrier itself refreshes the active tab once
	if got := h.board.Renders(); got != before+1 {
		t.Fatalf("expected only the barrier render, renders went %d -> %d", before, got)
	}
	if h.router.Discarded() != 2 {
		t.Fatalf("expected 2 discarded events, got %d", h.router.Discarded())
	}
	records, _ := h.log.List(context.Background())
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}
	if got := h.badge(t, 4); got.Kind != BadgeOK {
		t.Fatalf("expected ok badge for tab 4, got %+v", got)
	}
}

func TestRouterTabUpdatedOnlyWhenCompleteAndActive(t *testing.T) {
	h := newRouterHarness(t, nil)
	h.submit(t, failureOn(3, "https://example.test/x"))
	h.submit(t, TabUpdatedEvent{TabID: 3, Status: "loading", Active: true})
	h.barrier(t)
	if _, ok := h.board.Badge(3); ok {
		t.Fatalf("loading update must not render")
	}

	h.submit(t, TabUpdatedEvent{TabID: 3, Status: TabStatusComplete})
	h.barrier(t)
	if _, ok := h.board.Badge(3); ok {
		t.Fatalf("complete update on inactive tab must not render")
	}

	h.submit(t, TabUpdatedEvent{TabID: 3, Status: TabStatusComplete, Active: true})
	h.barrier(t)
	if got := h.badge(t, 3); got.Count != 1 {
		t.Fatalf("expected badge count 1 for tab 3, got %+v", got)
	}
	if active, ok := h.router.Tabs().ActiveTab(); !ok || active != 3 {
		t.Fatalf("expected tab 3 to become active, got %d ok=%v", active, ok)
	}
}

func TestRouterClearAndRemoveRequests(t *testing.T) {
	h := newRouterHarness(t, nil)
	h.submit(t, StartupEvent{Reason: "install", ActiveTabID: intPtr(5)})
	h.submit(t, failureOn(5, "https://example.test/1"))
	h.submit(t, failureOn(5, "https://example.test/2"))
	h.barrier(t)

	records, err := h.log.QueryByTab(context.Background(), 5)
	if err != nil || len(records) != 2 {
		t.Fatalf("expected 2 records for tab 5, got %d err=%v", len(records), err)
	}

	resp, err := h.router.HandleMessage(context.Background(), Message{Type: MessageRemoveFailure, ID: records[0].ID})
	if err != nil || !resp.OK {
		t.Fatalf("remove failed: resp=%+v err=%v", resp, err)
	}
	if got := h.badge(t, 5); got.Count != 1 {
		t.Fatalf("expected badge 1 after remove, got %+v", got)
	}

	resp, err = h.router.HandleMessage(context.Background(), Message{Type: MessageClearFailures})
	if err != nil || !resp.OK {
		t.Fatalf("clear failed: resp=%+v err=%v", resp, err)
	}
	if got := h.badge(t, 5); got.Kind != BadgeOK {
		t.Fatalf("expected ok badge after clear, got %+v", got)
	}

	if _, err := h.router.HandleMessage(context.Background(), Message{Type: "bogus"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown message, got %v", err)
	}
}

func TestRouterReportsStorageFailureToCaller(t *testing.T) {
	h := newRouterHarness(t, &failingStateBackend{saveErr: errors.New("quota exceeded")})
	resp, err := h.router.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear request failed: %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Fatalf("expected failed response with error, got %+v", resp)
	}
}

func TestRouterSubmitAfterStop(t *testing.T) {
	h := newRouterHarness(t, nil)
	h.stop()
	if err := h.router.Submit(context.Background(), TabActivatedEvent{TabID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after stop, got %v", err)
	}
	if err := <-h.done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected run to end with context canceled, got %v", err)
	}
	if err := h.router.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestRouterHandlesAdmittedEventsAfterCancel(t *testing.T) {
	log := NewLog(LogOptions{})
	t.Cleanup(func() { _ = log.Close() })
	router, err := NewRouter(RouterOptions{Log: log, Notifier: NewBroadcaster(8)})
	if err != nil {
		t.Fatalf("new router failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := router.Submit(context.Background(), failureOn(1, "https://example.test/q")); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}
	reply := make(chan Response, 1)
	if err := router.Submit(context.Background(), removeRequest{id: "missing", reply: reply}); err != nil {
		t.Fatalf("submit remove failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := router.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	records, err := log.QueryByTab(context.Background(), 1)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 50 {
		t.Fatalf("expected all 50 admitted failures stored, got %d", len(records))
	}
	if router.Handled() != 51 {
		t.Fatalf("expected 51 handled events, got %d", router.Handled())
	}
	select {
	case resp := <-reply:
		if !resp.OK {
			t.Fatalf("expected ok reply for pending remove, got %+v", resp)
		}
	default:
		t.Fatalf("pending remove was never answered")
	}
	if err := router.Submit(context.Background(), TabActivatedEvent{TabID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}
