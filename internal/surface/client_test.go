package surface

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/httpapi"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/failures" || r.URL.Query().Get("tabId") != "3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tabId":3,"failedRequests":[{"id":"1-abcdef","tabId":3,"url":"https://example.test/"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	records, err := client.TabFailures(context.Background(), 3)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(records) != 1 || records[0].ID != "1-abcdef" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReturnsHTTPErrorWithoutRetryOn4xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"missing required scope: failures:read"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Status(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("expected forbidden HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retry on 403, got %d calls", calls)
	}
}

func TestHTTPClientReportsRejectedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"storage write: quota exceeded"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	err := client.Clear(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Type != failurelog.MessageClearFailures {
		t.Fatalf("expected RequestError for clear, got %v", err)
	}
	if err := client.Remove(context.Background(), " "); !errors.Is(err, failurelog.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank id, got %v", err)
	}
}

func TestRetryDelayHonorsRetryAfterAndCap(t *testing.T) {
	client := NewHTTPClient("http://example.test", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != client.maxDelay {
		t.Fatalf("expected Retry-After to be capped at %s, got %s", client.maxDelay, got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff of 400ms, got %s", got)
	}
	if client.streamURL() != "ws://example.test/v1/stream" {
		t.Fatalf("unexpected stream url %s", client.streamURL())
	}
}

type liveEngine struct {
	router   *failurelog.Router
	notifier *failurelog.Broadcaster
	client   *HTTPClient
}

func newLiveEngine(t *testing.T) *liveEngine {
	t.Helper()
	log := failurelog.NewLog(failurelog.LogOptions{})
	notifier := failurelog.NewBroadcaster(64)
	router, err := failurelog.NewRouter(failurelog.RouterOptions{Log: log, Notifier: notifier})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = router.Run(ctx)
	}()
	server := httptest.NewServer(httpapi.NewServer(router))
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		_ = log.Close()
	})
	token, err := httpapi.IssueToken("dev-secret", "surface-test",
		[]string{httpapi.ScopeFailuresRead, httpapi.ScopeFailuresWrite}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &liveEngine{router: router, notifier: notifier, client: NewHTTPClient(server.URL, token, server.Client())}
}

func (e *liveEngine) fail(t *testing.T, tabID int, url string) {
	t.Helper()
	if err := e.router.Submit(context.Background(), failurelog.NetworkFailureEvent{URL: url, Method: "GET", TabID: &tabID}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestHTTPClientAgainstEngine(t *testing.T) {
	engine := newLiveEngine(t)
	ctx := context.Background()
	engine.fail(t, 1, "https://example.test/a")
	engine.fail(t, 1, "https://example.test/b")
	engine.fail(t, 2, "https://example.test/c")
	// remove of an unknown id is answered in order, after the failures above
	if err := engine.client.Remove(ctx, "unknown"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}

	all, err := engine.client.ListFailures(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 failures, got %d err=%v", len(all), err)
	}
	badge, err := engine.client.Badge(ctx, 1)
	if err != nil || badge.Count != 2 || badge.Kind != failurelog.BadgeFailing {
		t.Fatalf("unexpected badge %+v err=%v", badge, err)
	}
	if err := engine.client.Remove(ctx, all[0].ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	status, err := engine.client.Status(ctx)
	if err != nil || status.Records != 2 {
		t.Fatalf("expected 2 records in status, got %+v err=%v", status, err)
	}
	if err := engine.client.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tab1, err := engine.client.TabFailures(ctx, 1)
	if err != nil || len(tab1) != 0 {
		t.Fatalf("expected empty tab after clear, got %d err=%v", len(tab1), err)
	}
}

func TestStreamDeliversNotifications(t *testing.T) {
	engine := newLiveEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("seen")
	result := make(chan error, 1)
	var got failurelog.Notification
	go func() {
		result <- engine.client.Stream(ctx, func(n failurelog.Notification) error {
			if n.Type != failurelog.NotificationNewFailure {
				return nil
			}
			got = n
			return stop
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for engine.notifier.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.fail(t, 8, "https://example.test/stream")

	if err := <-result; !errors.Is(err, stop) {
		t.Fatalf("expected handler error to end the stream, got %v", err)
	}
	if got.Record == nil || got.Record.TabID != 8 {
		t.Fatalf("unexpected notification %+v", got)
	}
}
