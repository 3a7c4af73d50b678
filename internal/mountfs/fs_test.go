package mountfs

import (
	"context"
	"encoding/json"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/httpapi"
	"github.com/im-red/failed-requests-monitor/internal/surface"
)

type stubClient struct {
	records []failurelog.FailureRecord
	lists   int
	removed []string
	err     error
}

func (c *stubClient) ListFailures(ctx context.Context) ([]failurelog.FailureRecord, error) {
	c.lists++
	if c.err != nil {
		return nil, c.err
	}
	return append([]failurelog.FailureRecord(nil), c.records...), nil
}

func (c *stubClient) TabFailures(ctx context.Context, tabID int) ([]failurelog.FailureRecord, error) {
	return nil, errors.New("not used")
}

func (c *stubClient) Badge(ctx context.Context, tabID int) (failurelog.BadgeState, error) {
	return failurelog.BadgeState{}, errors.New("not used")
}

func (c *stubClient) Status(ctx context.Context) (httpapi.StatusResponse, error) {
	return httpapi.StatusResponse{}, errors.New("not used")
}

func (c *stubClient) Clear(ctx context.Context) error {
	c.records = nil
	return nil
}

func (c *stubClient) Remove(ctx context.Context, id string) error {
	c.removed = append(c.removed, id)
	for i, record := range c.records {
		if record.ID == id {
			c.records = append(c.records[:i], c.records[i+1:]...)
			return nil
		}
	}
	return &surface.HTTPError{StatusCode: 404}
}

func sampleRecords() []failurelog.FailureRecord {
	return []failurelog.FailureRecord{
		{ID: "3-cccccc", TabID: 5, URL: "https://example.test/c", Method: "GET", ErrorReason: "net::ERR_FAILED"},
		{ID: "2-bbbbbb", TabID: 1, URL: "https://example.test/b", Method: "POST", ErrorReason: "net::ERR_ABORTED"},
		{ID: "1-aaaaaa", TabID: 5, URL: "https://example.test/a", Method: "GET", ErrorReason: "net::ERR_FAILED"},
	}
}

func entryNames(entries []fuse.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names
}

func TestViewGroupsRecordsByTab(t *testing.T) {
	v := buildView(sampleRecords())
	root := entryNames(v.rootEntries())
	if len(root) != 2 || root[0] != "tab-1" || root[1] != "tab-5" {
		t.Fatalf("unexpected root entries %v", root)
	}
	tab := entryNames(v.tabEntries(5))
	if len(tab) != 3 || tab[0] != "badge.json" || tab[1] != "3-cccccc.json" || tab[2] != "1-aaaaaa.json" {
		t.Fatalf("unexpected tab entries %v", tab)
	}
	if _, ok := v.record(5, "2-bbbbbb.json"); ok {
		t.Fatalf("record from another tab must not resolve")
	}
	if badge := v.badge(5); badge.Count != 2 || badge.Kind != failurelog.BadgeFailing {
		t.Fatalf("unexpected badge %+v", badge)
	}
}

func TestRecordNameParsing(t *testing.T) {
	if id, ok := recordIDFromName("1-abcdef.json"); !ok || id != "1-abcdef" {
		t.Fatalf("expected record id, got %q ok=%v", id, ok)
	}
	for _, name := range []string{"badge.json", ".json", "notes.txt"} {
		if _, ok := recordIDFromName(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if id, ok := parseTabDir("tab-12"); !ok || id != 12 {
		t.Fatalf("expected tab 12, got %d ok=%v", id, ok)
	}
	for _, name := range []string{"tab-", "tab--1", "12", "tab-x"} {
		if _, ok := parseTabDir(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestFileDataRendersRecordAndBadge(t *testing.T) {
	fsys, err := New(&stubClient{records: sampleRecords()}, Options{})
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	data, errno := fsys.fileData(context.Background(), 5, "1-aaaaaa.json")
	if errno != 0 {
		t.Fatalf("file data errno %v", errno)
	}
	var record failurelog.FailureRecord
	if err := json.Unmarshal(data, &record); err != nil || record.URL != "https://example.test/a" {
		t.Fatalf("unexpected record %+v err=%v", record, err)
	}
	data, errno = fsys.fileData(context.Background(), 1, "badge.json")
	if errno != 0 {
		t.Fatalf("badge errno %v", errno)
	}
	var badge failurelog.BadgeState
	if err := json.Unmarshal(data, &badge); err != nil || badge.Count != 1 {
		t.Fatalf("unexpected badge %+v err=%v", badge, err)
	}
	if _, errno := fsys.fileData(context.Background(), 9, "badge.json"); errno != syscall.ENOENT {
		t.Fatalf("expected ENOENT for unknown tab, got %v", errno)
	}
}

func TestViewIsCachedUntilTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &stubClient{records: sampleRecords()}
	fsys, err := New(client, Options{CacheTTL: time.Second, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	ctx := context.Background()
	_, _ = fsys.current(ctx)
	_, _ = fsys.current(ctx)
	if client.lists != 1 {
		t.Fatalf("expected cached listing, got %d lists", client.lists)
	}
	now = now.Add(2 * time.Second)
	_, _ = fsys.current(ctx)
	if client.lists != 2 {
		t.Fatalf("expected refresh after ttl, got %d lists", client.lists)
	}
}

func TestRemoveIssuesRemoveAndInvalidates(t *testing.T) {
	client := &stubClient{records: sampleRecords()}
	fsys, err := New(client, Options{CacheTTL: time.Hour})
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	ctx := context.Background()
	if errno := fsys.remove(ctx, 5, "badge.json"); errno != syscall.EPERM {
		t.Fatalf("expected EPERM for badge, got %v", errno)
	}
	if errno := fsys.remove(ctx, 5, "9-zzzzzz.json"); errno != syscall.ENOENT {
		t.Fatalf("expected ENOENT for unknown record, got %v", errno)
	}
	if errno := fsys.remove(ctx, 5, "3-cccccc.json"); errno != 0 {
		t.Fatalf("remove errno %v", errno)
	}
	if len(client.removed) != 1 || client.removed[0] != "3-cccccc" {
		t.Fatalf("unexpected removes %v", client.removed)
	}
	v, err := fsys.current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(v.tabs[5]) != 1 {
		t.Fatalf("expected refreshed view after remove, got %d records", len(v.tabs[5]))
	}
}

func TestListErrorMapsToEIO(t *testing.T) {
	fsys, err := New(&stubClient{err: errors.New("down")}, Options{})
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	if _, errno := fsys.fileData(context.Background(), 1, "badge.json"); errno != syscall.EIO {
		t.Fatalf("expected EIO, got %v", errno)
	}
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
