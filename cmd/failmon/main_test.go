package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/im-red/failed-requests-monitor/internal/config"
	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/httpapi"
)

func testConfig(t *testing.T, profile string) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BackendProfile = profile
	cfg.DataDir = t.TempDir()
	return cfg
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBuildEngineRejectsUnknownProfile(t *testing.T) {
	cfg := testConfig(t, "floppy")
	if _, err := buildEngine(cfg, quietLogger()); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestEnginePersistsAcrossRestartWithDurableProfile(t *testing.T) {
	cfg := testConfig(t, "durable-local")
	ctx := context.Background()

	eng, err := buildEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if eng.slotFile == nil {
		t.Fatalf("expected durable-local to use the JSON slot file")
	}
	stop, err := eng.start(ctx)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	tabID := 3
	if err := eng.router.Submit(ctx, failurelog.NetworkFailureEvent{URL: "https://example.test/x", Method: "GET", TabID: &tabID}); err != nil {
		t.Fatalf("submit failure: %v", err)
	}
	if _, err := eng.router.Remove(ctx, "barrier"); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	stop()

	restarted, err := buildEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("rebuild engine: %v", err)
	}
	stopRestarted, err := restarted.start(ctx)
	if err != nil {
		t.Fatalf("restart engine: %v", err)
	}
	defer stopRestarted()
	records, err := restarted.log.QueryByTab(ctx, tabID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 || records[0].URL != "https://example.test/x" {
		t.Fatalf("expected persisted failure after restart, got %+v", records)
	}
}

func TestEngineOutlivesParentContextUntilStopped(t *testing.T) {
	cfg := testConfig(t, "durable-local")
	ctx, cancel := context.WithCancel(context.Background())

	eng, err := buildEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	stop, err := eng.start(ctx)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	cancel()
	tabID := 8
	for i := 0; i < 20; i++ {
		if err := eng.router.Submit(context.Background(), failurelog.NetworkFailureEvent{URL: "https://example.test/late", Method: "GET", TabID: &tabID}); err != nil {
			t.Fatalf("submit %d after parent cancel: %v", i, err)
		}
	}
	stop()

	restarted, err := buildEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("rebuild engine: %v", err)
	}
	defer restarted.log.Close()
	records, err := restarted.log.QueryByTab(context.Background(), tabID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("expected 20 admitted failures to be stored, got %d", len(records))
	}
}

func TestEngineServesStatusOverHTTP(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.JWTSecret = "main-test-secret"
	ctx := context.Background()

	eng, err := buildEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	stop, err := eng.start(ctx)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer stop()

	server := httptest.NewServer(eng.handler)
	defer server.Close()

	token, err := httpapi.IssueToken(cfg.JWTSecret, "main-test", []string{httpapi.ScopeFailuresRead}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/status", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status httpapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Backend != "memory" || status.Capacity != cfg.MaxRecords {
		t.Fatalf("unexpected status %+v", status)
	}
}
