package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestScanManagerExecutesScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "This is a test!")
	}))
	defer srv.Close()

	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	cfg := DefaultServerConfig()
	cfg.Scan.RequestRate = 1000
	manager := NewScanManager(cfg, store, NewBudgetManager(cfg), nil)

	specText := fmt.Sprintf("POST %s\nContent-Type: application/json\n\n{\"p\": \"<<PROMPT>>\"}", srv.URL)
	meta, err := manager.CreateScan(ScanRequest{
		SpecText: specText,
		Datasets: []string{"prompt-injection"},
	}, Principal{Subject: "tester", Role: "admin"}, "test")
	if err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	if meta.Status != "queued" {
		t.Fatalf("expected queued, got %s", meta.Status)
	}

	manager.Shutdown()

	final, ok := store.GetScan(meta.ScanID)
	if !ok {
		t.Fatal("scan missing from store")
	}
	if final.Status != "completed" {
		t.Fatalf("expected completed, got %s (error=%q)", final.Status, final.Error)
	}
	if final.Report == nil || final.Report.TotalPrompts == 0 {
		t.Fatalf("expected a populated report, got %+v", final.Report)
	}
	if final.Report.Refusals != 0 {
		t.Fatalf("compliant endpoint must yield zero refusals, got %d", final.Report.Refusals)
	}

	events := store.ListScanEvents(meta.ScanID, 0)
	var sawProgress, sawCompleted bool
	for _, event := range events {
		switch event.Stage {
		case "progress":
			sawProgress = true
		case "completed":
			sawCompleted = true
		}
	}
	if !sawProgress || !sawCompleted {
		t.Fatalf("expected progress and completed events, got %+v", events)
	}
}

func TestScanManagerRejectsBadSpec(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	cfg := DefaultServerConfig()
	manager := NewScanManager(cfg, store, NewBudgetManager(cfg), nil)
	defer manager.Shutdown()

	_, err := manager.CreateScan(ScanRequest{SpecText: "not a spec"}, Principal{Role: "admin"}, "test")
	if err == nil {
		t.Fatal("malformed template must be rejected before queueing")
	}
}

func TestScanManagerStopBeforeStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, "This is a test!")
	}))
	defer srv.Close()

	store, _ := NewMemoryFileStore("")
	cfg := DefaultServerConfig()
	cfg.Scan.MaxParallelScans = 1
	cfg.Scan.RequestRate = 1000
	manager := NewScanManager(cfg, store, NewBudgetManager(cfg), nil)

	specText := fmt.Sprintf("POST %s\nContent-Type: application/json\n\n{\"p\": \"<<PROMPT>>\"}", srv.URL)
	meta, err := manager.CreateScan(ScanRequest{
		SpecText: specText,
		Datasets: []string{"roleplay-override"},
	}, Principal{Subject: "tester", Role: "admin"}, "test")
	if err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	if err := manager.StopScan(meta.ScanID, Principal{Role: "admin"}); err != nil {
		t.Fatalf("StopScan: %v", err)
	}
	manager.Shutdown()

	final, _ := store.GetScan(meta.ScanID)
	if final.Status != "stopped" {
		t.Fatalf("expected stopped, got %s", final.Status)
	}
}

func TestBudgetManagerAdmission(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Scan.DailyTokenLimit = 1000
	cfg.Scan.MaxParallelScans = 1
	budget := NewBudgetManager(cfg)

	lease, err := budget.Acquire(600)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := budget.Acquire(100); err == nil {
		t.Fatal("parallel limit must reject a second scan")
	}
	budget.Commit(lease, 600)

	if _, err := budget.Acquire(600); err == nil {
		t.Fatal("daily limit must reject over-budget acquire")
	}
	lease2, err := budget.Acquire(300)
	if err != nil {
		t.Fatalf("within-budget acquire: %v", err)
	}
	budget.Release(lease2)
	if remaining := budget.Remaining(); remaining != 400 {
		t.Fatalf("expected 400 tokens remaining, got %d", remaining)
	}
}
