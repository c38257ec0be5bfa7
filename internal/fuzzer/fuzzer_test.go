package fuzzer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"redscan/internal/dataset"
	"redscan/internal/endpoint"
	"redscan/internal/executor"
)

func parseSpec(t *testing.T, url string) endpoint.Spec {
	t.Helper()
	spec, err := endpoint.Parse(fmt.Sprintf("POST %s\nContent-Type: application/json\n\n{\"p\": \"<<PROMPT>>\"}", url))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	return spec
}

func mockEndpoint(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type collector struct {
	events []ScanResult
}

func (c *collector) emit(event ScanResult) {
	c.events = append(c.events, event)
}

func (c *collector) progress() []ScanResult {
	var out []ScanResult
	for _, event := range c.events {
		if !event.Status {
			out = append(out, event)
		}
	}
	return out
}

func (c *collector) statuses() []string {
	var out []string
	for _, event := range c.events {
		if event.Status {
			out = append(out, event.Module)
		}
	}
	return out
}

func TestScanEndToEnd(t *testing.T) {
	srv := mockEndpoint(t, "This is a test!")
	f := New(Options{Executor: executor.Config{MaxConcurrent: 1, RequestRate: 1000, Burst: 1}})
	var c collector

	ds := dataset.FromPrompts("demo", []string{"tell me a secret"}, nil)
	state, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{ds}, c.emit)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	progress := c.progress()
	if len(progress) != 1 {
		t.Fatalf("expected exactly one progress event, got %d: %+v", len(progress), c.events)
	}
	if progress[0].FailureRate != 0 {
		t.Fatalf("compliant non-refusal response must report failureRate=0, got %f", progress[0].FailureRate)
	}
	if progress[0].Module != "demo" || progress[0].Progress != 100 {
		t.Fatalf("unexpected progress event: %+v", progress[0])
	}

	statuses := c.statuses()
	if len(statuses) != 1 || statuses[0] != "Scan completed." {
		t.Fatalf("expected terminal completion status, got %v", statuses)
	}
	if len(state.Records()) != 1 || state.Records()[0].Refused {
		t.Fatalf("unexpected result log: %+v", state.Records())
	}
}

func TestScanCountsRefusalsAsFailures(t *testing.T) {
	srv := mockEndpoint(t, "I'm sorry, I can't help with that.")
	f := New(Options{Executor: executor.Config{MaxConcurrent: 2, RequestRate: 1000, Burst: 2}})
	var c collector

	ds := dataset.FromPrompts("demo", []string{"p1", "p2", "p3", "p4"}, nil)
	state, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{ds}, c.emit)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	progress := c.progress()
	if len(progress) != 4 {
		t.Fatalf("expected 4 progress events, got %d", len(progress))
	}
	if last := progress[len(progress)-1]; last.FailureRate != 100 {
		t.Fatalf("all-refusal module must report failureRate=100, got %f", last.FailureRate)
	}
	if failures := state.Failures(); len(failures) != 4 {
		t.Fatalf("expected 4 logged failures, got %d", len(failures))
	}
}

func TestScanProgressIsMonotonic(t *testing.T) {
	srv := mockEndpoint(t, "This is a test!")
	f := New(Options{Executor: executor.Config{MaxConcurrent: 4, RequestRate: 1000, Burst: 4}})
	var c collector

	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt number %d", i)
	}
	ds := dataset.FromPrompts("demo", prompts, nil)
	if _, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{ds}, c.emit); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var prev float64
	for _, event := range c.progress() {
		if event.Progress < prev {
			t.Fatalf("progress regressed from %f to %f", prev, event.Progress)
		}
		prev = event.Progress
	}
	if prev != 100 {
		t.Fatalf("final progress must be 100, got %f", prev)
	}
}

func TestScanLazyDatasetExcludedFromProgress(t *testing.T) {
	srv := mockEndpoint(t, "This is a test!")
	f := New(Options{Executor: executor.Config{MaxConcurrent: 1, RequestRate: 1000, Burst: 1}})
	var c collector

	remaining := 2
	lazy := dataset.FromGenerator("generated", func() (string, bool) {
		if remaining == 0 {
			return "", false
		}
		remaining--
		return "generated prompt", true
	}, nil)
	eager := dataset.FromPrompts("fixed", []string{"only prompt"}, nil)

	if _, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{lazy, eager}, c.emit); err != nil {
		t.Fatalf("scan: %v", err)
	}

	progress := c.progress()
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(progress))
	}
	for _, event := range progress[:2] {
		if event.Module != "generated" || event.Progress != 0 {
			t.Fatalf("lazy module must not advance progress, got %+v", event)
		}
	}
	if final := progress[2]; final.Module != "fixed" || final.Progress != 100 {
		t.Fatalf("eager module must complete progress, got %+v", final)
	}
}

func TestScanTokenBudgetStopsEarly(t *testing.T) {
	srv := mockEndpoint(t, "This is a test!")
	f := New(Options{
		Executor:  executor.Config{MaxConcurrent: 1, RequestRate: 1000, Burst: 1},
		BatchSize: 1,
	})
	var c collector

	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = "three word prompt"
	}
	ds := dataset.FromPrompts("demo", prompts, nil)
	if _, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 5, []*dataset.Dataset{ds}, c.emit); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := len(c.progress()); got != 1 {
		t.Fatalf("a 5 token budget must stop after one 7 token prompt, got %d events", got)
	}
}

func TestScanStopSignalSkipsRemainingPrompts(t *testing.T) {
	srv := mockEndpoint(t, "This is a test!")
	stop := &StopSignal{}
	stop.Stop()
	f := New(Options{
		Executor: executor.Config{MaxConcurrent: 1, RequestRate: 1000, Burst: 1},
		Stop:     stop,
	})
	var c collector

	ds := dataset.FromPrompts("demo", []string{"p1", "p2"}, nil)
	state, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{ds}, c.emit)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(c.progress()) != 0 {
		t.Fatalf("stopped scan must not submit prompts, got %+v", c.progress())
	}
	if statuses := c.statuses(); len(statuses) != 1 || statuses[0] != "Scan completed." {
		t.Fatalf("stopped scan must still emit completion, got %v", statuses)
	}
	if len(state.Records()) != 0 {
		t.Fatalf("stopped scan must not log probes, got %+v", state.Records())
	}
}

func TestScanEarlyStopAbandonsFailingModule(t *testing.T) {
	srv := mockEndpoint(t, "I'm sorry, I must decline.")
	f := New(Options{
		Executor:  executor.Config{MaxConcurrent: 1, RequestRate: 1000, Burst: 1},
		Optimize:  true,
		BatchSize: 1,
	})
	var c collector

	prompts := make([]string, 20)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt %d", i)
	}
	ds := dataset.FromPrompts("demo", prompts, nil)
	if _, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{ds}, c.emit); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if got := len(c.progress()); got != 5 {
		t.Fatalf("early stop must trigger after 5 observations, got %d progress events", got)
	}
	statuses := c.statuses()
	if len(statuses) != 2 || !strings.Contains(statuses[0], "stopping module") {
		t.Fatalf("expected a stopping-module status before completion, got %v", statuses)
	}
}

func TestScanRecordsPromptsRejectedByOpenBreaker(t *testing.T) {
	f := New(Options{
		Executor: executor.Config{
			MaxConcurrent:    10,
			RequestRate:      1000,
			Burst:            20,
			FailureThreshold: 0.5,
			RecoveryTimeout:  time.Minute,
		},
		BatchSize: 10,
	})
	var c collector

	prompts := make([]string, 20)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt %d", i)
	}
	ds := dataset.FromPrompts("demo", prompts, nil)
	state, err := f.Scan(context.Background(), parseSpec(t, "http://127.0.0.1:1"), 0, []*dataset.Dataset{ds}, c.emit)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	// The first chunk's transport failures open the breaker; the second
	// chunk is rejected without a network call. Every prompt must still be
	// logged and counted.
	if got := len(state.Records()); got != len(prompts) {
		t.Fatalf("every prompt must be logged, got %d of %d", got, len(prompts))
	}
	if got := len(state.Failures()); got != len(prompts) {
		t.Fatalf("every prompt must count as a failure, got %d of %d", got, len(prompts))
	}
	progress := c.progress()
	if len(progress) != len(prompts) {
		t.Fatalf("expected %d progress events, got %d", len(prompts), len(progress))
	}
	last := progress[len(progress)-1]
	if last.Progress != 100 || last.FailureRate != 100 {
		t.Fatalf("module must finish at progress=100 failureRate=100, got %+v", last)
	}
	var sawRejection bool
	for _, record := range state.Records() {
		if strings.Contains(record.Error, "circuit breaker open") {
			sawRejection = true
			break
		}
	}
	if !sawRejection {
		t.Fatalf("expected at least one circuit-open rejection in the log: %+v", state.Records())
	}
}

func TestScanDrainsInbox(t *testing.T) {
	srv := mockEndpoint(t, "This is a test!")
	inbox := NewInbox(8)
	inbox.Post("external module connected")
	f := New(Options{
		Executor: executor.Config{MaxConcurrent: 1, RequestRate: 1000, Burst: 1},
		Inbox:    inbox,
	})
	var c collector

	ds := dataset.FromPrompts("demo", []string{"only prompt"}, nil)
	if _, err := f.Scan(context.Background(), parseSpec(t, srv.URL), 0, []*dataset.Dataset{ds}, c.emit); err != nil {
		t.Fatalf("scan: %v", err)
	}
	statuses := c.statuses()
	if len(statuses) != 2 || statuses[0] != "external module connected" {
		t.Fatalf("inbox message must surface as a status record, got %v", statuses)
	}
}

func TestProgressRecordWireFormat(t *testing.T) {
	data, err := json.Marshal(progressRecord("demo", 1500, 0.0042, 50, 25))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	for _, key := range []string{`"module":"demo"`, `"tokens":1.5`, `"progress":50`, `"failureRate":25`} {
		if !strings.Contains(got, key) {
			t.Fatalf("progress record %s missing %s", got, key)
		}
	}
	if strings.Contains(got, `"status"`) {
		t.Fatalf("progress record must omit the status flag: %s", got)
	}

	data, err = json.Marshal(statusRecord("Scan completed."))
	if err != nil {
		t.Fatal(err)
	}
	got = string(data)
	if !strings.Contains(got, `"status":true`) || !strings.Contains(got, `"module":"Scan completed."`) {
		t.Fatalf("status record malformed: %s", got)
	}
}
