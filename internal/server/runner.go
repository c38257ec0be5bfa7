package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"redscan/internal/classify"
	"redscan/internal/dataset"
	"redscan/internal/endpoint"
	"redscan/internal/executor"
	"redscan/internal/fuzzer"
)

type ScanManager struct {
	cfg         ServerConfig
	store       Store
	budget      *BudgetManager
	obs         *Observability
	prober      *endpoint.Prober
	queue       chan queuedScan
	wg          sync.WaitGroup
	verifyLimit *ipRateLimiter

	mu    sync.Mutex
	stops map[string]*fuzzer.StopSignal

	judgeSpec *endpoint.Spec
	model     *classify.Model
}

type ScannerService interface {
	CreateScan(request ScanRequest, principal Principal, source string) (ScanMeta, error)
	StopScan(scanID string, principal Principal) error
	Verify(ctx context.Context, specText, ipHash, uaHash string) (endpoint.VerifyResult, error)
}

type queuedScan struct {
	ScanID  string
	Request ScanRequest
	Creator Principal
	Source  string
}

func NewScanManager(cfg ServerConfig, store Store, budget *BudgetManager, obs *Observability) *ScanManager {
	maxParallel := cfg.Scan.MaxParallelScans
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &ScanManager{
		cfg:         cfg,
		store:       store,
		budget:      budget,
		obs:         obs,
		prober:      endpoint.NewProber(endpoint.Config{}),
		queue:       make(chan queuedScan, maxParallel*8),
		verifyLimit: newIPRateLimiter(cfg.Limits.VerifyRPM),
		stops:       map[string]*fuzzer.StopSignal{},
	}
	manager.loadCollaborators()
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

// loadCollaborators resolves the optional judge endpoint and the statistical
// refusal model. Either can be absent; the classifier degrades to the
// detectors that remain.
func (m *ScanManager) loadCollaborators() {
	if path := strings.TrimSpace(m.cfg.Judge.SpecPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("judge spec unavailable", "path", path, "error", err)
		} else if spec, err := endpoint.Parse(string(data)); err != nil {
			slog.Warn("judge spec invalid", "path", path, "error", err)
		} else {
			m.judgeSpec = &spec
		}
	}
	if path := strings.TrimSpace(m.cfg.Classifier.ModelPath); path != "" {
		model, err := classify.LoadModel(path)
		if err != nil {
			slog.Warn("statistical model unavailable", "path", path, "error", err)
		} else {
			m.model = model
		}
	}
}

func (m *ScanManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *ScanManager) CreateScan(request ScanRequest, principal Principal, source string) (ScanMeta, error) {
	if strings.TrimSpace(request.SpecText) == "" {
		return ScanMeta{}, errors.New("spec is required")
	}
	// A malformed template is fatal up front, before anything is queued.
	if _, err := endpoint.Parse(request.SpecText); err != nil {
		return ScanMeta{}, err
	}
	if request.MaxBudget <= 0 {
		request.MaxBudget = m.cfg.Scan.DefaultBudget
	}
	if request.MaxConcurrent <= 0 {
		request.MaxConcurrent = m.cfg.Scan.MaxConcurrent
	}
	if request.RequestRate <= 0 {
		request.RequestRate = m.cfg.Scan.RequestRate
	}
	scanID, err := randomID("scan")
	if err != nil {
		return ScanMeta{}, err
	}
	meta := ScanMeta{
		ScanID:      scanID,
		Status:      "queued",
		Source:      source,
		CreatorType: principal.Role,
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateScan(meta); err != nil {
		return ScanMeta{}, err
	}

	m.mu.Lock()
	m.stops[scanID] = &fuzzer.StopSignal{}
	m.mu.Unlock()

	_, _ = m.store.AppendScanEvent(scanID, "queue", "scan queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ScanID:    scanID,
		ActorType: principal.Role,
		ActorSub:  principal.Subject,
		Action:    "scan.create",
		Result:    "queued",
	})
	m.queue <- queuedScan{
		ScanID:  scanID,
		Request: request,
		Creator: principal,
		Source:  source,
	}
	return meta, nil
}

// StopScan flips the scan's cooperative stop signal. In-flight probes finish
// and their results are kept; no further prompts are submitted.
func (m *ScanManager) StopScan(scanID string, principal Principal) error {
	m.mu.Lock()
	signal, ok := m.stops[scanID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("scan not found or already finished: %s", scanID)
	}
	signal.Stop()
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ScanID:    scanID,
		ActorType: principal.Role,
		ActorSub:  principal.Subject,
		Action:    "scan.stop",
		Result:    "requested",
	})
	return nil
}

// Verify runs the pre-flight single-probe check, rate limited per client IP.
func (m *ScanManager) Verify(ctx context.Context, specText, ipHash, uaHash string) (endpoint.VerifyResult, error) {
	if !m.verifyLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(ctx, "verify_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "verify.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return endpoint.VerifyResult{}, errors.New("verify rate limit reached")
	}
	spec, err := endpoint.Parse(specText)
	if err != nil {
		return endpoint.VerifyResult{}, err
	}
	verifyCtx, cancel := withTimeout(ctx, 30*time.Second)
	defer cancel()
	return m.prober.Verify(verifyCtx, spec)
}

func (m *ScanManager) worker() {
	for queued := range m.queue {
		m.executeScan(queued)
	}
}

func (m *ScanManager) stopSignal(scanID string) *fuzzer.StopSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if signal, ok := m.stops[scanID]; ok {
		return signal
	}
	signal := &fuzzer.StopSignal{}
	m.stops[scanID] = signal
	return signal
}

func (m *ScanManager) releaseStop(scanID string) {
	m.mu.Lock()
	delete(m.stops, scanID)
	m.mu.Unlock()
}

func (m *ScanManager) executeScan(queued queuedScan) {
	defer m.releaseStop(queued.ScanID)
	ctx := context.Background()
	stop := m.stopSignal(queued.ScanID)

	_, _ = m.store.UpdateScan(queued.ScanID, func(meta *ScanMeta) {
		meta.Status = "running"
		meta.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendScanEvent(queued.ScanID, "start", "scan started", nil)

	lease, err := m.budget.Acquire(queued.Request.MaxBudget)
	if err != nil {
		m.failScan(queued, "budget unavailable: "+err.Error())
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(ctx, "budget_unavailable")
		}
		return
	}

	spec, err := endpoint.Parse(queued.Request.SpecText)
	if err != nil {
		m.budget.Release(lease)
		m.failScan(queued, err.Error())
		return
	}

	_, _ = m.store.AppendScanEvent(queued.ScanID, "status", "Loading datasets...", nil)
	datasets, err := m.loadDatasets(queued.Request)
	if err != nil {
		m.budget.Release(lease)
		m.failScan(queued, err.Error())
		return
	}

	scanner := fuzzer.New(fuzzer.Options{
		Executor: executor.Config{
			MaxConcurrent:    queued.Request.MaxConcurrent,
			RequestRate:      queued.Request.RequestRate,
			Burst:            m.cfg.Scan.Burst,
			FailureThreshold: m.cfg.Scan.FailureThreshold,
			RecoveryTimeout:  m.recoveryTimeout(),
		},
		Prober:     m.prober,
		Classifier: m.buildClassifier(queued.Request),
		Optimize:   queued.Request.Optimize,
		Stop:       stop,
	})

	startedAt := time.Now()
	moduleStart := startedAt
	lastModule := ""
	state, err := scanner.Scan(ctx, spec, queued.Request.MaxBudget, datasets, func(event fuzzer.ScanResult) {
		if event.Status {
			_, _ = m.store.AppendScanEvent(queued.ScanID, "status", event.Module, nil)
			return
		}
		if event.Module != lastModule {
			if lastModule != "" && m.obs != nil {
				m.obs.MarkModule(ctx, lastModule, time.Since(moduleStart).Milliseconds())
			}
			lastModule = event.Module
			moduleStart = time.Now()
		}
		_, _ = m.store.AppendScanEvent(queued.ScanID, "progress", "", map[string]any{
			"module":      event.Module,
			"tokens":      event.Tokens,
			"cost":        event.Cost,
			"progress":    event.Progress,
			"failureRate": event.FailureRate,
		})
	})
	if lastModule != "" && m.obs != nil {
		m.obs.MarkModule(ctx, lastModule, time.Since(moduleStart).Milliseconds())
	}
	if err != nil {
		m.budget.Release(lease)
		m.failScan(queued, err.Error())
		return
	}

	report := buildScanReport(state)
	snapshot := scanner.Metrics()
	m.budget.Commit(lease, report.TotalTokens)

	status := "completed"
	if stop.Stopped() {
		status = "stopped"
	}
	_, _ = m.store.UpdateScan(queued.ScanID, func(meta *ScanMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.EstimatedCost = report.EstimatedCost
	})
	_, _ = m.store.AppendScanEvent(queued.ScanID, "completed", "scan completed", map[string]any{
		"status":         status,
		"total_tokens":   report.TotalTokens,
		"refusals":       report.Refusals,
		"errors":         report.Errors,
		"rejected":       snapshot.Rejections,
		"estimated_cost": report.EstimatedCost,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ScanID:    queued.ScanID,
		ActorType: queued.Creator.Role,
		ActorSub:  queued.Creator.Subject,
		Action:    "scan.completed",
		Result:    status,
		Detail:    fmt.Sprintf("tokens=%d cost=%.4f duration=%s", report.TotalTokens, report.EstimatedCost, time.Since(startedAt).Round(time.Second)),
	})
	if m.obs != nil {
		m.obs.MarkScan(ctx, status)
		m.obs.MarkCircuitOpen(ctx, snapshot.Rejections)
		for _, record := range report.Records {
			if record.Refused {
				m.obs.MarkRefusal(ctx, record.Module)
			}
		}
	}
}

func (m *ScanManager) failScan(queued queuedScan, message string) {
	_, _ = m.store.UpdateScan(queued.ScanID, func(meta *ScanMeta) {
		meta.Status = "fail"
		meta.Error = message
		meta.FinishedAt = nowRFC3339()
	})
	_, _ = m.store.AppendScanEvent(queued.ScanID, "error", message, nil)
	if m.obs != nil {
		m.obs.MarkScan(context.Background(), "fail")
	}
}

func (m *ScanManager) loadDatasets(request ScanRequest) ([]*dataset.Dataset, error) {
	if strings.TrimSpace(request.ManifestPath) != "" {
		return dataset.LoadManifest(request.ManifestPath, request.Datasets, 0)
	}
	return dataset.Load(request.Datasets, 0)
}

func (m *ScanManager) buildClassifier(request ScanRequest) *classify.Hybrid {
	var judge classify.Detector
	if request.EnableJudge && m.judgeSpec != nil {
		timeout := time.Duration(m.cfg.Judge.TimeoutSec) * time.Second
		judge = classify.NewJudgeDetector(m.prober, *m.judgeSpec, timeout)
	}
	opts := []classify.Option{classify.WithThreshold(m.cfg.Classifier.Threshold)}
	if m.cfg.Classifier.Unanimous {
		opts = append(opts, classify.WithUnanimity())
	}
	return classify.NewStandardEnsemble(m.model, judge, opts...)
}

func (m *ScanManager) recoveryTimeout() time.Duration {
	if parsed, err := time.ParseDuration(m.cfg.Scan.RecoveryTimeout); err == nil && parsed > 0 {
		return parsed
	}
	return 30 * time.Second
}

func buildScanReport(state *fuzzer.State) ScanReport {
	report := ScanReport{GeneratedAt: nowRFC3339()}
	type moduleTally struct {
		prompts  int
		failures int
	}
	tallies := map[string]*moduleTally{}
	var order []string
	for _, record := range state.Records() {
		report.TotalPrompts++
		report.TotalTokens += dataset.CountTokens(record.Prompt) + dataset.CountTokens(record.Content)
		tally, ok := tallies[record.Module]
		if !ok {
			tally = &moduleTally{}
			tallies[record.Module] = tally
			order = append(order, record.Module)
		}
		tally.prompts++
		switch {
		case record.Error != "":
			report.Errors++
			tally.failures++
		case record.Refused:
			report.Refusals++
			tally.failures++
		}
		report.Records = append(report.Records, ResultRecord{
			Module:     record.Module,
			Prompt:     record.Prompt,
			StatusCode: record.StatusCode,
			Content:    record.Content,
			Refused:    record.Refused,
			Error:      record.Error,
		})
	}
	report.EstimatedCost = float64(report.TotalTokens) * dataset.CostPerToken
	for _, name := range order {
		tally := tallies[name]
		rate := 0.0
		if tally.prompts > 0 {
			rate = float64(tally.failures) / float64(tally.prompts)
		}
		report.Modules = append(report.Modules, ModuleSummary{
			Name:        name,
			Prompts:     tally.prompts,
			Failures:    tally.failures,
			FailureRate: rate,
		})
	}
	return report
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
