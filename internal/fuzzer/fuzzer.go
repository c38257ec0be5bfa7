// Package fuzzer orchestrates a scan: it walks prompt datasets, drives the
// executor pipeline against one endpoint, classifies responses and streams
// progress records.
package fuzzer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"redscan/internal/classify"
	"redscan/internal/dataset"
	"redscan/internal/endpoint"
	"redscan/internal/executor"
)

// StopSignal cooperatively stops a scan. It is observed between prompts;
// in-flight probes complete and their results are still recorded.
type StopSignal struct {
	flag atomic.Bool
}

func (s *StopSignal) Stop() {
	s.flag.Store(true)
}

func (s *StopSignal) Stopped() bool {
	return s.flag.Load()
}

type Options struct {
	Executor   executor.Config
	Prober     *endpoint.Prober
	Classifier *classify.Hybrid

	// Optimize enables adaptive early stopping per module.
	Optimize bool

	Inbox *Inbox
	Stop  *StopSignal

	// ResultsPath, when set, receives the CSV result log at completion.
	ResultsPath string

	// BatchSize caps how many prompts are submitted between stop and inbox
	// checks. Defaults to the executor's concurrency limit.
	BatchSize int

	Logger *slog.Logger
}

type Fuzzer struct {
	exec       *executor.Executor
	prober     *endpoint.Prober
	classifier *classify.Hybrid
	opts       Options
	log        *slog.Logger
}

func New(opts Options) *Fuzzer {
	prober := opts.Prober
	if prober == nil {
		prober = endpoint.NewProber(endpoint.Config{})
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.NewStandardEnsemble(nil, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exec := executor.New(opts.Executor)
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Executor.MaxConcurrent
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	return &Fuzzer{exec: exec, prober: prober, classifier: classifier, opts: opts, log: logger}
}

// Metrics exposes the underlying executor's counters for reporting.
func (f *Fuzzer) Metrics() executor.MetricsSnapshot {
	return f.exec.Metrics()
}

// run holds the per-scan mutable state. It is owned by one Scan call; there
// is no process-wide scan state.
type run struct {
	mu    sync.Mutex
	emit  Emitter
	state *State

	totalTokens    int
	totalEager     int
	processedEager int

	module          string
	moduleLazy      bool
	moduleProcessed int
	moduleFailures  int
	stopper         *earlyStopper
}

func (r *run) tokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalTokens
}

func (r *run) startModule(name string, lazy bool, stopper *earlyStopper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.module = name
	r.moduleLazy = lazy
	r.moduleProcessed = 0
	r.moduleFailures = 0
	r.stopper = stopper
}

func (r *run) shouldStopModule() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopper != nil && r.stopper.ShouldStop()
}

// recordPrompt logs one completed probe and emits the progress record while
// holding the lock, keeping the processed counter and the emitted progress
// monotonic across out-of-order task completions.
func (r *run) recordPrompt(record ProbeRecord, tokens int, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Record(record)
	r.totalTokens += tokens
	r.moduleProcessed++
	if failed {
		r.moduleFailures++
	}
	if !r.moduleLazy {
		r.processedEager++
	}
	failureRate := float64(r.moduleFailures) / float64(r.moduleProcessed)
	if r.stopper != nil {
		r.stopper.Observe(failureRate)
	}
	progress := 0.0
	if r.totalEager > 0 {
		progress = float64(r.processedEager) / float64(r.totalEager) * 100
	}
	cost := float64(r.totalTokens) * dataset.CostPerToken
	r.emit(progressRecord(r.module, r.totalTokens, cost, progress, failureRate*100))
}

func (r *run) status(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(statusRecord(message))
}

// Scan walks the datasets in order and returns the accumulated result log.
// maxBudget is a token budget; 0 means unlimited. Records are pushed to emit
// as they are produced; a terminal "Scan completed." status is always
// emitted, including after a stop signal.
func (f *Fuzzer) Scan(ctx context.Context, spec endpoint.Spec, maxBudget int, datasets []*dataset.Dataset, emit Emitter) (*State, error) {
	if emit == nil {
		emit = func(ScanResult) {}
	}
	r := &run{emit: emit, state: NewState()}
	for _, ds := range datasets {
		r.totalEager += ds.Size()
	}

	for _, ds := range datasets {
		if f.stopped(ctx) {
			break
		}
		f.scanModule(ctx, spec, maxBudget, ds, r)
	}

	if f.opts.ResultsPath != "" {
		if err := r.state.WriteCSVFile(f.opts.ResultsPath); err != nil {
			f.log.Error("export scan results", "path", f.opts.ResultsPath, "error", err)
		}
	}
	r.status("Scan completed.")
	return r.state, nil
}

func (f *Fuzzer) scanModule(ctx context.Context, spec endpoint.Spec, maxBudget int, ds *dataset.Dataset, r *run) {
	var stopper *earlyStopper
	if f.opts.Optimize {
		stopper = newEarlyStopper()
	}
	r.startModule(ds.Name, ds.Lazy, stopper)
	// Each module starts with fresh breaker statistics so a consistently
	// failing module cannot poison the next one's admission.
	f.exec.ResetBreaker()
	f.log.Info("scanning module", "module", ds.Name, "lazy", ds.Lazy, "prompts", ds.Size())

	pipeline := f.pipeline(spec, ds.Name, r)
	for {
		if f.stopped(ctx) {
			return
		}
		if maxBudget > 0 && r.tokens() >= maxBudget {
			f.log.Info("token budget exhausted", "module", ds.Name, "tokens", r.tokens())
			return
		}
		if r.shouldStopModule() {
			r.status("High failure rate detected, stopping module: " + ds.Name)
			return
		}
		for _, message := range f.drainInbox() {
			r.status(message)
		}

		chunk := nextChunk(ds, f.opts.BatchSize)
		if len(chunk) == 0 {
			return
		}
		result := f.exec.ExecuteBatch(ctx, chunk, pipeline)
		// Prompts rejected before their pipeline ran (open breaker, limiter
		// context) never reached recordPrompt; log them here so they count
		// as module failures and progress still completes.
		for _, rejection := range result.Rejected {
			r.recordPrompt(ProbeRecord{
				Module: ds.Name,
				Prompt: rejection.Prompt,
				Error:  rejection.Err.Error(),
			}, dataset.CountTokens(rejection.Prompt), true)
		}
	}
}

// pipeline is the per-prompt unit of work run inside the executor: probe,
// classify, log, emit. A probe error or a classified refusal both count as
// module failures.
func (f *Fuzzer) pipeline(spec endpoint.Spec, module string, r *run) executor.Pipeline {
	return func(ctx context.Context, prompt string) (executor.Outcome, error) {
		tokens := dataset.CountTokens(prompt)
		response, err := f.prober.Probe(ctx, spec, prompt, nil)
		if err != nil {
			r.recordPrompt(ProbeRecord{
				Module: module,
				Prompt: prompt,
				Error:  err.Error(),
			}, tokens, true)
			return executor.Outcome{Tokens: tokens}, err
		}

		text := response.Text()
		tokens += dataset.CountTokens(text)
		verdict := f.classifier.Classify(text)
		failed := verdict.IsRefusal || response.StatusCode >= 400
		r.recordPrompt(ProbeRecord{
			Module:     module,
			Prompt:     prompt,
			StatusCode: response.StatusCode,
			Content:    text,
			Refused:    verdict.IsRefusal,
		}, tokens, failed)
		return executor.Outcome{Tokens: tokens, Refused: verdict.IsRefusal}, nil
	}
}

func (f *Fuzzer) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return f.opts.Stop != nil && f.opts.Stop.Stopped()
}

func (f *Fuzzer) drainInbox() []string {
	if f.opts.Inbox == nil {
		return nil
	}
	return f.opts.Inbox.Drain()
}

func nextChunk(ds *dataset.Dataset, max int) []string {
	chunk := make([]string, 0, max)
	for len(chunk) < max {
		prompt, ok := ds.Next()
		if !ok {
			break
		}
		chunk = append(chunk, prompt)
	}
	return chunk
}
