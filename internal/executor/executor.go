// Package executor fans a batch of prompts out against one endpoint with
// bounded parallelism, gating each probe through a token bucket and a
// circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"redscan/internal/breaker"
	"redscan/internal/ratelimit"
)

// ErrCircuitOpen marks a probe rejected before the network call because the
// circuit breaker was open. It is a rejection, not a sampled failure: it
// counts against the executor's metrics but not the breaker's statistics.
var ErrCircuitOpen = errors.New("circuit breaker open, failing fast")

// Outcome is the result of one probe pipeline invocation.
type Outcome struct {
	Tokens  int
	Refused bool
}

// Pipeline runs the per-prompt work: probe, classification and result
// recording. Implementations must be safe for concurrent calls.
type Pipeline func(ctx context.Context, prompt string) (Outcome, error)

type Config struct {
	MaxConcurrent    int
	RequestRate      float64
	Burst            int
	FailureThreshold float64
	RecoveryTimeout  time.Duration
}

// Executor owns one rate limiter, one circuit breaker and one metrics
// accumulator. They are mutated only by this executor's own tasks.
type Executor struct {
	maxConcurrent int
	limiter       *ratelimit.Bucket
	breaker       *breaker.Breaker
	metrics       *metrics
}

func New(cfg Config) *Executor {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	rate := cfg.RequestRate
	if rate <= 0 {
		rate = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = maxConcurrent
	}
	return &Executor{
		maxConcurrent: maxConcurrent,
		limiter:       ratelimit.NewBucket(rate, burst),
		breaker:       breaker.New(cfg.FailureThreshold, cfg.RecoveryTimeout),
		metrics:       newMetrics(),
	}
}

// Rejection is a prompt turned away before its pipeline ran, by an open
// breaker or by the rate limiter's context. The caller owns logging it; the
// executor only counts it.
type Rejection struct {
	Prompt string
	Err    error
}

// BatchResult aggregates one ExecuteBatch call. Rejected lists the prompts
// whose pipeline never ran so the caller can record them as failures instead
// of dropping them.
type BatchResult struct {
	TotalTokens int
	Failures    int
	Rejected    []Rejection
}

// ExecuteBatch launches one task per prompt and returns once every task has
// completed. Partial failures never abort sibling tasks; a panicking task is
// caught and counted as a failure.
func (e *Executor) ExecuteBatch(ctx context.Context, prompts []string, pipeline Pipeline) BatchResult {
	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := BatchResult{}

	for _, prompt := range prompts {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			outcome, ran, err := e.runTask(ctx, prompt, pipeline, sem)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures++
				if !ran {
					result.Rejected = append(result.Rejected, Rejection{Prompt: prompt, Err: err})
				}
				return
			}
			result.TotalTokens += outcome.Tokens
			if outcome.Refused {
				result.Failures++
			}
		}(prompt)
	}
	wg.Wait()
	return result
}

// runTask reports ran=false when the prompt was rejected before its pipeline
// was invoked.
func (e *Executor) runTask(ctx context.Context, prompt string, pipeline Pipeline, sem chan struct{}) (outcome Outcome, ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe task panicked: %v", r)
			e.metrics.recordFailure()
		}
	}()

	if err := e.limiter.Acquire(ctx); err != nil {
		e.metrics.recordRejection()
		return Outcome{}, false, fmt.Errorf("rate limiter: %w", err)
	}

	// Rejected probes do not consume a concurrency slot and do not feed
	// the breaker's own statistics.
	if e.breaker.IsOpen() {
		e.metrics.recordRejection()
		return Outcome{}, false, ErrCircuitOpen
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		e.metrics.recordRejection()
		return Outcome{}, false, ctx.Err()
	}
	defer func() { <-sem }()

	ran = true
	start := time.Now()
	outcome, err = pipeline(ctx, prompt)
	elapsed := time.Since(start)
	if err != nil {
		e.breaker.RecordFailure()
		e.metrics.recordFailure()
		return Outcome{}, true, err
	}
	e.breaker.RecordSuccess()
	e.metrics.recordSuccess(elapsed)
	return outcome, true, nil
}

// Metrics returns a snapshot of the executor's counters together with the
// breaker and limiter views, for orchestrator reporting.
func (e *Executor) Metrics() MetricsSnapshot {
	snapshot := e.metrics.snapshot()
	snapshot.BreakerState = string(e.breaker.State())
	snapshot.BreakerFailureRate = e.breaker.FailureRate()
	snapshot.AvailableTokens = e.limiter.Available()
	return snapshot
}

// ResetBreaker clears the breaker, used when a caller retargets the executor
// at a fresh endpoint.
func (e *Executor) ResetBreaker() {
	e.breaker.Reset()
}
