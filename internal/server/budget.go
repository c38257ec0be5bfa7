package server

import (
	"errors"
	"sync"
	"time"
)

// BudgetManager admits scans against a daily token allowance and a parallel
// scan cap. A scan acquires a lease up front for its requested budget and
// commits the tokens it actually spent; the reservation is released either
// way.
type BudgetManager struct {
	mu sync.Mutex

	dailyTokenLimit int
	maxParallel     int

	dayKey      string
	spentTokens int
	reserved    int
	activeScans int
}

type BudgetLease struct {
	tokens   int
	released bool
}

func NewBudgetManager(cfg ServerConfig) *BudgetManager {
	return &BudgetManager{
		dailyTokenLimit: cfg.Scan.DailyTokenLimit,
		maxParallel:     cfg.Scan.MaxParallelScans,
	}
}

// Acquire reserves budgetTokens out of today's allowance.
func (m *BudgetManager) Acquire(budgetTokens int) (*BudgetLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	if m.activeScans >= m.maxParallel {
		return nil, errors.New("parallel scan limit reached")
	}
	if budgetTokens <= 0 {
		budgetTokens = 0
	}
	if m.dailyTokenLimit > 0 && m.spentTokens+m.reserved+budgetTokens > m.dailyTokenLimit {
		return nil, errors.New("daily token budget exhausted")
	}
	m.activeScans++
	m.reserved += budgetTokens
	return &BudgetLease{tokens: budgetTokens}, nil
}

// Commit records the tokens the scan actually spent and releases the lease.
func (m *BudgetManager) Commit(lease *BudgetLease, spentTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease == nil || lease.released {
		return
	}
	lease.released = true
	m.rollDayLocked()
	if spentTokens > 0 {
		m.spentTokens += spentTokens
	}
	m.reserved -= lease.tokens
	if m.reserved < 0 {
		m.reserved = 0
	}
	if m.activeScans > 0 {
		m.activeScans--
	}
}

// Release drops the lease without charging any tokens, for scans that never
// started.
func (m *BudgetManager) Release(lease *BudgetLease) {
	m.Commit(lease, 0)
}

// Remaining reports today's unreserved token allowance. Zero daily limit
// means unlimited, reported as -1.
func (m *BudgetManager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	if m.dailyTokenLimit <= 0 {
		return -1
	}
	remaining := m.dailyTokenLimit - m.spentTokens - m.reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *BudgetManager) rollDayLocked() {
	dayKey := time.Now().UTC().Format("2006-01-02")
	if m.dayKey != dayKey {
		m.dayKey = dayKey
		m.spentTokens = 0
	}
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
