package fuzzer

const (
	earlyStopMinObservations = 5
	earlyStopFailureRate     = 0.5
)

// earlyStopper decides when to abandon the rest of a module's prompts. It
// tracks the best (lowest) failure rate observed so far; once enough
// observations exist and even the best one stays above the cutoff, the
// module is consistently failing and further probes only burn budget.
type earlyStopper struct {
	count int
	best  float64
}

func newEarlyStopper() *earlyStopper {
	return &earlyStopper{best: 1}
}

// Observe feeds one failure-rate sample in [0, 1].
func (e *earlyStopper) Observe(failureRate float64) {
	e.count++
	if failureRate < e.best {
		e.best = failureRate
	}
}

func (e *earlyStopper) ShouldStop() bool {
	return e.count >= earlyStopMinObservations && e.best > earlyStopFailureRate
}
