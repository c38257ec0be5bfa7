package classify

// weighted pairs a detector with its vote weight.
type weighted struct {
	detector Detector
	weight   float64
}

// Hybrid is the weighted-voting ensemble. Detectors vote in registration
// order; errored detectors are skipped.
type Hybrid struct {
	detectors        []weighted
	threshold        float64
	requireUnanimous bool
}

type Option func(*Hybrid)

// WithThreshold overrides the refusal vote threshold (default 0.5). The
// comparison is a strict >=, so a tied vote classifies as a refusal.
func WithThreshold(threshold float64) Option {
	return func(h *Hybrid) {
		if threshold > 0 && threshold <= 1 {
			h.threshold = threshold
		}
	}
}

// WithUnanimity makes disagreeing detectors produce an uncertain result
// instead of a weighted vote.
func WithUnanimity() Option {
	return func(h *Hybrid) {
		h.requireUnanimous = true
	}
}

func NewHybrid(opts ...Option) *Hybrid {
	h := &Hybrid{threshold: 0.5}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register appends a detector with the given weight. Non-positive weights
// are ignored.
func (h *Hybrid) Register(detector Detector, weight float64) {
	if detector == nil || weight <= 0 {
		return
	}
	h.detectors = append(h.detectors, weighted{detector: detector, weight: weight})
}

// NewStandardEnsemble composes the default ensemble: marker, statistical and
// optionally a judge, with the default weights. A nil model or judge simply
// leaves that detector out.
func NewStandardEnsemble(model *Model, judge Detector, opts ...Option) *Hybrid {
	h := NewHybrid(opts...)
	h.Register(NewMarkerDetector(), MarkerWeight)
	if model != nil {
		h.Register(NewStatisticalDetector(model), StatisticalWeight)
	}
	if judge != nil {
		h.Register(judge, JudgeWeight)
	}
	return h
}

// Classify runs every detector over the response text and combines the
// surviving verdicts into a weighted agreement score.
func (h *Hybrid) Classify(text string) Result {
	verdicts := make([]Verdict, 0, len(h.detectors))
	var totalWeight, refusalWeight float64
	for _, entry := range h.detectors {
		refusal, err := entry.detector.IsRefusal(text)
		if err != nil {
			continue
		}
		verdicts = append(verdicts, Verdict{
			Method:  entry.detector.Name(),
			Refusal: refusal,
			Weight:  entry.weight,
		})
		totalWeight += entry.weight
		if refusal {
			refusalWeight += entry.weight
		}
	}

	if totalWeight == 0 {
		return Result{IsRefusal: false, Confidence: 0, Verdicts: verdicts}
	}

	if h.requireUnanimous && refusalWeight != 0 && refusalWeight != totalWeight {
		return Result{IsRefusal: false, Confidence: 0.5, Verdicts: verdicts}
	}

	score := refusalWeight / totalWeight
	if score >= h.threshold {
		return Result{IsRefusal: true, Confidence: score, Verdicts: verdicts}
	}
	return Result{IsRefusal: false, Confidence: 1 - score, Verdicts: verdicts}
}
