// Package classify decides whether a target model response is a refusal,
// using a weighted ensemble of independent detectors.
package classify

// Detector is the capability every refusal detector exposes. A detector may
// fail internally; an errored detector is excluded from the vote and never
// fatal to classification.
type Detector interface {
	Name() string
	IsRefusal(text string) (bool, error)
}

// Verdict is one detector's contribution to a classification.
type Verdict struct {
	Method  string  `json:"method"`
	Refusal bool    `json:"refusal"`
	Weight  float64 `json:"weight"`
}

// Result is the outcome of classifying one response.
type Result struct {
	IsRefusal  bool      `json:"is_refusal"`
	Confidence float64   `json:"confidence"`
	Verdicts   []Verdict `json:"verdicts,omitempty"`
}

// Default ensemble weights. The judge is trusted most and the marker list
// least, reflecting their false-positive rates.
const (
	MarkerWeight      = 1.0
	StatisticalWeight = 1.5
	JudgeWeight       = 2.0
)
