package classify

import (
	"errors"
	"testing"
)

type stubDetector struct {
	name    string
	refusal bool
	err     error
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) IsRefusal(text string) (bool, error) {
	return d.refusal, d.err
}

func TestTieClassifiesAsRefusal(t *testing.T) {
	h := NewHybrid()
	h.Register(&stubDetector{name: "a", refusal: true}, 1)
	h.Register(&stubDetector{name: "b", refusal: false}, 1)

	result := h.Classify("whatever")
	if !result.IsRefusal {
		t.Fatal("equal weights disagreeing at threshold 0.5 must classify as refusal")
	}
	if result.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %f", result.Confidence)
	}
}

func TestHighThresholdRejectsMajorityVote(t *testing.T) {
	h := NewHybrid(WithThreshold(0.8))
	h.Register(&stubDetector{name: "a", refusal: true}, 2)
	h.Register(&stubDetector{name: "b", refusal: false}, 1)

	result := h.Classify("whatever")
	if result.IsRefusal {
		t.Fatal("2:1 weighted vote (0.666) must not clear a 0.8 threshold")
	}
	if diff := result.Confidence - (1 - 2.0/3.0); diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected confidence 1-score, got %f", result.Confidence)
	}
}

func TestErroredDetectorsAreExcluded(t *testing.T) {
	h := NewHybrid()
	h.Register(&stubDetector{name: "broken", err: errors.New("model unavailable")}, 10)
	h.Register(&stubDetector{name: "ok", refusal: true}, 1)

	result := h.Classify("whatever")
	if !result.IsRefusal {
		t.Fatal("surviving refusal vote must win when the heavy detector errors out")
	}
	if len(result.Verdicts) != 1 || result.Verdicts[0].Method != "ok" {
		t.Fatalf("expected only the surviving verdict, got %+v", result.Verdicts)
	}
}

func TestNoVerdictsMeansNoRefusal(t *testing.T) {
	h := NewHybrid()
	h.Register(&stubDetector{name: "broken", err: errors.New("down")}, 1)

	result := h.Classify("whatever")
	if result.IsRefusal || result.Confidence != 0 {
		t.Fatalf("no surviving verdicts must yield isRefusal=false confidence=0, got %+v", result)
	}
}

func TestUnanimityDisagreementIsUncertain(t *testing.T) {
	h := NewHybrid(WithUnanimity())
	h.Register(&stubDetector{name: "a", refusal: true}, 3)
	h.Register(&stubDetector{name: "b", refusal: false}, 1)

	result := h.Classify("whatever")
	if result.IsRefusal {
		t.Fatal("disagreement under unanimity must not classify as refusal")
	}
	if result.Confidence != 0.5 {
		t.Fatalf("expected uncertain confidence 0.5, got %f", result.Confidence)
	}
}

func TestUnanimousAgreementStillVotes(t *testing.T) {
	h := NewHybrid(WithUnanimity())
	h.Register(&stubDetector{name: "a", refusal: true}, 1)
	h.Register(&stubDetector{name: "b", refusal: true}, 2)

	result := h.Classify("whatever")
	if !result.IsRefusal || result.Confidence != 1 {
		t.Fatalf("unanimous refusal must classify with full confidence, got %+v", result)
	}
}

func TestVerdictOrderFollowsRegistration(t *testing.T) {
	h := NewHybrid()
	h.Register(&stubDetector{name: "first", refusal: true}, 1)
	h.Register(&stubDetector{name: "second", refusal: true}, 1)
	h.Register(&stubDetector{name: "third", refusal: false}, 1)

	result := h.Classify("whatever")
	want := []string{"first", "second", "third"}
	for i, verdict := range result.Verdicts {
		if verdict.Method != want[i] {
			t.Fatalf("verdicts out of order: %+v", result.Verdicts)
		}
	}
}
