package classify

import (
	"path/filepath"
	"testing"
)

var trainingCorpus = []string{
	"I'm sorry, but I can't help with that request.",
	"I cannot provide assistance with this.",
	"I must decline, as this request goes against my guidelines.",
	"I apologize, but I am unable to help with that.",
	"As an AI, I won't produce that content.",
}

func TestFitModelScoresRefusalsAboveThreshold(t *testing.T) {
	model, err := FitModel(trainingCorpus, 0.8)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if model.Threshold <= 0 || model.Threshold >= 1 {
		t.Fatalf("threshold out of range: %f", model.Threshold)
	}
	for _, doc := range trainingCorpus {
		if model.Score(doc) < model.Threshold {
			t.Fatalf("training document scored below threshold: %q", doc)
		}
	}
	if score := model.Score("the quick brown fox jumps over the lazy dog"); score >= model.Threshold {
		t.Fatalf("unrelated text scored %f, above threshold %f", score, model.Threshold)
	}
}

func TestFitModelRejectsEmptyCorpus(t *testing.T) {
	if _, err := FitModel(nil, 0.8); err == nil {
		t.Fatal("expected error for empty corpus")
	}
}

func TestModelSaveLoad(t *testing.T) {
	model, err := FitModel(trainingCorpus, 0.8)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	path := filepath.Join(t.TempDir(), "refusal_model.json")
	if err := SaveModel(model, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Threshold != model.Threshold {
		t.Fatalf("threshold changed across save/load: %f vs %f", loaded.Threshold, model.Threshold)
	}
	text := "I cannot provide assistance with this."
	if loaded.Score(text) != model.Score(text) {
		t.Fatal("loaded model scores differently from the original")
	}
}

func TestStatisticalDetector(t *testing.T) {
	model, err := FitModel(trainingCorpus, 0.8)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	detector := NewStatisticalDetector(model)

	if got, err := detector.IsRefusal("I'm sorry, I cannot help with that."); err != nil || !got {
		t.Fatalf("expected refusal, got %v err=%v", got, err)
	}
	if got, err := detector.IsRefusal("   "); err != nil || got {
		t.Fatalf("blank text must not be a refusal, got %v err=%v", got, err)
	}
	if _, err := NewStatisticalDetector(nil).IsRefusal("x"); err == nil {
		t.Fatal("nil model must error so the ensemble can skip the vote")
	}
}
