package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Model is a one-class outlier model over TF-IDF features, fit offline on a
// corpus of known refusals. At runtime it is an opaque scoring function: a
// response whose TF-IDF vector is close enough to the refusal centroid is
// judged a refusal.
type Model struct {
	Vocabulary map[string]int `json:"vocabulary"`
	IDF        []float64      `json:"idf"`
	Centroid   []float64      `json:"centroid"`
	Threshold  float64        `json:"threshold"`
}

// FitModel trains a model on a refusal corpus. Training is an offline
// collaborator concern; the live classification path only calls Score.
// The threshold is set at the lowest cosine similarity any training
// document has to the centroid, scaled by margin (0 < margin <= 1).
func FitModel(corpus []string, margin float64) (*Model, error) {
	if len(corpus) == 0 {
		return nil, errors.New("refusal corpus is empty")
	}
	if margin <= 0 || margin > 1 {
		margin = 0.8
	}

	counts := make([]map[string]int, len(corpus))
	docFreq := map[string]int{}
	for i, doc := range corpus {
		counts[i] = termCounts(doc)
		for term := range counts[i] {
			docFreq[term]++
		}
	}

	terms := make([]string, 0, len(docFreq))
	for term := range docFreq {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	model := &Model{
		Vocabulary: make(map[string]int, len(terms)),
		IDF:        make([]float64, len(terms)),
		Centroid:   make([]float64, len(terms)),
	}
	total := float64(len(corpus))
	for i, term := range terms {
		model.Vocabulary[term] = i
		model.IDF[i] = math.Log((1+total)/(1+float64(docFreq[term]))) + 1
	}

	vectors := make([][]float64, len(corpus))
	for i := range corpus {
		vectors[i] = model.vectorize(counts[i])
		for j, v := range vectors[i] {
			model.Centroid[j] += v
		}
	}
	normalize(model.Centroid)

	minSim := 1.0
	for _, vec := range vectors {
		if sim := dot(vec, model.Centroid); sim < minSim {
			minSim = sim
		}
	}
	model.Threshold = minSim * margin
	return model, nil
}

// Score returns the cosine similarity of the text to the refusal centroid,
// in [0, 1].
func (m *Model) Score(text string) float64 {
	return dot(m.vectorize(termCounts(text)), m.Centroid)
}

func (m *Model) vectorize(counts map[string]int) []float64 {
	vec := make([]float64, len(m.IDF))
	for term, count := range counts {
		index, ok := m.Vocabulary[term]
		if !ok {
			continue
		}
		vec[index] = float64(count) * m.IDF[index]
	}
	normalize(vec)
	return vec
}

func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(model.IDF) != len(model.Centroid) || len(model.Vocabulary) != len(model.IDF) {
		return nil, errors.New("model dimensions are inconsistent")
	}
	return &model, nil
}

func SaveModel(model *Model, path string) error {
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}

// StatisticalDetector wraps a pre-trained Model as a Detector.
type StatisticalDetector struct {
	model *Model
}

func NewStatisticalDetector(model *Model) *StatisticalDetector {
	return &StatisticalDetector{model: model}
}

func (d *StatisticalDetector) Name() string { return "statistical" }

func (d *StatisticalDetector) IsRefusal(text string) (bool, error) {
	if d.model == nil {
		return false, errors.New("statistical model not loaded")
	}
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	return d.model.Score(text) >= d.model.Threshold, nil
}

func termCounts(text string) map[string]int {
	counts := map[string]int{}
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(field, ".,!?;:\"'()[]{}")
		if term == "" {
			continue
		}
		counts[term]++
	}
	return counts
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
