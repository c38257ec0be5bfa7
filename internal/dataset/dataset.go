package dataset

import "strings"

// CostPerToken is the flat per-token rate used for cost estimates.
const CostPerToken = 0.000002

// PromptSource produces a finite, non-restartable sequence of prompts.
// Next returns false once the source is exhausted and stays false.
type PromptSource interface {
	Next() (string, bool)
}

// Dataset is a named prompt sequence with load-time metadata. Eager datasets
// know their size up front; lazy ones do not and are excluded from progress
// denominators.
type Dataset struct {
	Name       string
	Tokens     int
	ApproxCost float64
	Metadata   map[string]string
	Lazy       bool

	size   int
	source PromptSource
}

// Next yields the next prompt. The sequence is consumed once; datasets are
// not restartable.
func (d *Dataset) Next() (string, bool) {
	if d.source == nil {
		return "", false
	}
	return d.source.Next()
}

// Size is the prompt count for eager datasets and 0 for lazy ones.
func (d *Dataset) Size() int {
	if d.Lazy {
		return 0
	}
	return d.size
}

type sliceSource struct {
	prompts []string
}

func (s *sliceSource) Next() (string, bool) {
	if len(s.prompts) == 0 {
		return "", false
	}
	prompt := s.prompts[0]
	s.prompts = s.prompts[1:]
	return prompt, true
}

type funcSource struct {
	next func() (string, bool)
	done bool
}

func (s *funcSource) Next() (string, bool) {
	if s.done || s.next == nil {
		return "", false
	}
	prompt, ok := s.next()
	if !ok {
		s.done = true
		return "", false
	}
	return prompt, true
}

// FromPrompts builds an eager dataset over a pre-materialized prompt list.
func FromPrompts(name string, prompts []string, metadata map[string]string) *Dataset {
	copied := make([]string, len(prompts))
	copy(copied, prompts)
	tokens := 0
	for _, prompt := range copied {
		tokens += CountTokens(prompt)
	}
	return &Dataset{
		Name:       name,
		Tokens:     tokens,
		ApproxCost: float64(tokens) * CostPerToken,
		Metadata:   metadata,
		size:       len(copied),
		source:     &sliceSource{prompts: copied},
	}
}

// FromGenerator builds a lazy dataset over an incremental producer. Token
// and cost figures stay zero because the size is unknown up front.
func FromGenerator(name string, next func() (string, bool), metadata map[string]string) *Dataset {
	return &Dataset{
		Name:     name,
		Metadata: metadata,
		Lazy:     true,
		source:   &funcSource{next: next},
	}
}

// CountTokens approximates the token count of a prompt as its number of
// whitespace-delimited words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
