package dataset

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const embeddedCorpusRef = "embedded:internal/dataset/corpus.yaml"

//go:embed corpus.yaml
var embeddedCorpus []byte

type manifestEntry struct {
	Name     string            `yaml:"name" json:"name"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Prompts  []string          `yaml:"prompts,omitempty" json:"prompts,omitempty"`
	File     string            `yaml:"file,omitempty" json:"file,omitempty"`
}

type manifest struct {
	Version  string          `yaml:"version,omitempty" json:"version,omitempty"`
	Name     string          `yaml:"name,omitempty" json:"name,omitempty"`
	Datasets []manifestEntry `yaml:"datasets" json:"datasets"`
}

// Load resolves datasets from the embedded corpus. names selects datasets
// by name ("all", nil or empty selects everything); budget is a soft cap on
// the total prompt count across the selection, applied in order (0 means
// unlimited).
func Load(names []string, budget int) ([]*Dataset, error) {
	return loadFrom(embeddedCorpus, embeddedCorpusRef, names, budget)
}

// LoadManifest is Load over a caller-supplied manifest file. The manifest is
// YAML; JSON works too since YAML is a superset. Entries may inline their
// prompts or point at a one-prompt-per-line text file resolved relative to
// the manifest.
func LoadManifest(path string, names []string, budget int) ([]*Dataset, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read dataset manifest %q: %w", cleanPath, err)
	}
	return loadFrom(data, cleanPath, names, budget)
}

func loadFrom(data []byte, ref string, names []string, budget int) ([]*Dataset, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse dataset manifest %q: %w", ref, err)
	}
	if len(m.Datasets) == 0 {
		return nil, fmt.Errorf("dataset manifest %q has no datasets", ref)
	}

	selected := selectionSet(names)
	remaining := budget
	out := make([]*Dataset, 0, len(m.Datasets))
	for _, entry := range m.Datasets {
		name := strings.TrimSpace(strings.ToLower(entry.Name))
		if name == "" {
			continue
		}
		if len(selected) > 0 && !selected["all"] && !selected[name] {
			continue
		}
		prompts, err := entryPrompts(entry, ref)
		if err != nil {
			return nil, err
		}
		if len(prompts) == 0 {
			continue
		}
		if budget > 0 {
			if remaining <= 0 {
				break
			}
			if len(prompts) > remaining {
				prompts = prompts[:remaining]
			}
			remaining -= len(prompts)
		}
		out = append(out, FromPrompts(name, prompts, entry.Metadata))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no datasets matched selection %v in %q", names, ref)
	}
	return out, nil
}

func entryPrompts(entry manifestEntry, ref string) ([]string, error) {
	prompts := make([]string, 0, len(entry.Prompts))
	for _, prompt := range entry.Prompts {
		if trimmed := strings.TrimSpace(prompt); trimmed != "" {
			prompts = append(prompts, trimmed)
		}
	}
	if entry.File == "" {
		return prompts, nil
	}
	if strings.HasPrefix(ref, "embedded:") {
		return nil, fmt.Errorf("dataset %q: file references are not allowed in the embedded corpus", entry.Name)
	}
	path := entry.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(ref), path)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read prompt file for dataset %q: %w", entry.Name, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			prompts = append(prompts, trimmed)
		}
	}
	return prompts, nil
}

func selectionSet(names []string) map[string]bool {
	out := map[string]bool{}
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name != "" {
			out[name] = true
		}
	}
	return out
}
