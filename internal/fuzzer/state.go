package fuzzer

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// ProbeRecord is one logged probe event: an error, a refusal or a compliant
// response.
type ProbeRecord struct {
	Module     string
	Prompt     string
	StatusCode int
	Content    string
	Refused    bool
	Error      string
}

// State is the scan's accumulated result log. It is appended to by the
// scan's own control flow; the mutex covers readers inspecting a live scan.
type State struct {
	mu      sync.Mutex
	records []ProbeRecord
}

func NewState() *State {
	return &State{}
}

func (s *State) Record(record ProbeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// Records returns a copy of the log in recording order.
func (s *State) Records() []ProbeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProbeRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Failures returns the logged error and refusal events only.
func (s *State) Failures() []ProbeRecord {
	var out []ProbeRecord
	for _, record := range s.Records() {
		if record.Error != "" || record.Refused {
			out = append(out, record)
		}
	}
	return out
}

// ExportCSV writes the full log as a flat table, one row per probe event.
// Errored probes carry the error message in the content column.
func (s *State) ExportCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"module", "prompt", "status_code", "content", "refused"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, record := range s.Records() {
		content := record.Content
		if record.Error != "" {
			content = record.Error
		}
		row := []string{
			record.Module,
			record.Prompt,
			strconv.Itoa(record.StatusCode),
			content,
			strconv.FormatBool(record.Refused),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteCSVFile exports the log to path, replacing any existing file.
func (s *State) WriteCSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	if err := s.ExportCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
