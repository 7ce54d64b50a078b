// internal/reporting/json_reporter.go
package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter renders the whole report as one timestamped JSON document.
type JSONReporter struct {
	outputDir string
	now       func() time.Time
}

// NewJSONReporter creates a JSON reporter writing into outputDir.
func NewJSONReporter(outputDir string) *JSONReporter {
	return &JSONReporter{outputDir: outputDir, now: time.Now}
}

// Write renders the report document.
func (r *JSONReporter) Write(report *Report) error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	name := fmt.Sprintf("passage_report_%s.json", r.now().Format("20060102_150405"))
	path := filepath.Join(r.outputDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Close is a no-op.
func (r *JSONReporter) Close() error { return nil }
