// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"time"

	"github.com/arceth/passage/internal/auth"
	"github.com/arceth/passage/internal/crawler"
)

// Report is the envelope handed to a reporter: the login run, and the link
// audit when one was performed.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Login       *auth.LoginResult `json:"login"`
	Audit       *crawler.Summary  `json:"audit,omitempty"`
}

// Reporter writes a report envelope to an output.
type Reporter interface {
	// Write renders the report. Implementations may produce several files.
	Write(report *Report) error
	// Close finalizes the report and releases underlying resources.
	Close() error
}

// New creates a reporter for the given format writing under outputDir.
func New(format, outputDir string) (Reporter, error) {
	switch format {
	case "csv":
		return NewCSVReporter(outputDir), nil
	case "json":
		return NewJSONReporter(outputDir), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
