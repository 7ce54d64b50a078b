// internal/reporting/csv_reporter.go
package reporting

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CSVReporter renders a report as a set of numbered, timestamped CSV files in
// an output directory, one file per concern. The numbering keeps the files
// sorted in reading order in a directory listing.
type CSVReporter struct {
	outputDir string
	// now is swappable in tests to pin the timestamp suffix.
	now func() time.Time
}

// NewCSVReporter creates a CSV reporter writing into outputDir. The directory
// is created on the first Write.
func NewCSVReporter(outputDir string) *CSVReporter {
	return &CSVReporter{outputDir: outputDir, now: time.Now}
}

// Write renders the report files. Already existing files from earlier runs
// are left alone; the timestamp suffix keeps runs apart.
func (r *CSVReporter) Write(report *Report) error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	stamp := r.now().Format("20060102_150405")

	if err := r.writeSummary(report, stamp); err != nil {
		return err
	}
	if report.Audit != nil {
		if err := r.writeLinkCatalog(report, stamp); err != nil {
			return err
		}
		if err := r.writeBrokenLinks(report, stamp); err != nil {
			return err
		}
	}
	if report.Login != nil {
		if err := r.writeLoginAttempts(report, stamp); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; every Write leaves closed files behind.
func (r *CSVReporter) Close() error { return nil }

func (r *CSVReporter) writeSummary(report *Report, stamp string) error {
	rows := [][]string{{"metric", "value"}}
	rows = append(rows, []string{"generated_at", report.GeneratedAt.Format(time.RFC3339)})

	if report.Login != nil {
		rows = append(rows,
			[]string{"login_success", strconv.FormatBool(report.Login.Success)},
			[]string{"login_outcome", string(report.Login.Outcome.Kind)},
			[]string{"login_attempts", strconv.Itoa(len(report.Login.Attempts))},
			[]string{"login_elapsed", report.Login.TotalElapsed.Round(time.Millisecond).String()},
		)
	}
	if report.Audit != nil {
		rows = append(rows,
			[]string{"page_url", report.Audit.PageURL},
			[]string{"page_title", report.Audit.PageTitle},
			[]string{"total_links", strconv.Itoa(report.Audit.TotalLinks)},
			[]string{"broken_links", strconv.Itoa(report.Audit.Broken)},
			[]string{"audit_elapsed", report.Audit.Elapsed.Round(time.Millisecond).String()},
		)
	}
	return r.writeFile(fmt.Sprintf("01_Summary_%s.csv", stamp), rows)
}

func (r *CSVReporter) writeLinkCatalog(report *Report, stamp string) error {
	rows := [][]string{{"url", "text", "status_code", "ok", "elapsed_ms", "error"}}
	for _, res := range report.Audit.Results {
		rows = append(rows, []string{
			res.URL,
			res.Text,
			strconv.Itoa(res.StatusCode),
			strconv.FormatBool(res.OK),
			strconv.FormatInt(res.Elapsed.Milliseconds(), 10),
			res.Error,
		})
	}
	return r.writeFile(fmt.Sprintf("02_All_Links_Catalog_%s.csv", stamp), rows)
}

func (r *CSVReporter) writeBrokenLinks(report *Report, stamp string) error {
	rows := [][]string{{"url", "text", "status_code", "error"}}
	for _, res := range report.Audit.Results {
		if res.OK {
			continue
		}
		rows = append(rows, []string{
			res.URL,
			res.Text,
			strconv.Itoa(res.StatusCode),
			res.Error,
		})
	}
	return r.writeFile(fmt.Sprintf("04_Broken_Links_Details_%s.csv", stamp), rows)
}

func (r *CSVReporter) writeLoginAttempts(report *Report, stamp string) error {
	rows := [][]string{{"number", "started_at", "outcome", "security_step", "timed_out", "elapsed_ms", "cleanup_actions"}}
	for _, a := range report.Login.Attempts {
		rows = append(rows, []string{
			strconv.Itoa(a.Number),
			a.StartedAt.Format(time.RFC3339),
			string(a.Outcome.Kind),
			string(a.Outcome.SecurityStep),
			strconv.FormatBool(a.Outcome.TimedOut),
			strconv.FormatInt(a.Elapsed.Milliseconds(), 10),
			strings.Join(a.CleanupActions, "|"),
		})
	}
	return r.writeFile(fmt.Sprintf("05_Login_Attempts_%s.csv", stamp), rows)
}

func (r *CSVReporter) writeFile(name string, rows [][]string) error {
	path := filepath.Join(r.outputDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flushing %s: %w", name, err)
	}
	return f.Close()
}
