package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tonimelisma/receipts-go/internal/job"
	"github.com/tonimelisma/receipts-go/internal/jobstore"
)

// statusf prints a status message to w unless --quiet is set.
func statusf(w io.Writer, format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(w, format, args...)
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// statusOutput is the JSON schema for one job status line.
type statusOutput struct {
	JobID      string          `json:"job_id"`
	State      string          `json:"state"`
	TimedOut   bool            `json:"timed_out,omitempty"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

func newStatusOutput(st job.Status) statusOutput {
	out := statusOutput{
		JobID:      st.JobID,
		State:      st.State.String(),
		TimedOut:   st.TimedOut,
		Source:     string(st.Source),
		Payload:    st.Payload,
		ObservedAt: st.ObservedAt,
	}

	if st.Err != nil {
		out.Error = st.Err.Error()
	}

	return out
}

// printStatus writes one observed status, as JSON with --json.
func printStatus(w io.Writer, st job.Status) error {
	if flagJSON {
		return printJSON(w, newStatusOutput(st))
	}

	fmt.Fprintln(w, describeStatus(st))

	return nil
}

// describeStatus renders a status as a single human-readable line.
func describeStatus(st job.Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s", st.JobID, st.State)

	switch {
	case st.TimedOut:
		b.WriteString(" (gave up waiting)")
	case st.Err != nil:
		fmt.Fprintf(&b, " (%v)", st.Err)
	case st.Source != "":
		fmt.Fprintf(&b, " [%s]", st.Source)
	}

	if len(st.Payload) > 0 && st.State == job.StateCompleted {
		fmt.Fprintf(&b, "  %s", st.Payload)
	}

	return b.String()
}

// jobOutput is the JSON schema for `jobs --json`.
type jobOutput struct {
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name,omitempty"`
	State     string          `json:"state"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func printJobs(w io.Writer, records []jobstore.Record) error {
	if flagJSON {
		out := make([]jobOutput, 0, len(records))
		for _, r := range records {
			out = append(out, jobOutput{
				JobID:     r.JobID,
				Kind:      r.Kind,
				Name:      r.Name,
				State:     r.State,
				Payload:   r.Payload,
				Error:     r.Error,
				CreatedAt: r.CreatedAt,
				UpdatedAt: r.UpdatedAt,
			})
		}

		return printJSON(w, out)
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No jobs recorded.")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		name := r.Name
		if name == "" {
			name = "-"
		}

		rows = append(rows, []string{r.JobID, r.Kind, name, r.State, formatTime(r.UpdatedAt)})
	}

	printTable(w, []string{"JOB", "KIND", "NAME", "STATE", "UPDATED"}, rows)

	return nil
}
