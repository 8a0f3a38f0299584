// Package report accounts for a pipeline run: how many units of work (chunks
// or items) were attempted, how many succeeded, and why the rest failed.
package report

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Failure records one unit that was skipped.
type Failure struct {
	Index    int    `json:"index"`
	Label    string `json:"label"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID     string        `json:"run_id"`
	Unit      string        `json:"unit"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Retries   int           `json:"retries"`
	Failures  []Failure     `json:"failures,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`

	started time.Time
}

// New starts a report for total units of the given kind ("chunk", "item").
func New(unit string, total int) *Report {
	return &Report{
		RunID:   uuid.NewString(),
		Unit:    unit,
		Total:   total,
		started: time.Now(),
	}
}

// Succeed records a completed unit and the retries it took.
func (r *Report) Succeed(retries int) {
	r.Succeeded++
	r.Retries += retries
}

// Fail records a skipped unit.
func (r *Report) Fail(index int, label string, attempts int, err error) {
	r.Failed++
	if attempts > 1 {
		r.Retries += attempts - 1
	}
	f := Failure{Index: index, Label: label, Attempts: attempts}
	if err != nil {
		f.Error = err.Error()
	}
	r.Failures = append(r.Failures, f)
}

// Finish stamps the elapsed time and returns the report by value.
func (r *Report) Finish() Report {
	r.Elapsed = time.Since(r.started)
	return *r
}

// Complete reports whether every unit succeeded.
func (r Report) Complete() bool {
	return r.Failed == 0 && r.Succeeded == r.Total
}

// Fields renders the counts as zap fields.
func (r Report) Fields() []zap.Field {
	return []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("unit", r.Unit),
		zap.Int("total", r.Total),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("retries", r.Retries),
		zap.Duration("elapsed", r.Elapsed),
	}
}
