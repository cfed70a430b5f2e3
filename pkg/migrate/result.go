package migrate

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxRecordedErrors caps the per-run error list so a pathological source
// cannot balloon the result or the persisted state.
const maxRecordedErrors = 100

// MigrationResult accumulates the outcome of one migration run. The counters
// are atomic because concurrent batch workers share nothing else; the error
// and warning lists are mutex-guarded. Once the run ends the result is
// read-only.
type MigrationResult struct {
	total    atomic.Int64
	migrated atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64

	mu       sync.Mutex
	errors   []string
	warnings []string

	startedAt  time.Time
	finishedAt time.Time
}

// NewResult starts the run clock.
func NewResult() *MigrationResult {
	return &MigrationResult{startedAt: time.Now()}
}

func (r *MigrationResult) AddTotal(n int64)    { r.total.Add(n) }
func (r *MigrationResult) AddMigrated(n int64) { r.migrated.Add(n) }
func (r *MigrationResult) AddFailed(n int64)   { r.failed.Add(n) }
func (r *MigrationResult) AddSkipped(n int64)  { r.skipped.Add(n) }

func (r *MigrationResult) Migrated() int64 { return r.migrated.Load() }
func (r *MigrationResult) Failed() int64   { return r.failed.Load() }
func (r *MigrationResult) Total() int64    { return r.total.Load() }

// RecordError appends an error to the run's error list, capped at
// maxRecordedErrors. The counters, not this list, are authoritative.
func (r *MigrationResult) RecordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errors) < maxRecordedErrors {
		r.errors = append(r.errors, err.Error())
	}
}

// Warn appends a non-fatal warning to the run's warning list.
func (r *MigrationResult) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.warnings) < maxRecordedErrors {
		r.warnings = append(r.warnings, msg)
	}
}

// Finish stops the run clock. Further mutation is a programming error.
func (r *MigrationResult) Finish() {
	r.finishedAt = time.Now()
}

// Summary is the serializable snapshot of a result, printed after every run
// regardless of outcome so partial success stays legible.
type Summary struct {
	TotalRecords     int64    `json:"total_records"`
	MigratedRecords  int64    `json:"migrated_records"`
	FailedRecords    int64    `json:"failed_records"`
	SkippedRecords   int64    `json:"skipped_records"`
	Errors           []string `json:"errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	DurationSeconds  float64  `json:"duration_seconds"`
	RecordsPerSecond float64  `json:"records_per_second"`
}

// Summary returns a snapshot of the result.
func (r *MigrationResult) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	dur := end.Sub(r.startedAt)

	s := Summary{
		TotalRecords:    r.total.Load(),
		MigratedRecords: r.migrated.Load(),
		FailedRecords:   r.failed.Load(),
		SkippedRecords:  r.skipped.Load(),
		Errors:          append([]string(nil), r.errors...),
		Warnings:        append([]string(nil), r.warnings...),
		DurationSeconds: dur.Seconds(),
	}
	if dur > 0 {
		s.RecordsPerSecond = float64(s.MigratedRecords) / dur.Seconds()
	}
	return s
}
