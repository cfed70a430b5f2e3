package migrate

import (
	"fmt"
	"time"

	"github.com/talkbase/weavemigrate/pkg/models"
)

// TransformError reports that a single record could not be converted into the
// target property shape. It is recovered per record: the record is counted as
// failed and the rest of the batch proceeds.
type TransformError struct {
	SourceID   string
	EntityType models.EntityType
	Err        error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s %s: %v", e.EntityType, e.SourceID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// BatchLoadError reports that the target rejected a bulk write after all
// retries were exhausted. It is recovered at batch granularity: the batch's
// records are marked failed and subsequent batches still run.
type BatchLoadError struct {
	EntityType models.EntityType
	Offset     int
	Attempts   int
	Err        error
}

func (e *BatchLoadError) Error() string {
	return fmt.Sprintf("bulk load of %s batch at offset %d failed after %d attempts: %v",
		e.EntityType, e.Offset, e.Attempts, e.Err)
}

func (e *BatchLoadError) Unwrap() error { return e.Err }

// ValidationFailure reports that one or more validation sub-scores fell below
// threshold. It halts the cutover but never triggers an automatic rollback;
// an operator has to decide.
type ValidationFailure struct {
	Report *ValidationReport
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed: count=%.1f%% sample=%.1f%% latency=%.1fms",
		e.Report.CountParityPercent, e.Report.SampleParityPercent, e.Report.AvgQueryLatencyMs)
}

// RollbackTimeoutError reports that a rollback exceeded its time budget.
// The system state is indeterminate and requires manual intervention; the
// rollback is never silently declared successful.
type RollbackTimeoutError struct {
	Budget time.Duration
}

func (e *RollbackTimeoutError) Error() string {
	return fmt.Sprintf("rollback exceeded its %s budget; manual intervention required", e.Budget)
}
