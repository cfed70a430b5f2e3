package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// Orchestrator sequences the migration phases over the persisted state
// machine. Every operation validates its preconditions against the state
// file, marks itself active for mutual exclusion, and records its outcome
// before returning. Operations are idempotent: re-running a completed phase
// is a logged no-op, not an error.
type Orchestrator struct {
	cfg     Config
	source  store.SourceStore
	target  store.TargetStore
	routing *store.Routing
	state   *StateFile
	log     zerolog.Logger

	progress ProgressFunc
}

// NewOrchestrator wires an orchestrator over open stores and persisted state.
func NewOrchestrator(cfg Config, source store.SourceStore, target store.TargetStore, routing *store.Routing, state *StateFile, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		source:  source,
		target:  target,
		routing: routing,
		state:   state,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
}

// SetProgress installs a backfill progress callback.
func (o *Orchestrator) SetProgress(fn ProgressFunc) { o.progress = fn }

// migrateDataResult is the phase payload recorded after the backfill; its
// finish time seeds the catch-up window when dual writes are enabled.
type migrateDataResult struct {
	Summary    Summary   `json:"summary"`
	FinishedAt time.Time `json:"finished_at"`
}

// switchReadsResult is the phase payload recorded at cutover; its timestamp
// bounds the reverse sync window during a later rollback.
type switchReadsResult struct {
	SwitchedAt time.Time `json:"switched_at"`
}

// RollbackResult is recorded in the state file after a completed rollback.
type RollbackResult struct {
	RolledBackAt   time.Time `json:"rolled_back_at"`
	FromPhase      Phase     `json:"from_phase"`
	SyncedBack     int64     `json:"synced_back"`
	DeletedObjects int64     `json:"deleted_objects"`
}

// MigrateData runs the batch backfill. A dry run exercises pagination and
// transformation but touches neither the target, the checkpoints nor the
// state machine. A completed real run advances the machine to data_migrated;
// re-running after that point starts over from a clean checkpoint set so the
// backfill can be repeated deliberately.
func (o *Orchestrator) MigrateData(ctx context.Context) (*MigrationResult, error) {
	if o.cfg.DryRun {
		o.log.Info().Msg("dry run: no writes will be issued")
		engine := NewEngine(o.cfg, o.source, o.target, o.state, o.log)
		engine.SetProgress(o.progress)
		return engine.Run(ctx)
	}

	if err := o.state.Begin("migrate_data"); err != nil {
		return nil, err
	}
	rerun := o.state.Reached(PhaseDataMigrated)
	if rerun {
		// Deliberate re-run of a finished backfill: start from scratch,
		// deterministic ids make it an overwrite.
		if err := o.state.ClearCheckpoints(); err != nil {
			return nil, o.fail(err)
		}
	}

	engine := NewEngine(o.cfg, o.source, o.target, o.state, o.log)
	engine.SetProgress(o.progress)
	res, err := engine.Run(ctx)
	if err != nil {
		if o.cfg.RollbackOnFailure {
			if rerr := o.routing.SetMode(store.ModeSQLiteOnly); rerr != nil {
				o.log.Error().Err(rerr).Msg("failed to pin routing back to sqlite")
			} else {
				o.log.Warn().Msg("backfill failed, routing pinned back to sqlite")
			}
		}
		return res, o.fail(err)
	}

	payload := migrateDataResult{Summary: res.Summary(), FinishedAt: time.Now().UTC()}
	if rerun {
		// The phase already advanced past data_migrated; record the fresh
		// result without moving backward.
		err = o.state.FinishOperation(string(PhaseDataMigrated), payload)
	} else {
		err = o.state.Complete(PhaseDataMigrated, payload)
	}
	if err != nil {
		return res, o.fail(err)
	}
	o.log.Info().Int64("migrated", res.Migrated()).Int64("failed", res.Failed()).
		Msg("data migration complete")
	return res, nil
}

// EnableDualWrite closes the write gap that opened since the backfill via a
// forward catch-up sync, then flips routing to mirror every write into the
// target. Requires a completed backfill.
func (o *Orchestrator) EnableDualWrite(ctx context.Context) (*MigrationResult, error) {
	if o.state.Reached(PhaseDualWriteEnabled) {
		o.log.Info().Msg("dual writes already enabled")
		return NewResult(), nil
	}
	if !o.state.Reached(PhaseDataMigrated) {
		return nil, fmt.Errorf("cannot enable dual writes before data migration (current phase: %s)", o.state.Phase())
	}
	if err := o.state.Begin("enable_dual_write"); err != nil {
		return nil, err
	}

	res := NewResult()
	since := o.phaseTime("data_migrated")
	syncer := NewSyncer(o.source, o.target, o.log)
	if err := syncer.Forward(ctx, since, time.Now().UTC(), res); err != nil {
		res.Finish()
		return res, o.fail(err)
	}
	res.Finish()

	if err := o.routing.SetMode(store.ModeDualWrite); err != nil {
		return res, o.fail(err)
	}
	if err := o.state.Complete(PhaseDualWriteEnabled, res.Summary()); err != nil {
		return res, o.fail(err)
	}
	o.log.Info().Int64("caught_up", res.Migrated()).Msg("dual writes enabled")
	return res, nil
}

// Validate runs the integrity check, persists the report, and advances the
// machine only when every sub-pass holds. A failing report halts here with a
// [*ValidationFailure]; it never triggers an automatic rollback. Re-running
// after the machine has moved past validated re-checks and refreshes the
// stored report without moving the phase backward.
func (o *Orchestrator) Validate(ctx context.Context) (*ValidationReport, error) {
	if !o.state.Reached(PhaseDualWriteEnabled) {
		return nil, fmt.Errorf("cannot validate before dual writes are enabled (current phase: %s)", o.state.Phase())
	}
	if err := o.state.Begin("validate"); err != nil {
		return nil, err
	}
	rerun := o.state.Reached(PhaseValidated)

	validator := NewValidator(o.cfg, o.source, o.target, o.log)
	report, err := validator.Run(ctx)
	if err != nil {
		return nil, o.fail(err)
	}
	if err := WriteReport(o.cfg.ReportPath(), report); err != nil {
		return report, o.fail(err)
	}

	if !report.Passed {
		failure := &ValidationFailure{Report: report}
		return report, o.fail(failure)
	}
	if rerun {
		err = o.state.FinishOperation(string(PhaseValidated), report)
	} else {
		err = o.state.Complete(PhaseValidated, report)
	}
	if err != nil {
		return report, o.fail(err)
	}
	return report, nil
}

// SwitchReads cuts reads over to the target. It re-reads the persisted
// report rather than trusting the phase alone, so a hand-edited state file
// cannot skip the gate.
func (o *Orchestrator) SwitchReads(ctx context.Context) error {
	if o.state.Reached(PhaseReadsSwitched) {
		o.log.Info().Msg("reads already switched")
		return nil
	}
	if !o.state.Reached(PhaseValidated) {
		return fmt.Errorf("cannot switch reads before validation passes (current phase: %s)", o.state.Phase())
	}

	report, err := ReadReport(o.cfg.ReportPath())
	if err != nil {
		return fmt.Errorf("validation report required before switching reads: %w", err)
	}
	if !report.Passed {
		return &ValidationFailure{Report: report}
	}

	if err := o.state.Begin("switch_reads"); err != nil {
		return err
	}
	if err := o.target.Ping(ctx); err != nil {
		return o.fail(err)
	}
	if err := o.routing.SetMode(store.ModeWeaviatePrimary); err != nil {
		return o.fail(err)
	}
	if err := o.state.Complete(PhaseReadsSwitched, switchReadsResult{SwitchedAt: time.Now().UTC()}); err != nil {
		return o.fail(err)
	}
	o.log.Info().Msg("reads switched to weaviate")
	return nil
}

// Finalize marks the migration complete after the operator has observed a
// stable system with reads on the target. Past this point rollback still
// works but is an explicit reversal, not an abort.
func (o *Orchestrator) Finalize(ctx context.Context) error {
	if o.state.Reached(PhaseComplete) {
		o.log.Info().Msg("migration already complete")
		return nil
	}
	if !o.state.Reached(PhaseReadsSwitched) {
		return fmt.Errorf("cannot complete before reads are switched (current phase: %s)", o.state.Phase())
	}
	if err := o.state.Begin("complete"); err != nil {
		return err
	}
	if err := o.state.Complete(PhaseComplete, nil); err != nil {
		return o.fail(err)
	}
	o.log.Info().Msg("migration complete")
	return nil
}

// Rollback reverses the migration: routing is pinned back to SQLite first,
// target-era writes are synced back into the source, migrated objects are
// deleted from the target, and the state machine returns to not_started.
//
// The whole sequence runs under the configured rollback timeout. On timeout
// the system state is indeterminate and a [*RollbackTimeoutError] is
// returned; the rollback is never silently declared successful.
func (o *Orchestrator) Rollback(ctx context.Context) (*RollbackResult, error) {
	fromPhase := o.state.Phase()
	if fromPhase == PhaseNotStarted {
		o.log.Info().Msg("nothing to roll back")
		return &RollbackResult{RolledBackAt: time.Now().UTC(), FromPhase: fromPhase}, nil
	}
	if err := o.state.Begin("rollback"); err != nil {
		return nil, err
	}

	type outcome struct {
		result *RollbackResult
		err    error
	}
	done := make(chan outcome, 1)
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RollbackTimeout)
	defer cancel()

	go func() {
		res, err := o.rollback(rctx, fromPhase)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, o.fail(&RollbackTimeoutError{Budget: o.cfg.RollbackTimeout})
			}
			return nil, o.fail(out.err)
		}
		if err := o.state.ResetForRollback(out.result); err != nil {
			return out.result, o.fail(err)
		}
		o.log.Info().Str("from_phase", string(fromPhase)).
			Int64("deleted_objects", out.result.DeletedObjects).
			Int64("synced_back", out.result.SyncedBack).
			Msg("rollback complete")
		return out.result, nil
	case <-rctx.Done():
		// The worker keeps going on the expired context and bails out at its
		// next store call; the state file records the failure either way.
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, o.fail(&RollbackTimeoutError{Budget: o.cfg.RollbackTimeout})
		}
		return nil, o.fail(rctx.Err())
	}
}

func (o *Orchestrator) rollback(ctx context.Context, fromPhase Phase) (*RollbackResult, error) {
	result := &RollbackResult{RolledBackAt: time.Now().UTC(), FromPhase: fromPhase}

	// Reads and writes go back to SQLite before anything else, so the data
	// cleanup below races with no live traffic.
	if err := o.routing.SetMode(store.ModeSQLiteOnly); err != nil {
		return nil, err
	}

	// Writes that landed while the target was the read primary exist only
	// there; carry them home before deleting anything.
	if switchedAt := o.phaseTime("reads_switched"); !switchedAt.IsZero() {
		res := NewResult()
		syncer := NewSyncer(o.source, o.target, o.log)
		if err := syncer.Reverse(ctx, switchedAt, res); err != nil {
			return nil, err
		}
		result.SyncedBack = res.Migrated()
	}

	// Delete children before parents.
	for i := len(models.AllEntityTypes) - 1; i >= 0; i-- {
		entity := models.AllEntityTypes[i]
		n, err := o.target.DeleteMigrated(ctx, entity.Class())
		if err != nil {
			return nil, err
		}
		result.DeletedObjects += n
	}
	return result, nil
}

// Status combines the state machine snapshot with the live routing toggles.
type MigrationStatus struct {
	State   State              `json:"state"`
	Routing store.RoutingState `json:"routing"`
}

// Status reports where the migration stands without touching either store.
func (o *Orchestrator) Status() MigrationStatus {
	return MigrationStatus{
		State:   o.state.Snapshot(),
		Routing: o.routing.State(),
	}
}

// fail records the error in the state file and returns it unchanged.
func (o *Orchestrator) fail(err error) error {
	if serr := o.state.Fail(err.Error()); serr != nil {
		o.log.Error().Err(serr).Msg("failed to record failure in state file")
	}
	return err
}

// phaseTime extracts a timestamp recorded in a phase's data payload,
// returning the zero time when the payload is absent or unreadable.
func (o *Orchestrator) phaseTime(phase string) time.Time {
	snap := o.state.Snapshot()
	raw, ok := snap.Data[phase]
	if !ok {
		return time.Time{}
	}
	var payload struct {
		FinishedAt time.Time `json:"finished_at"`
		SwitchedAt time.Time `json:"switched_at"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return time.Time{}
	}
	if !payload.FinishedAt.IsZero() {
		return payload.FinishedAt
	}
	return payload.SwitchedAt
}
