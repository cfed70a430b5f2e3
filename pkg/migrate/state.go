package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/talkbase/weavemigrate/pkg/models"
)

// Phase names a completed step of the migration state machine.
type Phase string

const (
	PhaseNotStarted       Phase = "not_started"
	PhaseDataMigrated     Phase = "data_migrated"
	PhaseDualWriteEnabled Phase = "dual_write_enabled"
	PhaseValidated        Phase = "validated"
	PhaseReadsSwitched    Phase = "reads_switched"
	PhaseComplete         Phase = "complete"
)

// phaseOrder defines the forward-only progression. Rollback is the single
// permitted backward transition and always lands on PhaseNotStarted.
var phaseOrder = []Phase{
	PhaseNotStarted,
	PhaseDataMigrated,
	PhaseDualWriteEnabled,
	PhaseValidated,
	PhaseReadsSwitched,
	PhaseComplete,
}

func phaseRank(p Phase) int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Status is the run status recorded alongside the current phase.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// State is the durable record of migration progress, rewritten after every
// phase transition so a crash mid-run resumes from the last completed phase
// rather than restarting. The file doubles as an external audit trail.
type State struct {
	MigrationID string    `json:"migration_id"`
	CurrentStep Phase     `json:"current_step"`
	Status      Status    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// ActiveOperation names the phase currently executing, if any. It is
	// what enforces mutual exclusion between migration and rollback.
	// OperationPID and OperationHost identify the owning process so a lock
	// left behind by a crashed run can be reclaimed on the next open.
	ActiveOperation string `json:"active_operation,omitempty"`
	OperationPID    int    `json:"operation_pid,omitempty"`
	OperationHost   string `json:"operation_host,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Checkpoints holds the last successfully loaded offset per entity so an
	// aborted backfill resumes instead of restarting.
	Checkpoints map[models.EntityType]int `json:"checkpoints,omitempty"`

	// Data holds phase-specific result payloads keyed by phase name.
	Data map[string]json.RawMessage `json:"data,omitempty"`
}

// StateFile owns the persisted migration state. The orchestrator is its only
// writer; everything else reads snapshots.
type StateFile struct {
	path string

	mu    sync.Mutex
	state State
}

// processAlive reports whether a process with the given pid exists. Swapped
// out in tests.
var processAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// lockIsStale reports whether the persisted active operation belongs to a
// process that no longer exists. A lock held on another host cannot be
// checked and is honored as live; a lock with no recorded owner predates
// owner tracking and is treated as abandoned.
func lockIsStale(st State) bool {
	if st.OperationPID == 0 {
		return true
	}
	host, err := os.Hostname()
	if err != nil || st.OperationHost != host {
		return false
	}
	return !processAlive(st.OperationPID)
}

// OpenState loads the state file at path, or initializes a fresh
// not-started state with a new migration id when the file does not exist.
// An active-operation lock whose owning process has died is reclaimed here,
// so a run killed mid-phase can resume instead of being locked out forever.
func OpenState(path string) (*StateFile, error) {
	sf := &StateFile{
		path: path,
		state: State{
			MigrationID: uuid.NewString(),
			CurrentStep: PhaseNotStarted,
			Timestamp:   time.Now().UTC(),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sf, nil
		}
		return nil, fmt.Errorf("failed to read migration state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal migration state: %w", err)
	}
	if phaseRank(st.CurrentStep) < 0 {
		return nil, fmt.Errorf("invalid phase in migration state: %q", st.CurrentStep)
	}
	sf.state = st

	if st.ActiveOperation != "" && lockIsStale(st) {
		op := st.ActiveOperation
		sf.state.ActiveOperation = ""
		sf.state.OperationPID = 0
		sf.state.OperationHost = ""
		sf.state.Status = StatusFailed
		sf.state.Timestamp = time.Now().UTC()
		raw, _ := json.Marshal(fmt.Sprintf("operation %q interrupted, lock reclaimed", op))
		if sf.state.Data == nil {
			sf.state.Data = make(map[string]json.RawMessage)
		}
		sf.state.Data["last_error"] = raw
		if err := sf.save(); err != nil {
			return nil, err
		}
	}
	return sf, nil
}

// Phase returns the last completed phase.
func (sf *StateFile) Phase() Phase {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state.CurrentStep
}

// Reached reports whether the state machine has advanced at least to p.
func (sf *StateFile) Reached(p Phase) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return phaseRank(sf.state.CurrentStep) >= phaseRank(p)
}

// Begin marks an operation as in flight. It fails when another operation is
// already active, which is what keeps rollback and migration phases mutually
// exclusive across processes sharing the state file.
func (sf *StateFile) Begin(op string) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.state.ActiveOperation != "" {
		return fmt.Errorf("operation %q already in progress", sf.state.ActiveOperation)
	}
	sf.state.ActiveOperation = op
	sf.state.OperationPID = os.Getpid()
	sf.state.OperationHost, _ = os.Hostname()
	sf.state.Status = StatusInProgress
	sf.state.Timestamp = time.Now().UTC()
	if sf.state.StartedAt == nil {
		t := sf.state.Timestamp
		sf.state.StartedAt = &t
	}
	return sf.save()
}

// Complete advances the state machine to phase and records its result
// payload. Phases only move forward here; rollback is the one exception and
// goes through ResetForRollback.
func (sf *StateFile) Complete(phase Phase, data any) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if phaseRank(phase) < phaseRank(sf.state.CurrentStep) {
		return fmt.Errorf("phase cannot move backward from %s to %s", sf.state.CurrentStep, phase)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal phase data: %w", err)
		}
		if sf.state.Data == nil {
			sf.state.Data = make(map[string]json.RawMessage)
		}
		sf.state.Data[string(phase)] = raw
	}

	sf.state.CurrentStep = phase
	sf.state.Status = StatusCompleted
	sf.state.ActiveOperation = ""
	sf.state.OperationPID = 0
	sf.state.OperationHost = ""
	sf.state.Timestamp = time.Now().UTC()
	if phase == PhaseComplete {
		t := sf.state.Timestamp
		sf.state.CompletedAt = &t
	}
	return sf.save()
}

// FinishOperation ends the active operation and stores its payload under key
// without moving the phase. Used when a phase that already completed is
// deliberately re-run.
func (sf *StateFile) FinishOperation(key string, data any) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal phase data: %w", err)
		}
		if sf.state.Data == nil {
			sf.state.Data = make(map[string]json.RawMessage)
		}
		sf.state.Data[key] = raw
	}

	sf.state.Status = StatusCompleted
	sf.state.ActiveOperation = ""
	sf.state.OperationPID = 0
	sf.state.OperationHost = ""
	sf.state.Timestamp = time.Now().UTC()
	return sf.save()
}

// Fail records a failed operation without advancing the phase.
func (sf *StateFile) Fail(reason string) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.state.Status = StatusFailed
	sf.state.ActiveOperation = ""
	sf.state.OperationPID = 0
	sf.state.OperationHost = ""
	sf.state.Timestamp = time.Now().UTC()
	raw, _ := json.Marshal(reason)
	if sf.state.Data == nil {
		sf.state.Data = make(map[string]json.RawMessage)
	}
	sf.state.Data["last_error"] = raw
	return sf.save()
}

// Checkpoint returns the last successfully loaded offset for the entity.
func (sf *StateFile) Checkpoint(entity models.EntityType) int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state.Checkpoints[entity]
}

// SetCheckpoint persists the offset reached for the entity. Called at batch
// boundaries, which are the run's only safe cancellation points.
func (sf *StateFile) SetCheckpoint(entity models.EntityType, offset int) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.state.Checkpoints == nil {
		sf.state.Checkpoints = make(map[models.EntityType]int)
	}
	sf.state.Checkpoints[entity] = offset
	return sf.save()
}

// ClearCheckpoints drops all backfill progress. Used before a forced full
// re-run and by rollback.
func (sf *StateFile) ClearCheckpoints() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.state.Checkpoints = nil
	return sf.save()
}

// ResetForRollback is the one backward transition: it returns the machine to
// not_started, clears checkpoints and records the rollback payload.
func (sf *StateFile) ResetForRollback(data any) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal rollback data: %w", err)
		}
		if sf.state.Data == nil {
			sf.state.Data = make(map[string]json.RawMessage)
		}
		sf.state.Data["rollback"] = raw
	}

	sf.state.CurrentStep = PhaseNotStarted
	sf.state.Status = StatusCompleted
	sf.state.ActiveOperation = ""
	sf.state.OperationPID = 0
	sf.state.OperationHost = ""
	sf.state.Checkpoints = nil
	sf.state.CompletedAt = nil
	sf.state.Timestamp = time.Now().UTC()
	return sf.save()
}

// Snapshot returns a copy of the current state for display and auditing.
func (sf *StateFile) Snapshot() State {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	st := sf.state
	if sf.state.Checkpoints != nil {
		st.Checkpoints = make(map[models.EntityType]int, len(sf.state.Checkpoints))
		for k, v := range sf.state.Checkpoints {
			st.Checkpoints[k] = v
		}
	}
	if sf.state.Data != nil {
		st.Data = make(map[string]json.RawMessage, len(sf.state.Data))
		for k, v := range sf.state.Data {
			st.Data[k] = v
		}
	}
	return st
}

// save rewrites the state file via a temp-file rename. Callers hold sf.mu.
func (sf *StateFile) save() error {
	data, err := json.MarshalIndent(sf.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal migration state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := sf.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write migration state: %w", err)
	}
	return os.Rename(tmp, sf.path)
}
