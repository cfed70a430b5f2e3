package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// MigrationMode selects which store the application's read/write services use.
// External services consult this single decision point instead of embedding
// migration logic themselves.
type MigrationMode string

const (
	// ModeSQLiteOnly routes all reads and writes to SQLite. This is the
	// pre-migration default and the state rollback returns to.
	ModeSQLiteOnly MigrationMode = "sqlite_only"

	// ModeDualWrite keeps SQLite as the read/write primary while mirroring
	// every write into Weaviate.
	ModeDualWrite MigrationMode = "dual_write"

	// ModeWeaviatePrimary serves reads from Weaviate while writes continue
	// to both stores. Entered only after validation passes.
	ModeWeaviatePrimary MigrationMode = "weaviate_primary"
)

// Valid reports whether m is a known migration mode.
func (m MigrationMode) Valid() bool {
	return m == ModeSQLiteOnly || m == ModeDualWrite || m == ModeWeaviatePrimary
}

// RoutingState is the persisted form of the runtime toggles consulted by the
// application's read/write path.
type RoutingState struct {
	Mode             MigrationMode `json:"migration_mode"`
	DualWriteEnabled bool          `json:"dual_write_enabled"`
	WeaviatePrimary  bool          `json:"weaviate_primary"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Routing owns the runtime store-selection toggles, persisted as a JSON file
// that is rewritten atomically on every change. All accessors are safe for
// concurrent use; the file is the source of truth across processes.
type Routing struct {
	path string

	mu    sync.RWMutex
	state RoutingState
}

// OpenRouting loads the routing state from path, defaulting to
// [ModeSQLiteOnly] when the file does not exist yet.
func OpenRouting(path string) (*Routing, error) {
	r := &Routing{
		path:  path,
		state: RoutingState{Mode: ModeSQLiteOnly},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.applyEnv()
			return r, nil
		}
		return nil, fmt.Errorf("failed to read routing state: %w", err)
	}
	if err := json.Unmarshal(data, &r.state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing state: %w", err)
	}
	if !r.state.Mode.Valid() {
		return nil, fmt.Errorf("invalid migration mode in routing state: %q", r.state.Mode)
	}
	r.applyEnv()
	return r, nil
}

// applyEnv overlays the loaded state with the process environment. The
// override affects this process only; it is never written back to the file.
func (r *Routing) applyEnv() {
	if v := MigrationMode(os.Getenv("MIGRATION_MODE")); v != "" && v.Valid() {
		r.state.Mode = v
		r.state.DualWriteEnabled = v != ModeSQLiteOnly
		r.state.WeaviatePrimary = v == ModeWeaviatePrimary
	}
	if v, err := strconv.ParseBool(os.Getenv("DUAL_WRITE_ENABLED")); err == nil {
		r.state.DualWriteEnabled = v
	}
	if v, err := strconv.ParseBool(os.Getenv("WEAVIATE_PRIMARY")); err == nil {
		r.state.WeaviatePrimary = v
	}
}

// Mode returns the current migration mode.
func (r *Routing) Mode() MigrationMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Mode
}

// DualWriteEnabled reports whether writes must be mirrored into Weaviate.
func (r *Routing) DualWriteEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.DualWriteEnabled
}

// ReadPrimary returns the mode the read path should use: true means reads go
// to Weaviate, false means SQLite.
func (r *Routing) ReadPrimary() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.WeaviatePrimary
}

// SetMode transitions the routing toggles to the given mode and persists
// them. The derived booleans are kept consistent with the mode so external
// services can consult whichever toggle is convenient.
func (r *Routing) SetMode(mode MigrationMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid migration mode: %q", mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = RoutingState{
		Mode:             mode,
		DualWriteEnabled: mode != ModeSQLiteOnly,
		WeaviatePrimary:  mode == ModeWeaviatePrimary,
		UpdatedAt:        time.Now().UTC(),
	}
	return r.save()
}

// State returns a copy of the persisted routing state.
func (r *Routing) State() RoutingState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// save writes the state file via a temp-file rename so readers never observe
// a partially written document. Callers must hold r.mu.
func (r *Routing) save() error {
	data, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal routing state: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create routing state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write routing state: %w", err)
	}
	return os.Rename(tmp, r.path)
}
