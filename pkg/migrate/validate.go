package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// maxRecordedMismatches caps the mismatch list in the report; the parity
// percentages stay authoritative.
const maxRecordedMismatches = 50

// latencyProbes is the number of query round trips averaged per entity class
// during the latency pass.
const latencyProbes = 5

// EntityCounts is the per-entity row of the count parity pass.
type EntityCounts struct {
	Entity       models.EntityType `json:"entity"`
	SourceCount  int64             `json:"source_count"`
	TargetCount  int64             `json:"target_count"`
	DeltaPercent float64           `json:"delta_percent"`
}

// Mismatch records one field disagreement found during sample comparison.
type Mismatch struct {
	Entity   models.EntityType `json:"entity"`
	SourceID string            `json:"source_id"`
	TargetID string            `json:"target_id"`
	Field    string            `json:"field"`
	Source   any               `json:"source_value"`
	Target   any               `json:"target_value"`
}

// ValidationReport is the persisted outcome of one validation run. Passed is
// the gate the cutover reads: it requires every sub-pass to hold, while
// Score is the blended composite kept for trend reporting.
type ValidationReport struct {
	GeneratedAt time.Time `json:"generated_at"`

	Counts             []EntityCounts `json:"counts"`
	CountParityPercent float64        `json:"count_parity_percent"`
	CountsMatch        bool           `json:"counts_match"`

	SampleSize          int        `json:"sample_size"`
	SampledRecords      int        `json:"sampled_records"`
	SampleParityPercent float64    `json:"sample_parity_percent"`
	Mismatches          []Mismatch `json:"mismatches,omitempty"`
	SampleOK            bool       `json:"sample_ok"`

	AvgQueryLatencyMs float64 `json:"avg_query_latency_ms"`
	LatencyCeilingMs  float64 `json:"latency_ceiling_ms"`
	LatencyOK         bool    `json:"latency_ok"`

	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// Validator runs the three-pass integrity check behind the cutover gate:
// per-entity count parity, field-level comparison of a random record sample,
// and a query latency battery against the target.
type Validator struct {
	cfg         Config
	source      store.SourceStore
	target      store.TargetStore
	transformer *Transformer
	log         zerolog.Logger

	// randIntn picks sample offsets; replaced in tests for determinism.
	randIntn func(n int) int
}

// NewValidator wires a validator over the two stores.
func NewValidator(cfg Config, source store.SourceStore, target store.TargetStore, log zerolog.Logger) *Validator {
	return &Validator{
		cfg:         cfg,
		source:      source,
		target:      target,
		transformer: NewTransformer(),
		log:         log.With().Str("component", "validator").Logger(),
		randIntn:    rand.Intn,
	}
}

// Run executes all three passes and returns the report. Connectivity errors
// abort the run; parity failures do not, they are the report's content.
func (v *Validator) Run(ctx context.Context) (*ValidationReport, error) {
	if err := v.source.Ping(ctx); err != nil {
		return nil, err
	}
	if err := v.target.Ping(ctx); err != nil {
		return nil, err
	}

	report := &ValidationReport{
		GeneratedAt:      time.Now().UTC(),
		SampleSize:       v.cfg.SampleSize,
		LatencyCeilingMs: v.cfg.LatencyCeilingMs,
	}

	if err := v.countPass(ctx, report); err != nil {
		return nil, err
	}
	if err := v.samplePass(ctx, report); err != nil {
		return nil, err
	}
	if err := v.latencyPass(ctx, report); err != nil {
		return nil, err
	}

	// The composite score blends the three passes; the boolean gate does
	// not, every pass must hold on its own.
	latencyScore := 100.0
	if !report.LatencyOK && report.AvgQueryLatencyMs > 0 {
		latencyScore = report.LatencyCeilingMs / report.AvgQueryLatencyMs * 100
	}
	report.Score = 0.4*report.CountParityPercent + 0.4*report.SampleParityPercent + 0.2*latencyScore
	report.Passed = report.CountsMatch && report.SampleOK && report.LatencyOK

	v.log.Info().
		Float64("count_parity", report.CountParityPercent).
		Float64("sample_parity", report.SampleParityPercent).
		Float64("avg_latency_ms", report.AvgQueryLatencyMs).
		Float64("score", report.Score).
		Bool("passed", report.Passed).
		Msg("validation finished")
	return report, nil
}

func (v *Validator) countPass(ctx context.Context, report *ValidationReport) error {
	report.CountsMatch = true
	var paritySum float64
	for _, entity := range models.AllEntityTypes {
		sc, err := v.source.Count(ctx, entity)
		if err != nil {
			return err
		}
		tc, err := v.target.Count(ctx, entity.Class())
		if err != nil {
			return err
		}

		row := EntityCounts{Entity: entity, SourceCount: sc, TargetCount: tc}
		if sc > 0 {
			diff := sc - tc
			if diff < 0 {
				diff = -diff
			}
			row.DeltaPercent = float64(diff) / float64(sc) * 100
		} else if tc > 0 {
			row.DeltaPercent = 100
		}
		report.Counts = append(report.Counts, row)

		if row.DeltaPercent > v.cfg.CountTolerance*100 {
			report.CountsMatch = false
			v.log.Warn().Str("entity", string(entity)).
				Int64("source", sc).Int64("target", tc).
				Msg("count parity violation")
		}
		parity := 100 - row.DeltaPercent
		if parity < 0 {
			parity = 0
		}
		paritySum += parity
	}
	report.CountParityPercent = paritySum / float64(len(models.AllEntityTypes))
	return nil
}

// samplePass draws random source records and checks that each one exists at
// its mapped target id with identical key fields. The sample budget is split
// across entities in proportion to their record counts.
func (v *Validator) samplePass(ctx context.Context, report *ValidationReport) error {
	var total int64
	counts := make(map[models.EntityType]int64, len(models.AllEntityTypes))
	for _, row := range report.Counts {
		counts[row.Entity] = row.SourceCount
		total += row.SourceCount
	}
	if total == 0 {
		report.SampleParityPercent = 100
		report.SampleOK = true
		return nil
	}

	matched := 0
	for _, entity := range models.AllEntityTypes {
		n := int(int64(v.cfg.SampleSize) * counts[entity] / total)
		if n == 0 && counts[entity] > 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			offset := v.randIntn(int(counts[entity]))
			page, err := v.source.FetchPage(ctx, entity, offset, 1)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				continue
			}
			report.SampledRecords++
			if v.compareRecord(ctx, entity, page[0], report) {
				matched++
			}
		}
	}

	if report.SampledRecords > 0 {
		report.SampleParityPercent = float64(matched) / float64(report.SampledRecords) * 100
	} else {
		report.SampleParityPercent = 100
	}
	report.SampleOK = report.SampleParityPercent >= v.cfg.SampleThreshold*100
	return nil
}

// compareRecord transforms the source record and diffs its key fields
// against the target object. Missing target objects count as a mismatch on
// every key field.
func (v *Validator) compareRecord(ctx context.Context, entity models.EntityType, rec store.Record, report *ValidationReport) bool {
	targetID := rec.TargetID
	if targetID == "" {
		targetID = MapID(rec.SourceID)
	}

	want, err := v.transformer.Transform(rec, entity)
	if err != nil {
		v.recordMismatch(report, Mismatch{
			Entity: entity, SourceID: rec.SourceID, TargetID: targetID,
			Field: "(transform)", Source: err.Error(),
		})
		return false
	}

	got, err := v.target.FetchByID(ctx, entity.Class(), targetID)
	if err != nil {
		v.recordMismatch(report, Mismatch{
			Entity: entity, SourceID: rec.SourceID, TargetID: targetID,
			Field: "(fetch)", Target: err.Error(),
		})
		return false
	}
	if got == nil {
		v.recordMismatch(report, Mismatch{
			Entity: entity, SourceID: rec.SourceID, TargetID: targetID,
			Field: "(missing)",
		})
		return false
	}

	ok := true
	for _, field := range KeyFields(entity) {
		if fmt.Sprint(want[field]) != fmt.Sprint(got[field]) {
			ok = false
			v.recordMismatch(report, Mismatch{
				Entity: entity, SourceID: rec.SourceID, TargetID: targetID,
				Field: field, Source: want[field], Target: got[field],
			})
		}
	}
	return ok
}

func (v *Validator) recordMismatch(report *ValidationReport, m Mismatch) {
	if len(report.Mismatches) < maxRecordedMismatches {
		report.Mismatches = append(report.Mismatches, m)
	}
}

// latencyPass times a small battery of list queries against every target
// class and averages the round trips.
func (v *Validator) latencyPass(ctx context.Context, report *ValidationReport) error {
	var totalMs float64
	probes := 0
	for _, entity := range models.AllEntityTypes {
		fields := TargetFields(entity)
		for i := 0; i < latencyProbes; i++ {
			start := time.Now()
			if _, err := v.target.Query(ctx, entity.Class(), fields, 10); err != nil {
				return err
			}
			totalMs += float64(time.Since(start).Microseconds()) / 1000
			probes++
		}
	}
	if probes > 0 {
		report.AvgQueryLatencyMs = totalMs / float64(probes)
	}
	report.LatencyOK = report.AvgQueryLatencyMs <= v.cfg.LatencyCeilingMs
	return nil
}

// WriteReport persists the report as indented JSON, creating the directory
// if needed.
func WriteReport(path string, report *ValidationReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal validation report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write validation report: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadReport loads a previously written report.
func ReadReport(path string) (*ValidationReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read validation report: %w", err)
	}
	var report ValidationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse validation report %s: %w", path, err)
	}
	return &report, nil
}
