// Package fusion enriches timeline events with encounter context,
// cross-referenced clinical entities, and provenance.
package fusion

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/dataset"
)

// Default caps and window for the cross-reference lookups.
const (
	DefaultContextWindowDays    = 7
	DefaultMaxRelatedDiagnoses  = 6
	DefaultMaxRelatedMedication = 6
	DefaultMaxRelatedLabs       = 8
	DefaultMaxRelatedProcedures = 6
)

// Config tunes the fusion caps. Zero values select the defaults.
type Config struct {
	ContextWindowDays     int
	MaxRelatedDiagnoses   int
	MaxRelatedMedications int
	MaxRelatedLabs        int
	MaxRelatedProcedures  int
}

func (c Config) windowDays() int {
	if c.ContextWindowDays > 0 {
		return c.ContextWindowDays
	}
	return DefaultContextWindowDays
}

func orCap(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Fuser attaches clinical context and provenance to timeline events. It
// carries no per-run state.
type Fuser struct {
	data   *dataset.Accessor
	logger zerolog.Logger
	cfg    Config
}

// NewFuser creates a Fuser over the given data accessor.
func NewFuser(data *dataset.Accessor, logger zerolog.Logger, cfg Config) *Fuser {
	return &Fuser{
		data:   data,
		logger: logger.With().Str("component", "context_fusion").Logger(),
		cfg:    cfg,
	}
}

// ---------------------------------------------------------------------------
// Lookup records
// ---------------------------------------------------------------------------

type encounterRecord struct {
	id          string
	class       string
	provider    string
	facility    string
	reasonCode  string
	reasonDesc  string
	start, stop *time.Time
}

type spanRecord struct {
	description string
	code        string
	encounterID string
	start, stop *time.Time
}

type pointRecord struct {
	description string
	code        string
	value       string
	unit        string
	encounterID string
	when        *time.Time
}

type lookups struct {
	encounters   []encounterRecord
	byID         map[string]*encounterRecord
	conditions   []spanRecord
	medications  []spanRecord
	observations []pointRecord
	procedures   []pointRecord
}

// ---------------------------------------------------------------------------
// Fusion
// ---------------------------------------------------------------------------

// Fuse attaches ClinicalContext and Provenance to every event in place.
// Events keep their identity, order, and timing; fusion only annotates.
func (f *Fuser) Fuse(ctx context.Context, identity *evolution.IdentityRecord, events []evolution.TimelineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lk, err := f.loadLookups(identity.PatientKey)
	if err != nil {
		return err
	}

	window := time.Duration(f.cfg.windowDays()) * 24 * time.Hour
	for i := range events {
		e := &events[i]
		enc, tier := resolveEncounter(lk, e)

		cc := &evolution.ClinicalContext{}
		if enc != nil {
			cc.EncounterID = enc.id
			cc.EncounterClass = enc.class
			cc.Provider = enc.provider
			cc.Facility = enc.facility
			cc.ReasonCode = enc.reasonCode
			cc.ReasonDescription = enc.reasonDesc
		}
		encID := ""
		if enc != nil {
			encID = enc.id
		}
		cc.RelatedDiagnoses = relatedSpans(lk.conditions, e.TimeStart, encID,
			orCap(f.cfg.MaxRelatedDiagnoses, DefaultMaxRelatedDiagnoses))
		cc.RelatedMedications = relatedSpans(lk.medications, e.TimeStart, encID,
			orCap(f.cfg.MaxRelatedMedications, DefaultMaxRelatedMedication))
		cc.RelatedLabs = relatedPoints(lk.observations, e.TimeStart, encID, window,
			orCap(f.cfg.MaxRelatedLabs, DefaultMaxRelatedLabs))
		cc.RelatedProcedures = relatedPoints(lk.procedures, e.TimeStart, encID, window,
			orCap(f.cfg.MaxRelatedProcedures, DefaultMaxRelatedProcedures))
		e.ClinicalContext = cc

		e.Provenance = &evolution.Provenance{
			SourceFile:      e.SourceFile,
			SourceType:      e.SourceDataset,
			EventID:         e.EventID,
			RecordID:        firstNonEmpty(e.Context["resource_id"], e.Context["encounter_id"], encID),
			ResourceType:    e.Context["resource_type"],
			AssociationTier: tier,
		}
	}

	f.logger.Debug().
		Str("patient_key", identity.PatientKey).
		Int("events", len(events)).
		Int("encounters", len(lk.encounters)).
		Msg("context fusion complete")
	return nil
}

// resolveEncounter maps an event to its encounter, trying the explicit id,
// then window containment, then the nearest encounter start.
func resolveEncounter(lk *lookups, e *evolution.TimelineEvent) (*encounterRecord, string) {
	if id := e.Context["encounter_id"]; id != "" {
		if enc, ok := lk.byID[id]; ok {
			return enc, evolution.AssociationEncounterID
		}
	}
	if e.TimeStart == nil || len(lk.encounters) == 0 {
		return nil, ""
	}
	t := *e.TimeStart
	for i := range lk.encounters {
		enc := &lk.encounters[i]
		if enc.start == nil || t.Before(*enc.start) {
			continue
		}
		if enc.stop == nil || !t.After(*enc.stop) {
			return enc, evolution.AssociationContainment
		}
	}

	var nearest *encounterRecord
	best := math.MaxFloat64
	for i := range lk.encounters {
		enc := &lk.encounters[i]
		if enc.start == nil {
			continue
		}
		if d := math.Abs(t.Sub(*enc.start).Seconds()); d < best {
			best = d
			nearest = enc
		}
	}
	if nearest == nil {
		return nil, ""
	}
	return nearest, evolution.AssociationNearest
}

// relatedSpans selects span records active at the event time or sharing the
// event's encounter.
func relatedSpans(spans []spanRecord, t *time.Time, encounterID string, limit int) []evolution.RelatedEntity {
	var out []evolution.RelatedEntity
	for _, s := range spans {
		if len(out) >= limit {
			break
		}
		sameEncounter := encounterID != "" && s.encounterID == encounterID
		active := t != nil && s.start != nil && !t.Before(*s.start) &&
			(s.stop == nil || !t.After(*s.stop))
		if !sameEncounter && !active {
			continue
		}
		out = append(out, evolution.RelatedEntity{Description: s.description, Code: s.code})
	}
	return out
}

// relatedPoints selects point records sharing the event's encounter or
// falling within the context window around the event time.
func relatedPoints(points []pointRecord, t *time.Time, encounterID string, window time.Duration, limit int) []evolution.RelatedEntity {
	var out []evolution.RelatedEntity
	for _, p := range points {
		if len(out) >= limit {
			break
		}
		sameEncounter := encounterID != "" && p.encounterID == encounterID
		inWindow := t != nil && p.when != nil &&
			absDuration(t.Sub(*p.when)) <= window
		if !sameEncounter && !inWindow {
			continue
		}
		out = append(out, evolution.RelatedEntity{
			Description: p.description,
			Code:        p.code,
			Value:       p.value,
			Unit:        p.unit,
		})
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ---------------------------------------------------------------------------
// Lookup loading
// ---------------------------------------------------------------------------

func (f *Fuser) loadLookups(patientKey string) (*lookups, error) {
	providers, err := f.nameIndex("providers.csv")
	if err != nil {
		return nil, err
	}
	organizations, err := f.nameIndex("organizations.csv")
	if err != nil {
		return nil, err
	}

	lk := &lookups{byID: map[string]*encounterRecord{}}

	encounters, err := f.patientRows("encounters.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range encounters {
		lk.encounters = append(lk.encounters, encounterRecord{
			id:         cell(row, "Id"),
			class:      cell(row, "ENCOUNTERCLASS"),
			provider:   providers[cell(row, "PROVIDER")],
			facility:   organizations[cell(row, "ORGANIZATION")],
			reasonCode: cell(row, "REASONCODE"),
			reasonDesc: cell(row, "REASONDESCRIPTION"),
			start:      parseWhen(cell(row, "START")),
			stop:       parseWhen(cell(row, "STOP")),
		})
	}
	for i := range lk.encounters {
		if id := lk.encounters[i].id; id != "" {
			lk.byID[id] = &lk.encounters[i]
		}
	}

	conditions, err := f.patientRows("conditions.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range conditions {
		lk.conditions = append(lk.conditions, spanRecord{
			description: cell(row, "DESCRIPTION"),
			code:        cell(row, "CODE"),
			encounterID: cell(row, "ENCOUNTER"),
			start:       parseWhen(cell(row, "START")),
			stop:        parseWhen(cell(row, "STOP")),
		})
	}

	medications, err := f.patientRows("medications.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range medications {
		lk.medications = append(lk.medications, spanRecord{
			description: cell(row, "DESCRIPTION"),
			code:        cell(row, "CODE"),
			encounterID: cell(row, "ENCOUNTER"),
			start:       parseWhen(cell(row, "START")),
			stop:        parseWhen(cell(row, "STOP")),
		})
	}

	observations, err := f.patientRows("observations.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range observations {
		lk.observations = append(lk.observations, pointRecord{
			description: cell(row, "DESCRIPTION"),
			code:        cell(row, "CODE"),
			value:       cell(row, "VALUE"),
			unit:        cell(row, "UNITS"),
			encounterID: cell(row, "ENCOUNTER"),
			when:        parseWhen(cell(row, "DATE")),
		})
	}

	procedures, err := f.patientRows("procedures.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range procedures {
		lk.procedures = append(lk.procedures, pointRecord{
			description: cell(row, "DESCRIPTION"),
			code:        cell(row, "CODE"),
			encounterID: cell(row, "ENCOUNTER"),
			when:        parseWhen(cell(row, "DATE")),
		})
	}

	return lk, nil
}

func (f *Fuser) nameIndex(table string) (map[string]string, error) {
	rows, err := f.data.ReadOptionalTable(table)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	idx := make(map[string]string, len(rows))
	for _, row := range rows {
		if id := cell(row, "Id"); id != "" {
			idx[id] = cell(row, "NAME")
		}
	}
	return idx, nil
}

func (f *Fuser) patientRows(table, patientKey string) ([]map[string]string, error) {
	rows, err := f.data.ReadOptionalTable(table)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	pid := strings.ToLower(patientKey)
	out := rows[:0]
	for _, row := range rows {
		if strings.ToLower(cell(row, "PATIENT")) == pid {
			out = append(out, row)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func cell(row map[string]string, key string) string {
	return strings.TrimSpace(row[key])
}

func parseWhen(raw string) *time.Time {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, text); err == nil {
			return &t
		}
	}
	if len(text) >= 10 {
		if t, err := time.Parse("2006-01-02", text[:10]); err == nil {
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
