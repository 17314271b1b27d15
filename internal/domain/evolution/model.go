// Package evolution defines the shared patient-evolution data model used by
// the identity, profile, temporal, fusion, narrative, and pipeline packages.
package evolution

import (
	"time"
)

// ---------------------------------------------------------------------------
// Event taxonomy
// ---------------------------------------------------------------------------

// Event categories. Every extractor, regardless of source format, emits
// events in this vocabulary; downstream stages never branch on source format.
const (
	CategoryAdmissionDischarge  = "admission_discharge"
	CategoryDiagnosisOnset      = "diagnosis_onset"
	CategoryTreatmentChange     = "treatment_change"
	CategoryLabTrend            = "lab_trend"
	CategoryClinicalContextTime = "clinical_context_time"
)

// Event subtypes emitted by the tabular extractor.
const (
	SubtypeEncounterCycle    = "encounter_cycle"
	SubtypeAdmission         = "admission"
	SubtypeDischarge         = "discharge"
	SubtypeDiagnosisStart    = "diagnosis_start"
	SubtypeDiagnosisResolved = "diagnosis_resolved"
	SubtypeMedicationStart   = "medication_start"
	SubtypeMedicationStop    = "medication_stop"
	SubtypeMedicationRestart = "medication_restart_or_change"
	SubtypeObservation       = "observation"
	SubtypeProcedure         = "procedure"
	SubtypeCarePlanCycle     = "careplan_cycle"
	SubtypeImmunization      = "immunization"
)

// Episode types.
const (
	EpisodeDiagnosisOnset     = "diagnosis_onset"
	EpisodeTreatmentChange    = "treatment_change"
	EpisodeAbnormalLabTrend   = "abnormal_lab_trend"
	EpisodeAbnormalLabFlag    = "abnormal_lab_flag"
	EpisodeAdmissionDischarge = "admission_discharge_cycle"
)

// Alert severities and types.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"

	AlertCareGap       = "care_gap"
	AlertContradiction = "contradiction"
	AlertAbnormalTrend = "abnormal_trend"
)

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// IdentityEvidence records which dataset, file, and field contributed to an
// identity match.
type IdentityEvidence struct {
	Dataset string `json:"dataset"`
	File    string `json:"file"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
}

// IdentityRecord is the resolved canonical identity for a pipeline run. It is
// created once by the resolver and treated as immutable afterwards.
type IdentityRecord struct {
	QueryIdentifier     string             `json:"query_identifier"`
	PatientKey          string             `json:"patient_key"`
	MedicalRecordNumber string             `json:"medical_record_number,omitempty"`
	FirstName           string             `json:"first_name,omitempty"`
	LastName            string             `json:"last_name,omitempty"`
	DateOfBirth         string             `json:"date_of_birth,omitempty"`
	Gender              string             `json:"gender,omitempty"`
	MatchedBy           []string           `json:"matched_by"`
	Confidence          float64            `json:"confidence"`
	Evidence            []IdentityEvidence `json:"evidence"`
}

// ---------------------------------------------------------------------------
// Timeline
// ---------------------------------------------------------------------------

// TimelineEvent is one normalized, time-ordered clinical event. Events lacking
// a start time never appear in the final timeline; they are excluded, not
// defaulted.
type TimelineEvent struct {
	EventID         string            `json:"event_id"`
	Category        string            `json:"category"`
	Subtype         string            `json:"subtype"`
	TimeStart       *time.Time        `json:"time_start"`
	TimeEnd         *time.Time        `json:"time_end,omitempty"`
	Description     string            `json:"description,omitempty"`
	Code            string            `json:"code,omitempty"`
	Value           string            `json:"value,omitempty"`
	Unit            string            `json:"unit,omitempty"`
	FlaggedAbnormal bool              `json:"flagged_abnormal"`
	SourceDataset   string            `json:"source_dataset"`
	SourceFile      string            `json:"source_file"`
	Context         map[string]string `json:"context,omitempty"`
	ClinicalContext *ClinicalContext  `json:"clinical_context,omitempty"`
	Provenance      *Provenance       `json:"provenance,omitempty"`
}

// RelatedEntity is one cross-referenced clinical entity attached during
// context fusion.
type RelatedEntity struct {
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
	Value       string `json:"value,omitempty"`
	Unit        string `json:"unit,omitempty"`
}

// ClinicalContext is the fused encounter and cross-reference context for one
// event.
type ClinicalContext struct {
	EncounterID        string          `json:"encounter_id,omitempty"`
	EncounterClass     string          `json:"encounter_class,omitempty"`
	Provider           string          `json:"provider,omitempty"`
	Facility           string          `json:"facility,omitempty"`
	ReasonCode         string          `json:"reason_code,omitempty"`
	ReasonDescription  string          `json:"reason_description,omitempty"`
	RelatedDiagnoses   []RelatedEntity `json:"related_diagnoses,omitempty"`
	RelatedMedications []RelatedEntity `json:"related_medications,omitempty"`
	RelatedLabs        []RelatedEntity `json:"related_labs,omitempty"`
	RelatedProcedures  []RelatedEntity `json:"related_procedures,omitempty"`
}

// Encounter association tiers, most to least confident.
const (
	AssociationEncounterID = "encounter_id"
	AssociationContainment = "containment"
	AssociationNearest     = "nearest"
)

// Provenance records which source produced an event and how its encounter was
// resolved, so consumers can distinguish confident associations from
// approximate ones.
type Provenance struct {
	SourceFile      string `json:"source_file"`
	SourceType      string `json:"source_type"`
	EventID         string `json:"event_id"`
	RecordID        string `json:"record_id,omitempty"`
	ResourceType    string `json:"resource_type,omitempty"`
	AssociationTier string `json:"association_tier,omitempty"`
}

// ---------------------------------------------------------------------------
// Episodes and alerts
// ---------------------------------------------------------------------------

// Episode is a derived, read-only aggregate over the event stream. Episodes
// reference events by id; they never own them.
type Episode struct {
	EpisodeID       string         `json:"episode_id"`
	EpisodeType     string         `json:"episode_type"`
	TimeStart       *time.Time     `json:"time_start"`
	TimeEnd         *time.Time     `json:"time_end,omitempty"`
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	Status          string         `json:"status,omitempty"`
	RelatedEventIDs []string       `json:"related_event_ids"`
	Details         map[string]any `json:"details,omitempty"`
}

// Alert is an actionable signal derived from narrative findings and episode
// data. Alerts are regenerated on every run and never persisted on their own.
type Alert struct {
	AlertID           string            `json:"alert_id"`
	Severity          string            `json:"severity"`
	AlertType         string            `json:"alert_type"`
	Message           string            `json:"message"`
	TimeDetected      time.Time         `json:"time_detected"`
	RelatedEpisodeIDs []string          `json:"related_episode_ids"`
	RelatedEventIDs   []string          `json:"related_event_ids"`
	RecommendedAction string            `json:"recommended_action,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ---------------------------------------------------------------------------
// Narrative
// ---------------------------------------------------------------------------

// Narrative generation modes.
const (
	GenerationModeAI            = "ai"
	GenerationModeDeterministic = "deterministic"
)

// Narrative is the generated report text: deterministic sections plus an
// overview that may be AI-assisted.
type Narrative struct {
	BaselineProfile      string   `json:"baseline_profile"`
	EvolutionByCondition []string `json:"evolution_by_condition"`
	ChangesLast30Days    string   `json:"changes_last_30_days"`
	ChangesLast90Days    string   `json:"changes_last_90_days"`
	ChangesLast365Days   string   `json:"changes_last_365_days"`
	CareGaps             []string `json:"care_gaps_or_contradictions"`
	EvolutionSummary     string   `json:"evolution_timeline_summary"`
	GenerationMode       string   `json:"generation_mode"`
	GenerationModel      string   `json:"generation_model,omitempty"`
	GenerationProvider   string   `json:"generation_provider,omitempty"`
}

// ---------------------------------------------------------------------------
// Output aggregate
// ---------------------------------------------------------------------------

// OutputMetadata describes one pipeline run.
type OutputMetadata struct {
	RunID        string            `json:"run_id"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Components   map[string]string `json:"components"`
	SourceCounts map[string]int    `json:"source_counts"`
}

// PatientEvolutionOutput is the root aggregate and the unit of persistence.
// It is produced fresh on every invocation and overwrites any prior stored
// version for the patient.
type PatientEvolutionOutput struct {
	Patient   any             `json:"patient"`
	Timeline  []TimelineEvent `json:"timeline"`
	Episodes  []Episode       `json:"episodes"`
	Alerts    []Alert         `json:"alerts"`
	Identity  *IdentityRecord `json:"identity"`
	Narrative *Narrative      `json:"narrative"`
	Metadata  OutputMetadata  `json:"metadata"`
}
