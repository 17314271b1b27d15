// Package narrative renders the patient evolution report. Every section is
// produced by deterministic rules; an optional generation endpoint may polish
// the timeline summary, but its failure never degrades the report below the
// rule-based text.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/domain/profile"
	"github.com/evoline/evoline/internal/domain/temporal"
	"github.com/evoline/evoline/internal/platform/genai"
)

const (
	DefaultConditionCap = 12
	DefaultAIEventCap   = 120

	aiListCap = 20
)

const systemPrompt = "You are a clinical summarization assistant. Summarize the " +
	"patient's clinical evolution using only the facts provided. Do not invent " +
	"diagnoses, medications, values, or dates. Respond with 5-10 plain sentences."

// Config tunes the narrative caps. Zero values select the defaults. Now is
// the clock used for the rolling windows; nil means time.Now.
type Config struct {
	ConditionCap int
	AIEventCap   int
	Now          func() time.Time
}

func (c Config) conditionCap() int {
	if c.ConditionCap > 0 {
		return c.ConditionCap
	}
	return DefaultConditionCap
}

func (c Config) aiEventCap() int {
	if c.AIEventCap > 0 {
		return c.AIEventCap
	}
	return DefaultAIEventCap
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Generator renders narratives. The genai client may be nil or disabled.
type Generator struct {
	logger zerolog.Logger
	ai     *genai.Client
	cfg    Config
}

// NewGenerator creates a Generator.
func NewGenerator(logger zerolog.Logger, ai *genai.Client, cfg Config) *Generator {
	return &Generator{
		logger: logger.With().Str("component", "narrative").Logger(),
		ai:     ai,
		cfg:    cfg,
	}
}

// Generate renders all narrative sections.
func (g *Generator) Generate(ctx context.Context, prof *profile.Profile, events []evolution.TimelineEvent, episodes *temporal.EpisodeGroups) *evolution.Narrative {
	n := &evolution.Narrative{
		BaselineProfile:      baselineProfile(prof),
		EvolutionByCondition: g.conditionNarratives(events),
		CareGaps:             g.careGaps(events, episodes),
		EvolutionSummary:     deterministicSummary(events),
		GenerationMode:       evolution.GenerationModeDeterministic,
	}

	now := g.cfg.now()
	n.ChangesLast30Days = windowSummary(events, now, 30)
	n.ChangesLast90Days = windowSummary(events, now, 90)
	n.ChangesLast365Days = windowSummary(events, now, 365)

	g.decorateWithAI(ctx, n, prof, events)
	return n
}

// ---------------------------------------------------------------------------
// Baseline
// ---------------------------------------------------------------------------

func baselineProfile(prof *profile.Profile) string {
	p := prof.Patient
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	return fmt.Sprintf(
		"Patient %s (patient_id: %s, MRN: %s), DOB %s, gender %s. "+
			"Primary physician: %s. Main facility: %s. Insurance: %s (%s). "+
			"Current burden includes %d diagnoses, %d medications, and %d documented allergies.",
		name, p.PatientID, orUnknown(p.MedicalRecordNumber),
		orUnknown(p.DateOfBirth), orUnknown(p.Gender),
		orUnknown(p.PrimaryCarePhysician), orUnknown(p.Hospital),
		orUnknown(p.Insurance.Provider), orUnknown(p.Insurance.PlanType),
		len(p.Diagnoses), len(p.CurrentMedications), len(p.Allergies))
}

// ---------------------------------------------------------------------------
// Evolution by condition
// ---------------------------------------------------------------------------

type conditionStats struct {
	name        string
	events      int
	first, last *time.Time
	medications map[string]bool
	labSignals  int
}

// conditionNarratives groups events by the conditions they touch, either as
// a diagnosis event or through fused related diagnoses, and renders the most
// active conditions.
func (g *Generator) conditionNarratives(events []evolution.TimelineEvent) []string {
	stats := map[string]*conditionStats{}
	var order []string

	track := func(name string, e *evolution.TimelineEvent) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		s, ok := stats[key]
		if !ok {
			s = &conditionStats{name: name, medications: map[string]bool{}}
			stats[key] = s
			order = append(order, key)
		}
		s.events++
		if e.TimeStart != nil {
			if s.first == nil || e.TimeStart.Before(*s.first) {
				s.first = e.TimeStart
			}
			if s.last == nil || e.TimeStart.After(*s.last) {
				s.last = e.TimeStart
			}
		}
		if e.Category == evolution.CategoryLabTrend {
			s.labSignals++
		}
		if e.ClinicalContext != nil {
			for _, med := range e.ClinicalContext.RelatedMedications {
				s.medications[strings.ToLower(med.Description)] = true
			}
		}
	}

	for i := range events {
		e := &events[i]
		if e.Category == evolution.CategoryDiagnosisOnset {
			track(e.Description, e)
		}
		if e.ClinicalContext != nil {
			for _, d := range e.ClinicalContext.RelatedDiagnoses {
				track(d.Description, e)
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return stats[order[i]].events > stats[order[j]].events
	})
	if limit := g.cfg.conditionCap(); len(order) > limit {
		order = order[:limit]
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		s := stats[key]
		out = append(out, fmt.Sprintf(
			"%s: observed from %s to %s; linked to %d medication(s) and %d lab signal(s).",
			s.name, formatDay(s.first), formatDay(s.last), len(s.medications), s.labSignals))
	}
	return out
}

// ---------------------------------------------------------------------------
// Rolling windows
// ---------------------------------------------------------------------------

func windowSummary(events []evolution.TimelineEvent, now time.Time, days int) string {
	cutoff := now.AddDate(0, 0, -days)
	var total, diagnosis, treatment, labs, abnormal, admits int
	for _, e := range events {
		if e.TimeStart == nil || e.TimeStart.Before(cutoff) || e.TimeStart.After(now) {
			continue
		}
		total++
		switch e.Category {
		case evolution.CategoryDiagnosisOnset:
			diagnosis++
		case evolution.CategoryTreatmentChange:
			treatment++
		case evolution.CategoryLabTrend:
			labs++
			if e.FlaggedAbnormal {
				abnormal++
			}
		case evolution.CategoryAdmissionDischarge:
			admits++
		}
	}
	return fmt.Sprintf(
		"Last %d days: %d events total, %d diagnosis events, %d treatment events, "+
			"%d lab events (%d flagged abnormal), %d admission/discharge events.",
		days, total, diagnosis, treatment, labs, abnormal, admits)
}

// ---------------------------------------------------------------------------
// Care gaps and contradictions
// ---------------------------------------------------------------------------

func (g *Generator) careGaps(events []evolution.TimelineEvent, episodes *temporal.EpisodeGroups) []string {
	var gaps []string
	now := g.cfg.now()

	for _, e := range events {
		if e.Subtype != evolution.SubtypeEncounterCycle || e.TimeStart == nil || e.TimeEnd == nil {
			continue
		}
		if e.TimeStart.After(*e.TimeEnd) {
			gaps = append(gaps, fmt.Sprintf(
				"Contradiction: encounter cycle '%s' has discharge before admission (%s > %s).",
				e.Description, e.TimeStart.Format(time.RFC3339), e.TimeEnd.Format(time.RFC3339)))
		}
	}

	if hasOrphanMedicationStops(events) {
		gaps = append(gaps, "Potential contradiction: medication stop events exist without corresponding medication start events.")
	}

	if !anyInWindow(events, evolution.CategoryAdmissionDischarge, now, 365) {
		gaps = append(gaps, "Care gap: no encounter/admission-discharge activity observed in the last 365 days.")
	}
	if !anyInWindow(events, evolution.CategoryLabTrend, now, 180) {
		gaps = append(gaps, "Care gap: no lab trend events observed in the last 180 days.")
	}

	if episodes != nil {
		if n := len(episodes.AbnormalLabTrend); n > 0 {
			gaps = append(gaps, fmt.Sprintf(
				"Monitoring need: %d abnormal lab trend episode(s) detected and should be clinically reviewed.", n))
		}
	}

	if len(gaps) == 0 {
		gaps = append(gaps, "No major care gaps or timeline contradictions detected by rule-based checks.")
	}
	return gaps
}

// hasOrphanMedicationStops reports whether the timeline carries medication
// stop events but no start events at all. A stop whose start simply predates
// the data window is expected and not a contradiction.
func hasOrphanMedicationStops(events []evolution.TimelineEvent) bool {
	var stops bool
	for _, e := range events {
		switch e.Subtype {
		case evolution.SubtypeMedicationStart:
			return false
		case evolution.SubtypeMedicationStop:
			stops = true
		}
	}
	return stops
}

func anyInWindow(events []evolution.TimelineEvent, category string, now time.Time, days int) bool {
	cutoff := now.AddDate(0, 0, -days)
	for _, e := range events {
		if e.Category != category || e.TimeStart == nil {
			continue
		}
		if !e.TimeStart.Before(cutoff) && !e.TimeStart.After(now) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Timeline summary
// ---------------------------------------------------------------------------

func deterministicSummary(events []evolution.TimelineEvent) string {
	var first, last *time.Time
	var total, diagnosis, treatment, labs, abnormal, admits int
	for _, e := range events {
		if e.TimeStart == nil {
			continue
		}
		total++
		if first == nil || e.TimeStart.Before(*first) {
			first = e.TimeStart
		}
		if last == nil || e.TimeStart.After(*last) {
			last = e.TimeStart
		}
		switch e.Category {
		case evolution.CategoryDiagnosisOnset:
			diagnosis++
		case evolution.CategoryTreatmentChange:
			treatment++
		case evolution.CategoryLabTrend:
			labs++
			if e.FlaggedAbnormal {
				abnormal++
			}
		case evolution.CategoryAdmissionDischarge:
			admits++
		}
	}
	if total == 0 {
		return "No time-stamped evolution events were found."
	}
	return fmt.Sprintf(
		"Evolution spans %s to %s with %d events: %d diagnosis, %d treatment, "+
			"%d lab (%d abnormal), and %d admission/discharge events.",
		formatDay(first), formatDay(last), total, diagnosis, treatment, labs, abnormal, admits)
}

// ---------------------------------------------------------------------------
// AI decoration
// ---------------------------------------------------------------------------

type aiEvent struct {
	Time        string `json:"time"`
	Category    string `json:"category"`
	Subtype     string `json:"subtype"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Abnormal    bool   `json:"abnormal,omitempty"`
}

type aiContext struct {
	Patient       aiPatient `json:"patient"`
	RecentEvents  []aiEvent `json:"recent_events"`
	RuleBasedSeed string    `json:"rule_based_seed"`
}

type aiPatient struct {
	Name        string   `json:"name"`
	DateOfBirth string   `json:"date_of_birth,omitempty"`
	Gender      string   `json:"gender,omitempty"`
	Diagnoses   []string `json:"diagnoses,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Allergies   []string `json:"allergies,omitempty"`
}

// decorateWithAI replaces the timeline summary with generated text when a
// generation endpoint is configured and responds. Any failure leaves the
// deterministic summary untouched.
func (g *Generator) decorateWithAI(ctx context.Context, n *evolution.Narrative, prof *profile.Profile, events []evolution.TimelineEvent) {
	if !g.ai.Enabled() {
		return
	}

	recent := events
	if limit := g.cfg.aiEventCap(); len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	compact := make([]aiEvent, 0, len(recent))
	for _, e := range recent {
		when := ""
		if e.TimeStart != nil {
			when = e.TimeStart.Format(time.RFC3339)
		}
		compact = append(compact, aiEvent{
			Time:        when,
			Category:    e.Category,
			Subtype:     e.Subtype,
			Description: e.Description,
			Value:       e.Value,
			Unit:        e.Unit,
			Abnormal:    e.FlaggedAbnormal,
		})
	}

	p := prof.Patient
	payload, err := json.Marshal(aiContext{
		Patient: aiPatient{
			Name:        strings.TrimSpace(p.FirstName + " " + p.LastName),
			DateOfBirth: p.DateOfBirth,
			Gender:      p.Gender,
			Diagnoses:   capList(diagnosisNames(p.Diagnoses)),
			Medications: capList(medicationNames(p.CurrentMedications)),
			Allergies:   capList(allergyNames(p.Allergies)),
		},
		RecentEvents:  compact,
		RuleBasedSeed: n.EvolutionSummary,
	})
	if err != nil {
		g.logger.Warn().Err(err).Msg("ai context marshal failed, keeping deterministic summary")
		return
	}

	text, err := g.ai.Complete(ctx, systemPrompt, string(payload))
	if err != nil {
		g.logger.Warn().Err(err).Msg("ai generation failed, keeping deterministic summary")
		return
	}

	n.EvolutionSummary = text
	n.GenerationMode = evolution.GenerationModeAI
	n.GenerationModel = g.ai.Model()
	n.GenerationProvider = g.ai.Provider()
}

func diagnosisNames(items []profile.Diagnosis) []string {
	out := make([]string, len(items))
	for i, d := range items {
		out[i] = d.Condition
	}
	return out
}

func medicationNames(items []profile.Medication) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.Name
	}
	return out
}

func allergyNames(items []profile.Allergy) []string {
	out := make([]string, len(items))
	for i, a := range items {
		out[i] = a.Allergen
	}
	return out
}

func capList(items []string) []string {
	if len(items) > aiListCap {
		return items[:aiListCap]
	}
	return items
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatDay(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format("2006-01-02")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
