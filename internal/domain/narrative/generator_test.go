package narrative

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/domain/profile"
	"github.com/evoline/evoline/internal/domain/temporal"
	"github.com/evoline/evoline/internal/platform/genai"
)

var fixedNow = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

func testGenerator(ai *genai.Client) *Generator {
	return NewGenerator(zerolog.Nop(), ai, Config{Now: func() time.Time { return fixedNow }})
}

func testProfile() *profile.Profile {
	return &profile.Profile{Patient: profile.Patient{
		PatientID:            "aaaa-1111",
		MedicalRecordNumber:  "MRN-1",
		FirstName:            "Jane",
		LastName:             "Doe",
		DateOfBirth:          "1980-03-15",
		Gender:               "F",
		PrimaryCarePhysician: "Dr. Adams",
		Hospital:             "General Hospital",
		Insurance:            profile.Insurance{Provider: "Acme Health", PlanType: "Employer"},
		Diagnoses:            []profile.Diagnosis{{Condition: "Hypertension"}},
		CurrentMedications:   []profile.Medication{{Name: "Lisinopril 10mg"}},
	}}
}

func event(id, category, subtype, desc string, day int) evolution.TimelineEvent {
	t := time.Date(2024, 1, day, 9, 0, 0, 0, time.UTC)
	return evolution.TimelineEvent{
		EventID: id, Category: category, Subtype: subtype,
		Description: desc, TimeStart: &t,
	}
}

func testEvents() []evolution.TimelineEvent {
	enc := event("ev_000001", evolution.CategoryAdmissionDischarge, evolution.SubtypeEncounterCycle, "Inpatient stay", 1)
	end := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	enc.TimeEnd = &end

	glucose := event("ev_000004", evolution.CategoryLabTrend, evolution.SubtypeObservation, "Glucose", 3)
	glucose.Value = "140"
	glucose.FlaggedAbnormal = true

	return []evolution.TimelineEvent{
		enc,
		event("ev_000002", evolution.CategoryDiagnosisOnset, evolution.SubtypeDiagnosisStart, "Hypertension", 1),
		event("ev_000003", evolution.CategoryLabTrend, evolution.SubtypeObservation, "Glucose", 2),
		glucose,
	}
}

func TestBaselineProfileSentence(t *testing.T) {
	n := testGenerator(nil).Generate(context.Background(), testProfile(), nil, nil)
	want := "Patient Jane Doe (patient_id: aaaa-1111, MRN: MRN-1), DOB 1980-03-15, gender F. " +
		"Primary physician: Dr. Adams. Main facility: General Hospital. Insurance: Acme Health (Employer). " +
		"Current burden includes 1 diagnoses, 1 medications, and 0 documented allergies."
	if n.BaselineProfile != want {
		t.Errorf("baseline =\n%q\nwant\n%q", n.BaselineProfile, want)
	}
}

func TestWindowSummaries(t *testing.T) {
	n := testGenerator(nil).Generate(context.Background(), testProfile(), testEvents(), nil)
	want30 := "Last 30 days: 4 events total, 1 diagnosis events, 0 treatment events, " +
		"2 lab events (1 flagged abnormal), 1 admission/discharge events."
	if n.ChangesLast30Days != want30 {
		t.Errorf("30-day window =\n%q\nwant\n%q", n.ChangesLast30Days, want30)
	}
	if n.ChangesLast90Days != strings.Replace(want30, "Last 30", "Last 90", 1) {
		t.Errorf("90-day window = %q", n.ChangesLast90Days)
	}
}

func TestConditionNarratives(t *testing.T) {
	events := testEvents()
	for i := range events {
		if events[i].Category == evolution.CategoryLabTrend {
			events[i].ClinicalContext = &evolution.ClinicalContext{
				RelatedDiagnoses:   []evolution.RelatedEntity{{Description: "Hypertension"}},
				RelatedMedications: []evolution.RelatedEntity{{Description: "Lisinopril 10mg"}},
			}
		}
	}

	n := testGenerator(nil).Generate(context.Background(), testProfile(), events, nil)
	if len(n.EvolutionByCondition) != 1 {
		t.Fatalf("conditions = %v", n.EvolutionByCondition)
	}
	want := "Hypertension: observed from 2024-01-01 to 2024-01-03; linked to 1 medication(s) and 2 lab signal(s)."
	if n.EvolutionByCondition[0] != want {
		t.Errorf("condition line =\n%q\nwant\n%q", n.EvolutionByCondition[0], want)
	}
}

func TestConditionCap(t *testing.T) {
	var events []evolution.TimelineEvent
	for i := 0; i < 15; i++ {
		events = append(events, event("ev_0000"+string(rune('a'+i)), evolution.CategoryDiagnosisOnset,
			evolution.SubtypeDiagnosisStart, "Condition "+string(rune('A'+i)), 1+i%20))
	}
	n := testGenerator(nil).Generate(context.Background(), testProfile(), events, nil)
	if len(n.EvolutionByCondition) != DefaultConditionCap {
		t.Errorf("conditions = %d, want cap %d", len(n.EvolutionByCondition), DefaultConditionCap)
	}

	g := NewGenerator(zerolog.Nop(), nil, Config{ConditionCap: 3, Now: func() time.Time { return fixedNow }})
	if n := g.Generate(context.Background(), testProfile(), events, nil); len(n.EvolutionByCondition) != 3 {
		t.Errorf("configured cap ignored: %d", len(n.EvolutionByCondition))
	}
}

func TestCareGapContradiction(t *testing.T) {
	bad := event("ev_000001", evolution.CategoryAdmissionDischarge, evolution.SubtypeEncounterCycle, "Broken stay", 5)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bad.TimeEnd = &end

	n := testGenerator(nil).Generate(context.Background(), testProfile(), []evolution.TimelineEvent{bad}, nil)
	found := false
	for _, gap := range n.CareGaps {
		if strings.HasPrefix(gap, "Contradiction: encounter cycle 'Broken stay' has discharge before admission") {
			found = true
		}
	}
	if !found {
		t.Errorf("care gaps = %v", n.CareGaps)
	}
}

func TestOrphanMedicationStops(t *testing.T) {
	const msg = "Potential contradiction: medication stop events exist without corresponding medication start events."
	hasGap := func(events []evolution.TimelineEvent) bool {
		n := testGenerator(nil).Generate(context.Background(), testProfile(), events, nil)
		for _, gap := range n.CareGaps {
			if gap == msg {
				return true
			}
		}
		return false
	}

	stop := event("ev_000001", evolution.CategoryTreatmentChange, evolution.SubtypeMedicationStop, "Warfarin 5mg", 2)
	if !hasGap([]evolution.TimelineEvent{stop}) {
		t.Error("expected contradiction when only stop events exist")
	}

	// A stop of one medication alongside a start of another is normal
	// history, not a contradiction: the check is over the whole timeline.
	start := event("ev_000002", evolution.CategoryTreatmentChange, evolution.SubtypeMedicationStart, "Lisinopril 10mg", 3)
	if hasGap([]evolution.TimelineEvent{stop, start}) {
		t.Error("did not expect contradiction when any start event exists")
	}
}

func TestStaleActivityGaps(t *testing.T) {
	old := event("ev_000001", evolution.CategoryAdmissionDischarge, evolution.SubtypeAdmission, "Old visit", 1)
	past := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	old.TimeStart = &past

	n := testGenerator(nil).Generate(context.Background(), testProfile(), []evolution.TimelineEvent{old}, nil)
	var hasEncounterGap, hasLabGap bool
	for _, gap := range n.CareGaps {
		if gap == "Care gap: no encounter/admission-discharge activity observed in the last 365 days." {
			hasEncounterGap = true
		}
		if gap == "Care gap: no lab trend events observed in the last 180 days." {
			hasLabGap = true
		}
	}
	if !hasEncounterGap || !hasLabGap {
		t.Errorf("care gaps = %v", n.CareGaps)
	}
}

func TestMonitoringNeedAndFallback(t *testing.T) {
	episodes := &temporal.EpisodeGroups{
		AbnormalLabTrend: []temporal.RawEpisode{{EpisodeType: evolution.EpisodeAbnormalLabTrend}},
	}
	n := testGenerator(nil).Generate(context.Background(), testProfile(), testEvents(), episodes)
	found := false
	for _, gap := range n.CareGaps {
		if gap == "Monitoring need: 1 abnormal lab trend episode(s) detected and should be clinically reviewed." {
			found = true
		}
	}
	if !found {
		t.Errorf("care gaps = %v", n.CareGaps)
	}

	clean := testGenerator(nil).Generate(context.Background(), testProfile(), testEvents(), nil)
	if len(clean.CareGaps) != 1 || clean.CareGaps[0] != "No major care gaps or timeline contradictions detected by rule-based checks." {
		t.Errorf("fallback care gaps = %v", clean.CareGaps)
	}
}

func TestDeterministicSummary(t *testing.T) {
	n := testGenerator(nil).Generate(context.Background(), testProfile(), testEvents(), nil)
	want := "Evolution spans 2024-01-01 to 2024-01-03 with 4 events: 1 diagnosis, 0 treatment, " +
		"2 lab (1 abnormal), and 1 admission/discharge events."
	if n.EvolutionSummary != want {
		t.Errorf("summary =\n%q\nwant\n%q", n.EvolutionSummary, want)
	}
	if n.GenerationMode != evolution.GenerationModeDeterministic {
		t.Errorf("mode = %q", n.GenerationMode)
	}
	if n.GenerationModel != "" || n.GenerationProvider != "" {
		t.Errorf("model/provider must be empty in deterministic mode")
	}

	empty := testGenerator(nil).Generate(context.Background(), testProfile(), nil, nil)
	if empty.EvolutionSummary != "No time-stamped evolution events were found." {
		t.Errorf("empty summary = %q", empty.EvolutionSummary)
	}
}

func TestAIDecoration(t *testing.T) {
	var captured aiContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.Unmarshal([]byte(req.Messages[1].Content), &captured)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "Polished summary."}}},
		})
	}))
	defer srv.Close()

	ai := genai.New(genai.Config{Endpoint: srv.URL, Model: "gpt-4o-mini", Provider: "openai"}, zerolog.Nop())
	n := testGenerator(ai).Generate(context.Background(), testProfile(), testEvents(), nil)

	if n.EvolutionSummary != "Polished summary." {
		t.Errorf("summary = %q", n.EvolutionSummary)
	}
	if n.GenerationMode != evolution.GenerationModeAI || n.GenerationModel != "gpt-4o-mini" || n.GenerationProvider != "openai" {
		t.Errorf("generation metadata = %q/%q/%q", n.GenerationMode, n.GenerationModel, n.GenerationProvider)
	}
	if captured.RuleBasedSeed == "" || !strings.HasPrefix(captured.RuleBasedSeed, "Evolution spans") {
		t.Errorf("seed = %q", captured.RuleBasedSeed)
	}
	if len(captured.RecentEvents) != 4 {
		t.Errorf("recent events = %d", len(captured.RecentEvents))
	}
	if captured.Patient.Name != "Jane Doe" {
		t.Errorf("patient name = %q", captured.Patient.Name)
	}
}

func TestAIFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ai := genai.New(genai.Config{Endpoint: srv.URL}, zerolog.Nop())
	n := testGenerator(ai).Generate(context.Background(), testProfile(), testEvents(), nil)

	if n.GenerationMode != evolution.GenerationModeDeterministic {
		t.Errorf("mode = %q, failures must keep the deterministic summary", n.GenerationMode)
	}
	if !strings.HasPrefix(n.EvolutionSummary, "Evolution spans") {
		t.Errorf("summary = %q", n.EvolutionSummary)
	}
}

func TestAIEventCap(t *testing.T) {
	var count int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var ctx aiContext
		json.Unmarshal([]byte(req.Messages[1].Content), &ctx)
		count = len(ctx.RecentEvents)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	var events []evolution.TimelineEvent
	for i := 0; i < 200; i++ {
		events = append(events, event("ev", evolution.CategoryLabTrend, evolution.SubtypeObservation, "Glucose", 1+i%28))
	}

	ai := genai.New(genai.Config{Endpoint: srv.URL}, zerolog.Nop())
	testGenerator(ai).Generate(context.Background(), testProfile(), events, nil)
	if count != DefaultAIEventCap {
		t.Errorf("sent %d events, want cap %d", count, DefaultAIEventCap)
	}
}
