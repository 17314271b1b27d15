package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/domain/fusion"
	"github.com/evoline/evoline/internal/domain/identity"
	"github.com/evoline/evoline/internal/domain/narrative"
	"github.com/evoline/evoline/internal/domain/profile"
	"github.com/evoline/evoline/internal/domain/temporal"
	"github.com/evoline/evoline/internal/platform/blobstore"
	"github.com/evoline/evoline/internal/platform/dataset"
)

const patientKey = "aaaa-1111"

var fixedNow = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// janeDoeRoot seeds the canonical test patient: one inpatient stay, one
// hypertension onset, and a rising glucose series whose last point is
// flagged abnormal.
func janeDoeRoot(t *testing.T) string {
	root := t.TempDir()
	writeFixture(t, root, "csv/patients.csv",
		"Id,FIRST,LAST,BIRTHDATE,GENDER,ADDRESS,CITY,STATE,ZIP\n"+
			patientKey+",Jane,Doe,1980-03-15,F,12 Main St,Springfield,MA,01101\n"+
			"bbbb-2222,John,Smith,1975-01-01,M,,,,\n"+
			"cccc-3333,John,Smith,1990-06-01,M,,,,\n")
	writeFixture(t, root, "csv/encounters.csv",
		"Id,PATIENT,START,STOP,DESCRIPTION,CODE,ENCOUNTERCLASS,PROVIDER,ORGANIZATION,PAYER,REASONDESCRIPTION\n"+
			"enc1,"+patientKey+",2024-01-01T08:00:00,2024-01-03T10:00:00,Inpatient stay,185347001,inpatient,prov1,org1,pay1,Chest pain\n")
	writeFixture(t, root, "csv/providers.csv", "Id,NAME\nprov1,Dr. Adams\n")
	writeFixture(t, root, "csv/organizations.csv", "Id,NAME\norg1,General Hospital\n")
	writeFixture(t, root, "csv/payers.csv", "Id,NAME\npay1,Acme Health\n")
	writeFixture(t, root, "csv/conditions.csv",
		"PATIENT,ENCOUNTER,START,STOP,DESCRIPTION,CODE\n"+
			patientKey+",enc1,2024-01-01,,Hypertension,38341003\n")
	writeFixture(t, root, "csv/observations.csv",
		"PATIENT,ENCOUNTER,DATE,DESCRIPTION,VALUE,UNITS,CODE\n"+
			patientKey+",enc1,2024-01-01T10:00:00,Glucose,90,mg/dL,2345-7\n"+
			patientKey+",enc1,2024-01-02T10:00:00,Glucose,95,mg/dL,2345-7\n")
	writeFixture(t, root, "fhir/bundle_"+patientKey+".json", `{
		"resourceType": "Bundle",
		"entry": [
			{"resource": {
				"resourceType": "Observation",
				"id": "obs-140",
				"code": {"text": "Glucose"},
				"effectiveDateTime": "2024-01-03T09:00:00Z",
				"valueQuantity": {"value": 140, "unit": "mg/dL"},
				"interpretation": [{"coding": [{"code": "H"}]}]
			}}
		]
	}`)
	return root
}

func newService(root string, store blobstore.Store) *Service {
	log := zerolog.Nop()
	data := dataset.New(root)
	return NewService(
		identity.NewResolver(data, log),
		profile.NewBuilder(data, log),
		temporal.NewExtractor(data, log, temporal.Config{}),
		fusion.NewFuser(data, log, fusion.Config{}),
		narrative.NewGenerator(log, nil, narrative.Config{Now: func() time.Time { return fixedNow }}),
		store,
		log,
		func() time.Time { return fixedNow },
	)
}

func TestRunEndToEnd(t *testing.T) {
	root := janeDoeRoot(t)
	store := blobstore.NewInMemoryStore()
	svc := newService(root, store)

	out, err := svc.Run(context.Background(), "Jane Doe")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.Identity.PatientKey != patientKey || out.Identity.Confidence != 0.95 {
		t.Errorf("identity = %+v", out.Identity)
	}

	if len(out.Timeline) == 0 {
		t.Fatal("empty timeline")
	}
	for i, e := range out.Timeline {
		if e.TimeStart == nil {
			t.Fatalf("event %s has no start time", e.EventID)
		}
		if e.ClinicalContext == nil || e.Provenance == nil {
			t.Fatalf("event %s not fused", e.EventID)
		}
		if i > 0 && e.TimeStart.Before(*out.Timeline[i-1].TimeStart) {
			t.Fatalf("timeline unsorted at %d", i)
		}
	}

	byType := map[string]int{}
	for _, ep := range out.Episodes {
		byType[ep.EpisodeType]++
		if !strings.HasPrefix(ep.EpisodeID, "ep_") {
			t.Errorf("episode id = %q", ep.EpisodeID)
		}
	}
	if byType[evolution.EpisodeDiagnosisOnset] != 1 {
		t.Errorf("diagnosis onset episodes = %d", byType[evolution.EpisodeDiagnosisOnset])
	}
	if byType[evolution.EpisodeAdmissionDischarge] != 1 {
		t.Errorf("admission discharge episodes = %d", byType[evolution.EpisodeAdmissionDischarge])
	}
	if byType[evolution.EpisodeAbnormalLabFlag] != 1 {
		t.Errorf("abnormal lab flag episodes = %d", byType[evolution.EpisodeAbnormalLabFlag])
	}
	if byType[evolution.EpisodeAbnormalLabTrend] != 1 {
		t.Errorf("abnormal lab trend episodes = %d (90 to 140 is a 55%% rise)", byType[evolution.EpisodeAbnormalLabTrend])
	}

	var trendAlerts int
	for _, a := range out.Alerts {
		if a.AlertType == evolution.AlertAbnormalTrend && a.Severity != evolution.SeverityHigh {
			t.Errorf("trend alert severity = %q", a.Severity)
		}
		if a.AlertType == evolution.AlertAbnormalTrend {
			trendAlerts++
		}
	}
	if trendAlerts == 0 {
		t.Errorf("no abnormal trend alert: %+v", out.Alerts)
	}

	if out.Narrative == nil || !strings.HasPrefix(out.Narrative.BaselineProfile, "Patient Jane Doe") {
		t.Errorf("narrative = %+v", out.Narrative)
	}
	if out.Metadata.RunID == "" || !out.Metadata.GeneratedAt.Equal(fixedNow) {
		t.Errorf("metadata = %+v", out.Metadata)
	}

	blob, err := store.Get(context.Background(), OutputKey(patientKey))
	if err != nil {
		t.Fatalf("stored output missing: %v", err)
	}
	var persisted evolution.PatientEvolutionOutput
	if err := json.Unmarshal(blob.Data, &persisted); err != nil {
		t.Fatalf("persisted output is not valid JSON: %v", err)
	}
	if persisted.Metadata.RunID != out.Metadata.RunID {
		t.Errorf("persisted run id = %q", persisted.Metadata.RunID)
	}
}

func TestRunByPatientID(t *testing.T) {
	root := janeDoeRoot(t)
	svc := newService(root, blobstore.NewInMemoryStore())

	out, err := svc.Run(context.Background(), "AAAA-1111")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Identity.Confidence != 1.0 {
		t.Errorf("key match confidence = %v", out.Identity.Confidence)
	}
}

func TestRunIdempotent(t *testing.T) {
	root := janeDoeRoot(t)
	svc := newService(root, blobstore.NewInMemoryStore())

	first, err := svc.Run(context.Background(), "Jane Doe")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := svc.Run(context.Background(), "Jane Doe")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	normalize := func(out *evolution.PatientEvolutionOutput) string {
		out.Metadata.RunID = ""
		data, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return string(data)
	}
	if normalize(first) != normalize(second) {
		t.Error("two runs over unchanged data produced different outputs")
	}
}

func TestRunContradictionAlert(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "csv/patients.csv",
		"Id,FIRST,LAST,BIRTHDATE,GENDER\n"+patientKey+",Jane,Doe,1980-03-15,F\n")
	writeFixture(t, root, "csv/encounters.csv",
		"Id,PATIENT,START,STOP,DESCRIPTION\n"+
			"enc1,"+patientKey+",2024-01-05T08:00:00,2024-01-02T08:00:00,Broken stay\n")

	svc := newService(root, blobstore.NewInMemoryStore())
	out, err := svc.Run(context.Background(), patientKey)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, a := range out.Alerts {
		if a.AlertType == evolution.AlertContradiction {
			found = true
			if a.Severity != evolution.SeverityHigh {
				t.Errorf("contradiction severity = %q", a.Severity)
			}
			if !strings.Contains(a.Message, "Broken stay") {
				t.Errorf("contradiction message = %q", a.Message)
			}
		}
	}
	if !found {
		t.Errorf("no contradiction alert: %+v", out.Alerts)
	}
}

func TestRunIdentityFailures(t *testing.T) {
	root := janeDoeRoot(t)
	svc := newService(root, blobstore.NewInMemoryStore())

	tests := []struct {
		identifier string
		wantErr    error
	}{
		{"   ", identity.ErrEmptyIdentifier},
		{"Nobody Nowhere", identity.ErrNotFound},
		{"John Smith", identity.ErrAmbiguous},
	}
	for _, tt := range tests {
		if _, err := svc.Run(context.Background(), tt.identifier); !errors.Is(err, tt.wantErr) {
			t.Errorf("Run(%q) err = %v, want %v", tt.identifier, err, tt.wantErr)
		}
	}
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	return context.DeadlineExceeded
}
func (failingStore) Get(ctx context.Context, key string) (*blobstore.Blob, error) {
	return nil, blobstore.ErrNotFound
}
func (failingStore) Delete(ctx context.Context, key string) error { return blobstore.ErrNotFound }

func TestPersistenceFailureIsFatal(t *testing.T) {
	root := janeDoeRoot(t)
	svc := newService(root, failingStore{})

	if _, err := svc.Run(context.Background(), "Jane Doe"); err == nil {
		t.Fatal("expected persistence failure to fail the run")
	}
}

func TestEpisodeOrdering(t *testing.T) {
	root := janeDoeRoot(t)
	svc := newService(root, blobstore.NewInMemoryStore())
	out, err := svc.Run(context.Background(), "Jane Doe")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 1; i < len(out.Episodes); i++ {
		prev, cur := out.Episodes[i-1], out.Episodes[i]
		if prev.TimeStart == nil || cur.TimeStart == nil {
			continue
		}
		if cur.TimeStart.Before(*prev.TimeStart) {
			t.Fatalf("episodes unsorted at %d", i)
		}
		if cur.TimeStart.Equal(*prev.TimeStart) && cur.EpisodeID < prev.EpisodeID {
			t.Fatalf("episode id tie-break violated at %d", i)
		}
	}
	for _, ep := range out.Episodes {
		if ep.Title == "" {
			t.Errorf("episode %s has no title", ep.EpisodeID)
		}
	}
}
