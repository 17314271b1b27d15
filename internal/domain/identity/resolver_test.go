package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/platform/dataset"
)

func newTestResolver(t *testing.T, patientsCSV string) *Resolver {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "csv"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "csv", "patients.csv"), []byte(patientsCSV), 0o644); err != nil {
		t.Fatalf("write patients.csv: %v", err)
	}
	return NewResolver(dataset.New(root), zerolog.Nop())
}

const patientsFixture = "Id,FIRST,LAST,BIRTHDATE,GENDER\n" +
	"aaaa-1111,Jane,Doe,1980-02-02,F\n" +
	"bbbb-2222,John,Smith,1975-06-10,M\n" +
	"cccc-3333,John,Smith,1990-09-09,M\n"

func TestResolveByCanonicalKey(t *testing.T) {
	r := newTestResolver(t, patientsFixture)

	rec, err := r.Resolve(context.Background(), "AAAA-1111")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Confidence != 1.0 {
		t.Errorf("key match confidence = %v, want 1.0", rec.Confidence)
	}
	if len(rec.MatchedBy) != 1 || rec.MatchedBy[0] != "key match" {
		t.Errorf("matched_by = %v", rec.MatchedBy)
	}
	if rec.PatientKey != "aaaa-1111" {
		t.Errorf("patient_key = %q", rec.PatientKey)
	}
	if rec.FirstName != "Jane" || rec.Gender != "FEMALE" {
		t.Errorf("demographics = %+v", rec)
	}
	if len(rec.Evidence) != 1 || rec.Evidence[0].Field != "Id" {
		t.Errorf("evidence = %+v", rec.Evidence)
	}
}

func TestResolveByFullName(t *testing.T) {
	r := newTestResolver(t, patientsFixture)

	rec, err := r.Resolve(context.Background(), "  jane   DOE ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Confidence != 0.95 {
		t.Errorf("name match confidence = %v, want 0.95", rec.Confidence)
	}
	if rec.MatchedBy[0] != "name match" {
		t.Errorf("matched_by = %v", rec.MatchedBy)
	}
	if rec.PatientKey != "aaaa-1111" {
		t.Errorf("patient_key = %q", rec.PatientKey)
	}
}

func TestResolveFailures(t *testing.T) {
	r := newTestResolver(t, patientsFixture)

	tests := []struct {
		name       string
		identifier string
		wantErr    error
	}{
		{"empty", "   ", ErrEmptyIdentifier},
		{"unknown", "Nobody Known", ErrNotFound},
		{"homonyms", "John Smith", ErrAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.identifier)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.identifier, err, tt.wantErr)
			}
		})
	}
}
