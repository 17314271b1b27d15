package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReadTableQuotedFields(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "csv", "conditions.csv"),
		"Id,DESCRIPTION,CODE\n"+
			"c1,\"Fracture, closed\",123\n"+
			"c2,\"Line one\nline two\",456\n"+
			"c3,\"He said \"\"stop\"\"\",789\n")

	rows, err := New(root).ReadTable("conditions.csv")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if got := rows[0]["DESCRIPTION"]; got != "Fracture, closed" {
		t.Errorf("embedded delimiter: got %q", got)
	}
	if got := rows[1]["DESCRIPTION"]; got != "Line one\nline two" {
		t.Errorf("embedded newline: got %q", got)
	}
	if got := rows[2]["DESCRIPTION"]; got != `He said "stop"` {
		t.Errorf("escaped quotes: got %q", got)
	}
}

func TestReadTableDropsBlankRecords(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "csv", "t.csv"),
		"A,B\n1,2\n\"\",\"  \"\n3,4\n")

	rows, err := New(root).ReadTable("t.csv")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected blank record dropped, got %d rows", len(rows))
	}
	if rows[1]["A"] != "3" {
		t.Errorf("unexpected second row: %v", rows[1])
	}
}

func TestReadTableShortRecordPadsColumns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "csv", "t.csv"), "A,B,C\n1,2\n")

	rows, err := New(root).ReadTable("t.csv")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if rows[0]["C"] != "" {
		t.Errorf("expected missing trailing column to be empty, got %q", rows[0]["C"])
	}
}

func TestReadOptionalTableMissingFile(t *testing.T) {
	root := t.TempDir()
	rows, err := New(root).ReadOptionalTable("absent.csv")
	if err != nil {
		t.Fatalf("ReadOptionalTable: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty slice, got %v", rows)
	}

	_, err = New(root).ReadTable("absent.csv")
	if !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}

func TestReadStructuredDocument(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "fhir", "bundle_p1.json")
	writeFile(t, path, `{"resourceType":"Bundle","entry":[]}`)

	doc, err := New(root).ReadStructuredDocument(path)
	if err != nil {
		t.Fatalf("ReadStructuredDocument: %v", err)
	}
	if doc["resourceType"] != "Bundle" {
		t.Errorf("unexpected document: %v", doc)
	}

	_, err = New(root).ReadStructuredDocument(filepath.Join(root, "fhir", "missing.json"))
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestDocumentsForPatient(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ccda", "doc_abc-123.xml"), "<x/>")
	writeFile(t, filepath.Join(root, "fhir", "bundle_abc-123.json"), "{}")
	writeFile(t, filepath.Join(root, "fhir", "bundle_other.json"), "{}")

	docs, err := New(root).DocumentsForPatient("abc-123")
	if err != nil {
		t.Fatalf("DocumentsForPatient: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0].Dataset != DatasetCCDA || docs[1].Dataset != DatasetFHIR {
		t.Errorf("unexpected scan order: %+v", docs)
	}

	none, err := New(root).DocumentsForPatient("")
	if err != nil || len(none) != 0 {
		t.Errorf("empty key should yield no docs, got %v %v", none, err)
	}
}

func TestDocumentsForPatientCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fhir", "bundle_ABC-123.json"), "{}")
	writeFile(t, filepath.Join(root, "ccda", "doc_Abc-123.xml"), "<x/>")

	docs, err := New(root).DocumentsForPatient("abc-123")
	if err != nil {
		t.Fatalf("DocumentsForPatient: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs regardless of filename casing, got %d", len(docs))
	}
}
