// Package dataset reads the per-patient source files: tabular CSV exports,
// FHIR bundle documents in two dialects, and C-CDA XML. All file-existence
// and parsing concerns live here so the pipeline stages above never touch
// the filesystem directly.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrTableNotFound    = errors.New("table not found")
	ErrDocumentNotFound = errors.New("document not found")
)

// Document dataset tags. FHIR bundles exist in multiple schema dialects kept
// in separate directories; C-CDA documents are XML.
const (
	DatasetTabular  = "csv"
	DatasetCCDA     = "ccda"
	DatasetFHIR     = "fhir"
	DatasetFHIRD2   = "fhir_dstu2"
	DatasetFHIRSTU3 = "fhir_stu3"
)

// DocDirs lists the document dataset directories under the data root, in
// deterministic scan order.
var DocDirs = []string{DatasetCCDA, DatasetFHIR, DatasetFHIRD2, DatasetFHIRSTU3}

// DocPath is one document file belonging to a patient, tagged with the
// dataset directory it came from.
type DocPath struct {
	Dataset string
	Path    string
}

// Accessor resolves and reads files under a patient-scoped data root.
type Accessor struct {
	root string
}

// New returns an Accessor rooted at the given data directory.
func New(root string) *Accessor {
	return &Accessor{root: root}
}

// Root returns the data root path.
func (a *Accessor) Root() string {
	return a.root
}

// TablePath returns the absolute path of a named CSV table.
func (a *Accessor) TablePath(name string) string {
	return filepath.Join(a.root, "csv", name)
}

// ReadTable reads a CSV table into header-keyed rows. The parser accepts
// quoted fields containing delimiters, embedded newlines, and doubled
// quotes. Rows with no non-whitespace content in any cell are record
// separator artifacts and are dropped.
func (a *Accessor) ReadTable(name string) ([]map[string]string, error) {
	f, err := os.Open(a.TablePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		return nil, fmt.Errorf("opening table %s: %w", name, err)
	}
	defer f.Close()

	return readRows(f, name)
}

// ReadOptionalTable reads a CSV table, returning an empty slice when the
// file is absent. Source systems are allowed to be partial.
func (a *Accessor) ReadOptionalTable(name string) ([]map[string]string, error) {
	rows, err := a.ReadTable(name)
	if errors.Is(err, ErrTableNotFound) {
		return []map[string]string{}, nil
	}
	return rows, err
}

func readRows(r io.Reader, name string) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return []map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", name, err)
	}

	var rows []map[string]string
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if isBlankRecord(record) {
			continue
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	if rows == nil {
		rows = []map[string]string{}
	}
	return rows, nil
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ReadStructuredDocument parses a JSON document at the given absolute path.
// A missing file returns ErrDocumentNotFound.
func (a *Accessor) ReadStructuredDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return nil, fmt.Errorf("reading document %s: %w", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing document %s: %w", path, err)
	}
	return doc, nil
}

// ReadRawText reads a file as text. A missing file returns
// ErrDocumentNotFound.
func (a *Accessor) ReadRawText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// DocumentsForPatient scans every document dataset directory for files whose
// name contains the patient key. Matching is case insensitive: export tools
// disagree on UUID casing while resolved keys are lowercased. Results are
// sorted per directory so repeat runs see the same order.
func (a *Accessor) DocumentsForPatient(patientKey string) ([]DocPath, error) {
	if patientKey == "" {
		return nil, nil
	}
	needle := strings.ToLower(patientKey)
	var out []DocPath
	for _, dir := range DocDirs {
		entries, err := os.ReadDir(filepath.Join(a.root, dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scanning %s documents: %w", dir, err)
		}
		var matches []string
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if strings.Contains(strings.ToLower(entry.Name()), needle) {
				matches = append(matches, filepath.Join(a.root, dir, entry.Name()))
			}
		}
		sort.Strings(matches)
		for _, m := range matches {
			out = append(out, DocPath{Dataset: dir, Path: m})
		}
	}
	return out, nil
}
