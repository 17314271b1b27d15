// Package profile assembles a demographic/administrative snapshot and a
// current-state record for a resolved patient from the tabular, FHIR, and
// C-CDA sources.
package profile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/ccda"
	"github.com/evoline/evoline/internal/platform/dataset"
	"github.com/evoline/evoline/internal/platform/fhir"
)

// ---------------------------------------------------------------------------
// Snapshot types
// ---------------------------------------------------------------------------

type ContactInfo struct {
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type Insurance struct {
	Provider string `json:"provider"`
	PlanType string `json:"plan_type"`
}

type Allergy struct {
	Allergen   string     `json:"allergen"`
	Reaction   string     `json:"reaction,omitempty"`
	Status     string     `json:"status"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type Medication struct {
	Name         string     `json:"name"`
	Dosage       string     `json:"dosage"`
	Frequency    string     `json:"frequency"`
	Indication   string     `json:"indication,omitempty"`
	PrescribedAt *time.Time `json:"prescribed_at,omitempty"`
}

type Diagnosis struct {
	Condition     string     `json:"condition"`
	Code          string     `json:"icd_code,omitempty"`
	DateDiagnosed *time.Time `json:"date_diagnosed,omitempty"`
	Status        string     `json:"status"`
}

type LabResult struct {
	TestName      string     `json:"test_name"`
	Result        string     `json:"result"`
	Unit          string     `json:"unit,omitempty"`
	Flagged       bool       `json:"flagged"`
	DatePerformed *time.Time `json:"date_performed,omitempty"`
}

type Procedure struct {
	Name          string     `json:"name"`
	Code          string     `json:"code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	DatePerformed *time.Time `json:"date_performed,omitempty"`
}

type ImagingStudy struct {
	StudyType     string     `json:"study_type"`
	BodyPart      string     `json:"body_part"`
	Findings      string     `json:"findings,omitempty"`
	Impression    string     `json:"impression,omitempty"`
	DatePerformed *time.Time `json:"date_performed,omitempty"`
}

type DiagnosticTest struct {
	TestType       string     `json:"test_type"`
	Findings       string     `json:"findings,omitempty"`
	Interpretation string     `json:"interpretation,omitempty"`
	DatePerformed  *time.Time `json:"date_performed,omitempty"`
}

// VitalSigns groups the fixed-vocabulary vital measurements taken at one
// timestamp.
type VitalSigns struct {
	MeasurementDate        *time.Time `json:"measurement_date,omitempty"`
	BloodPressureSystolic  *int       `json:"blood_pressure_systolic,omitempty"`
	BloodPressureDiastolic *int       `json:"blood_pressure_diastolic,omitempty"`
	HeartRate              *int       `json:"heart_rate,omitempty"`
	TemperatureFahrenheit  *float64   `json:"temperature_fahrenheit,omitempty"`
	BMI                    *float64   `json:"bmi,omitempty"`
}

// Patient is the assembled snapshot.
type Patient struct {
	PatientID            string           `json:"patient_id"`
	MedicalRecordNumber  string           `json:"medical_record_number,omitempty"`
	FirstName            string           `json:"first_name"`
	LastName             string           `json:"last_name"`
	DateOfBirth          string           `json:"date_of_birth,omitempty"`
	Gender               string           `json:"gender,omitempty"`
	ContactInfo          ContactInfo      `json:"contact_info"`
	Insurance            Insurance        `json:"insurance"`
	PrimaryCarePhysician string           `json:"primary_care_physician,omitempty"`
	Hospital             string           `json:"hospital,omitempty"`
	Allergies            []Allergy        `json:"allergies"`
	CurrentMedications   []Medication     `json:"current_medications"`
	Diagnoses            []Diagnosis      `json:"diagnoses"`
	LabResults           []LabResult      `json:"lab_results"`
	Procedures           []Procedure      `json:"procedures"`
	ImagingStudies       []ImagingStudy   `json:"imaging_studies"`
	DiagnosticTests      []DiagnosticTest `json:"diagnostic_tests"`
}

// Profile is the builder output.
type Profile struct {
	Patient      Patient        `json:"patient"`
	VitalSigns   []VitalSigns   `json:"vital_signs"`
	SourceCounts map[string]int `json:"source_counts"`
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Builder assembles patient profiles. Missing optional sources degrade to
// empty collections; a missing patient row for a resolved identity is fatal.
type Builder struct {
	data   *dataset.Accessor
	logger zerolog.Logger
}

// NewBuilder creates a Builder over the given data accessor.
func NewBuilder(data *dataset.Accessor, logger zerolog.Logger) *Builder {
	return &Builder{data: data, logger: logger.With().Str("component", "profile_builder").Logger()}
}

type sourceRows struct {
	patients      []map[string]string
	encounters    []map[string]string
	providers     []map[string]string
	organizations []map[string]string
	payers        []map[string]string
	transitions   []map[string]string
	allergies     []map[string]string
	medications   []map[string]string
	conditions    []map[string]string
	observations  []map[string]string
	procedures    []map[string]string
	imaging       []map[string]string
}

// Build assembles the snapshot for a resolved identity. The per-table reads
// are independent and issued concurrently.
func (b *Builder) Build(ctx context.Context, identity *evolution.IdentityRecord) (*Profile, error) {
	rows, err := b.loadSources(ctx, identity.PatientKey)
	if err != nil {
		return nil, err
	}

	var patientRow map[string]string
	for _, row := range rows.patients {
		if strings.EqualFold(strings.TrimSpace(row["Id"]), identity.PatientKey) {
			patientRow = row
			break
		}
	}
	if patientRow == nil {
		return nil, fmt.Errorf("patient row %s not found in patients.csv", identity.PatientKey)
	}

	providers := indexByID(rows.providers)
	organizations := indexByID(rows.organizations)
	payers := indexByID(rows.payers)

	topProvider := mostFrequent(rows.encounters, "PROVIDER")
	topOrg := mostFrequent(rows.encounters, "ORGANIZATION")
	topPayer := mostFrequent(append(append([]map[string]string{}, rows.encounters...), rows.transitions...), "PAYER")

	labs, vitals := splitObservations(rows.observations)

	docs, err := b.data.DocumentsForPatient(identity.PatientKey)
	if err != nil {
		return nil, fmt.Errorf("listing patient documents: %w", err)
	}
	fhirLabs, fhirVitals, fhirProcedures, imaging, diagnostics := b.documentExtras(docs)
	ccdaLabs, ccdaVitals := b.markupLabsAndVitals(docs)
	labs = append(labs, fhirLabs...)
	labs = append(labs, ccdaLabs...)
	vitals = append(vitals, fhirVitals...)
	vitals = append(vitals, ccdaVitals...)

	imagingStudies := imagingFromRows(rows.imaging)
	imagingStudies = append(imagingStudies, imaging...)

	procedures := proceduresFromRows(rows.procedures)
	procedures = append(procedures, fhirProcedures...)

	patient := Patient{
		PatientID:           identity.PatientKey,
		MedicalRecordNumber: identity.MedicalRecordNumber,
		FirstName:           firstNonEmpty(cell(patientRow, "FIRST"), identity.FirstName, "Unknown"),
		LastName:            firstNonEmpty(cell(patientRow, "LAST"), identity.LastName, "Unknown"),
		DateOfBirth:         firstNonEmpty(cell(patientRow, "BIRTHDATE"), identity.DateOfBirth),
		Gender:              firstNonEmpty(cell(patientRow, "GENDER"), identity.Gender),
		ContactInfo: ContactInfo{
			Address: joinNonEmpty(" ",
				cell(patientRow, "ADDRESS"), cell(patientRow, "CITY"),
				cell(patientRow, "STATE"), cell(patientRow, "ZIP")),
		},
		Insurance: Insurance{
			Provider: firstNonEmpty(cell(payers[topPayer], "NAME"), "Unknown"),
			PlanType: firstNonEmpty(latestTransitionOwnership(rows.transitions), "Unknown"),
		},
		PrimaryCarePhysician: cell(providers[topProvider], "NAME"),
		Hospital:             cell(organizations[topOrg], "NAME"),
		Allergies:            allergiesFromRows(rows.allergies),
		CurrentMedications:   medicationsFromRows(rows.medications),
		Diagnoses:            diagnosesFromRows(rows.conditions),
		LabResults:           labs,
		Procedures:           procedures,
		ImagingStudies:       imagingStudies,
		DiagnosticTests:      diagnostics,
	}

	return &Profile{
		Patient:    patient,
		VitalSigns: vitals,
		SourceCounts: map[string]int{
			"encounters":             len(rows.encounters),
			"allergies_csv":          len(rows.allergies),
			"medications_csv":        len(rows.medications),
			"conditions_csv":         len(rows.conditions),
			"observations_csv":       len(rows.observations),
			"procedures_csv":         len(rows.procedures),
			"imaging_csv":            len(rows.imaging),
			"fhir_ccda_docs":         len(docs),
			"lab_results_total":      len(labs),
			"vitals_total":           len(vitals),
			"procedures_total":       len(procedures),
			"imaging_total":          len(imagingStudies),
			"diagnostic_tests_total": len(diagnostics),
		},
	}, nil
}

func (b *Builder) loadSources(ctx context.Context, patientKey string) (*sourceRows, error) {
	rows := &sourceRows{}
	g, _ := errgroup.WithContext(ctx)

	load := func(table string, filter bool, dst *[]map[string]string) {
		g.Go(func() error {
			loaded, err := b.data.ReadOptionalTable(table)
			if err != nil {
				return fmt.Errorf("reading %s: %w", table, err)
			}
			if filter {
				loaded = filterByPatient(loaded, patientKey)
			}
			*dst = loaded
			return nil
		})
	}

	g.Go(func() error {
		loaded, err := b.data.ReadTable("patients.csv")
		if err != nil {
			return fmt.Errorf("reading patients.csv: %w", err)
		}
		rows.patients = loaded
		return nil
	})
	load("encounters.csv", true, &rows.encounters)
	load("providers.csv", false, &rows.providers)
	load("organizations.csv", false, &rows.organizations)
	load("payers.csv", false, &rows.payers)
	load("payer_transitions.csv", true, &rows.transitions)
	load("allergies.csv", true, &rows.allergies)
	load("medications.csv", true, &rows.medications)
	load("conditions.csv", true, &rows.conditions)
	load("observations.csv", true, &rows.observations)
	load("procedures.csv", true, &rows.procedures)
	load("imaging_studies.csv", true, &rows.imaging)

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Tabular derivations
// ---------------------------------------------------------------------------

func allergiesFromRows(rows []map[string]string) []Allergy {
	out := make([]Allergy, 0, len(rows))
	for _, r := range rows {
		out = append(out, Allergy{
			Allergen:   firstNonEmpty(cell(r, "DESCRIPTION"), "Allergy"),
			Status:     "confirmed",
			RecordedAt: parseWhen(cell(r, "START")),
		})
	}
	return out
}

func medicationsFromRows(rows []map[string]string) []Medication {
	out := make([]Medication, 0, len(rows))
	for _, r := range rows {
		out = append(out, Medication{
			Name:         firstNonEmpty(cell(r, "DESCRIPTION"), "Medication"),
			Dosage:       "unknown",
			Frequency:    "unknown",
			Indication:   cell(r, "REASONDESCRIPTION"),
			PrescribedAt: parseWhen(cell(r, "START")),
		})
	}
	return out
}

func diagnosesFromRows(rows []map[string]string) []Diagnosis {
	out := make([]Diagnosis, 0, len(rows))
	for _, r := range rows {
		status := "active"
		if cell(r, "STOP") != "" {
			status = "resolved"
		}
		out = append(out, Diagnosis{
			Condition:     firstNonEmpty(cell(r, "DESCRIPTION"), "Condition"),
			Code:          cell(r, "CODE"),
			DateDiagnosed: parseWhen(cell(r, "START")),
			Status:        status,
		})
	}
	return out
}

func proceduresFromRows(rows []map[string]string) []Procedure {
	out := make([]Procedure, 0, len(rows))
	for _, r := range rows {
		out = append(out, Procedure{
			Name:          firstNonEmpty(cell(r, "DESCRIPTION"), "Procedure"),
			Code:          cell(r, "CODE"),
			Reason:        cell(r, "REASONDESCRIPTION"),
			DatePerformed: parseWhen(cell(r, "DATE")),
		})
	}
	return out
}

func imagingFromRows(rows []map[string]string) []ImagingStudy {
	out := make([]ImagingStudy, 0, len(rows))
	for _, r := range rows {
		out = append(out, ImagingStudy{
			StudyType:     firstNonEmpty(cell(r, "MODALITY_DESCRIPTION"), "Imaging Study"),
			BodyPart:      firstNonEmpty(cell(r, "BODYSITE_DESCRIPTION"), "Unknown"),
			Findings:      cell(r, "SOP_DESCRIPTION"),
			Impression:    cell(r, "SOP_DESCRIPTION"),
			DatePerformed: parseWhen(cell(r, "DATE")),
		})
	}
	return out
}

// vitalField classifies an observation description against the fixed vitals
// vocabulary. Everything else is a lab result.
func vitalField(description string) string {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "systolic blood pressure"):
		return "blood_pressure_systolic"
	case strings.Contains(d, "diastolic blood pressure"):
		return "blood_pressure_diastolic"
	case strings.Contains(d, "heart rate"), strings.Contains(d, "pulse"):
		return "heart_rate"
	case strings.Contains(d, "body temperature"), strings.Contains(d, "temperature"):
		return "temperature_fahrenheit"
	case strings.Contains(d, "body mass index"), d == "bmi":
		return "bmi"
	default:
		return ""
	}
}

func splitObservations(rows []map[string]string) ([]LabResult, []VitalSigns) {
	labs := []LabResult{}
	grouped := map[string]*VitalSigns{}

	for _, r := range rows {
		desc := cell(r, "DESCRIPTION")
		value := cell(r, "VALUE")
		field := vitalField(desc)
		if field == "" {
			if desc == "" && value == "" {
				continue
			}
			labs = append(labs, LabResult{
				TestName:      firstNonEmpty(desc, "Observation"),
				Result:        value,
				Unit:          cell(r, "UNITS"),
				DatePerformed: parseWhen(cell(r, "DATE")),
			})
			continue
		}

		key := firstNonEmpty(cell(r, "DATE"), "unknown")
		vital, ok := grouped[key]
		if !ok {
			vital = &VitalSigns{MeasurementDate: parseWhen(cell(r, "DATE"))}
			grouped[key] = vital
		}
		setVital(vital, field, value)
	}

	return labs, sortedVitals(grouped)
}

func setVital(v *VitalSigns, field, value string) {
	switch field {
	case "blood_pressure_systolic":
		v.BloodPressureSystolic = parseIntValue(value)
	case "blood_pressure_diastolic":
		v.BloodPressureDiastolic = parseIntValue(value)
	case "heart_rate":
		v.HeartRate = parseIntValue(value)
	case "temperature_fahrenheit":
		v.TemperatureFahrenheit = parseFloatValue(value)
	case "bmi":
		v.BMI = parseFloatValue(value)
	}
}

func sortedVitals(grouped map[string]*VitalSigns) []VitalSigns {
	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]VitalSigns, 0, len(keys))
	for _, k := range keys {
		out = append(out, *grouped[k])
	}
	return out
}

// ---------------------------------------------------------------------------
// Document derivations
// ---------------------------------------------------------------------------

// documentExtras pulls labs, vitals, procedures, imaging studies, and
// diagnostic reports out of the FHIR bundles. Unreadable documents are
// skipped.
func (b *Builder) documentExtras(docs []dataset.DocPath) ([]LabResult, []VitalSigns, []Procedure, []ImagingStudy, []DiagnosticTest) {
	labs := []LabResult{}
	procedures := []Procedure{}
	imaging := []ImagingStudy{}
	tests := []DiagnosticTest{}
	vitalsByDay := map[string]*VitalSigns{}

	for _, doc := range docs {
		if doc.Dataset == dataset.DatasetCCDA || !strings.HasSuffix(strings.ToLower(doc.Path), ".json") {
			continue
		}
		bundle, err := b.data.ReadStructuredDocument(doc.Path)
		if err != nil {
			b.logger.Warn().Str("path", doc.Path).Err(err).Msg("skipping unreadable bundle")
			continue
		}
		for _, resource := range fhir.Entries(bundle) {
			switch fhir.ResourceType(resource) {
			case "Observation":
				b.collectObservation(resource, &labs, vitalsByDay)
			case "DiagnosticReport":
				_, display := fhir.CodeAndDisplay(resource)
				tests = append(tests, DiagnosticTest{
					TestType:       firstNonEmpty(display, "Diagnostic Report"),
					Findings:       fhir.String(resource, "conclusion"),
					Interpretation: firstNonEmpty(fhir.String(resource, "status"), "unknown"),
					DatePerformed:  parseWhen(firstNonEmpty(fhir.String(resource, "effectiveDateTime"), fhir.String(resource, "issued"))),
				})
			case "Procedure":
				code, display := fhir.CodeAndDisplay(resource)
				when := firstNonEmpty(
					fhir.String(resource, "performedDateTime"),
					fhir.String(fhir.Object(resource, "performedPeriod"), "start"))
				procedures = append(procedures, Procedure{
					Name:          firstNonEmpty(display, "Procedure"),
					Code:          code,
					DatePerformed: parseWhen(when),
				})
			case "ImagingStudy":
				imaging = append(imaging, imagingFromResource(resource))
			}
		}
	}
	return labs, sortedVitals(vitalsByDay), procedures, imaging, tests
}

func (b *Builder) collectObservation(resource map[string]any, labs *[]LabResult, vitalsByDay map[string]*VitalSigns) {
	_, display := fhir.CodeAndDisplay(resource)
	effective := firstNonEmpty(fhir.String(resource, "effectiveDateTime"), fhir.String(resource, "issued"))
	value, unit := fhir.ObservationValue(resource)

	if field := vitalField(display); field != "" {
		day := "unknown"
		if len(effective) >= 10 {
			day = effective[:10]
		}
		vital, ok := vitalsByDay[day]
		if !ok {
			vital = &VitalSigns{MeasurementDate: parseWhen(effective)}
			vitalsByDay[day] = vital
		}
		setVital(vital, field, value)
		return
	}

	*labs = append(*labs, LabResult{
		TestName:      firstNonEmpty(display, "Observation"),
		Result:        value,
		Unit:          unit,
		Flagged:       fhir.AbnormalInterpretation(resource),
		DatePerformed: parseWhen(effective),
	})
}

func imagingFromResource(resource map[string]any) ImagingStudy {
	var bodyPart, modality string
	if series := fhir.Array(resource, "series"); len(series) > 0 {
		bodyPart = fhir.String(fhir.Object(series[0], "bodySite"), "display")
		modality = fhir.String(fhir.Object(series[0], "modality"), "display")
	}
	return ImagingStudy{
		StudyType:     firstNonEmpty(fhir.String(resource, "description"), modality, "Imaging Study"),
		BodyPart:      firstNonEmpty(bodyPart, "Unknown"),
		Findings:      fhir.String(resource, "reasonDescription"),
		Impression:    fhir.String(resource, "status"),
		DatePerformed: parseWhen(fhir.String(resource, "started")),
	}
}

// markupLabsAndVitals extracts result/vital observations from C-CDA result
// and vital-sign sections.
func (b *Builder) markupLabsAndVitals(docs []dataset.DocPath) ([]LabResult, []VitalSigns) {
	labs := []LabResult{}
	vitalsByDay := map[string]*VitalSigns{}

	for _, doc := range docs {
		if doc.Dataset != dataset.DatasetCCDA {
			continue
		}
		f, err := os.Open(doc.Path)
		if err != nil {
			continue
		}
		root, err := ccda.Parse(f)
		f.Close()
		if err != nil {
			b.logger.Warn().Str("path", doc.Path).Err(err).Msg("skipping malformed document")
			continue
		}

		root.Walk(func(n *ccda.Node) {
			if n.Tag != "section" {
				return
			}
			title := ""
			if t := n.Child("title"); t != nil {
				title = strings.ToLower(t.TrimmedText())
			}
			if !strings.Contains(title, "result") && !strings.Contains(title, "vital") {
				return
			}
			n.Walk(func(obs *ccda.Node) {
				if obs.Tag != "observation" {
					return
				}
				valueNode := obs.Child("value")
				if valueNode == nil {
					return
				}
				name := "Observation"
				if codeNode := obs.Child("code"); codeNode != nil {
					name = firstNonEmpty(strings.TrimSpace(codeNode.Attr["displayName"]), name)
				}
				value := strings.TrimSpace(valueNode.Attr["value"])
				var when *time.Time
				if eff := obs.Child("effectiveTime"); eff != nil {
					when = parseWhen(eff.Attr["value"])
				}

				if field := vitalField(name); field != "" {
					day := "unknown"
					if when != nil {
						day = when.Format("2006-01-02")
					}
					vital, ok := vitalsByDay[day]
					if !ok {
						vital = &VitalSigns{MeasurementDate: when}
						vitalsByDay[day] = vital
					}
					setVital(vital, field, value)
					return
				}
				labs = append(labs, LabResult{
					TestName:      name,
					Result:        value,
					Unit:          strings.TrimSpace(valueNode.Attr["unit"]),
					DatePerformed: when,
				})
			})
		})
	}
	return labs, sortedVitals(vitalsByDay)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func cell(row map[string]string, key string) string {
	return strings.TrimSpace(row[key])
}

func filterByPatient(rows []map[string]string, patientKey string) []map[string]string {
	pid := strings.ToLower(patientKey)
	out := []map[string]string{}
	for _, r := range rows {
		if strings.ToLower(cell(r, "PATIENT")) == pid {
			out = append(out, r)
		}
	}
	return out
}

func indexByID(rows []map[string]string) map[string]map[string]string {
	idx := make(map[string]map[string]string, len(rows))
	for _, r := range rows {
		if id := cell(r, "Id"); id != "" {
			idx[id] = r
		}
	}
	return idx
}

// mostFrequent returns the most common non-empty value of a column, with
// ties broken by first-seen order.
func mostFrequent(rows []map[string]string, column string) string {
	counts := map[string]int{}
	firstSeen := map[string]int{}
	for i, r := range rows {
		v := cell(r, column)
		if v == "" {
			continue
		}
		if _, ok := counts[v]; !ok {
			firstSeen[v] = i
		}
		counts[v]++
	}
	best := ""
	for v, c := range counts {
		if best == "" || c > counts[best] || (c == counts[best] && firstSeen[v] < firstSeen[best]) {
			best = v
		}
	}
	return best
}

func latestTransitionOwnership(transitions []map[string]string) string {
	best := ""
	bestYear := -1
	for _, r := range transitions {
		year, err := strconv.Atoi(cell(r, "END_YEAR"))
		if err != nil {
			year = 0
		}
		if year > bestYear {
			bestYear = year
			best = cell(r, "OWNERSHIP")
		}
	}
	return best
}

// parseWhen accepts the date and datetime encodings seen in the tabular and
// document sources.
func parseWhen(raw string) *time.Time {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"20060102150405",
		"20060102",
	} {
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

func parseIntValue(raw string) *int {
	f := parseFloatValue(raw)
	if f == nil {
		return nil
	}
	n := int(*f + 0.5)
	return &n
}

func parseFloatValue(raw string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil
	}
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(sep string, values ...string) string {
	parts := values[:0]
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}
