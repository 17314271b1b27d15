package temporal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/dataset"
)

// tabularEvents emits typed events from each tabular domain. Every table is
// optional; a missing file contributes nothing.
func (r *run) tabularEvents(patientKey string) ([]evolution.TimelineEvent, error) {
	if patientKey == "" {
		return nil, nil
	}
	var events []evolution.TimelineEvent

	encounters, err := r.load("encounters.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range encounters {
		start := ParseClinicalTime(cell(row, "START"))
		end := ParseClinicalTime(cell(row, "STOP"))
		encounterID := cell(row, "Id")
		desc := cell(row, "DESCRIPTION")
		code := cell(row, "CODE")

		cycle := r.newEvent(evolution.CategoryAdmissionDischarge, evolution.SubtypeEncounterCycle,
			dataset.DatasetTabular, r.x.data.TablePath("encounters.csv"))
		cycle.TimeStart = start
		cycle.TimeEnd = end
		cycle.Description = orDefault(desc, "Encounter")
		cycle.Code = code
		cycle.Context = map[string]string{}
		setContext(cycle.Context, "encounter_id", encounterID)
		setContext(cycle.Context, "encounter_class", cell(row, "ENCOUNTERCLASS"))
		setContext(cycle.Context, "provider_id", cell(row, "PROVIDER"))
		setContext(cycle.Context, "organization_id", cell(row, "ORGANIZATION"))
		setContext(cycle.Context, "payer_id", cell(row, "PAYER"))
		setContext(cycle.Context, "reason", cell(row, "REASONDESCRIPTION"))
		events = append(events, cycle)

		if start != nil {
			e := r.newEvent(evolution.CategoryAdmissionDischarge, evolution.SubtypeAdmission,
				dataset.DatasetTabular, r.x.data.TablePath("encounters.csv"))
			e.TimeStart = start
			e.Description = orDefault(desc, "Encounter admission")
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "encounter_id", encounterID)
			events = append(events, e)
		}
		if end != nil {
			e := r.newEvent(evolution.CategoryAdmissionDischarge, evolution.SubtypeDischarge,
				dataset.DatasetTabular, r.x.data.TablePath("encounters.csv"))
			e.TimeStart = end
			e.Description = orDefault(desc, "Encounter discharge")
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "encounter_id", encounterID)
			events = append(events, e)
		}
	}

	conditions, err := r.load("conditions.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range conditions {
		start := ParseClinicalTime(cell(row, "START"))
		stop := ParseClinicalTime(cell(row, "STOP"))
		desc := orDefault(cell(row, "DESCRIPTION"), "Condition")
		code := cell(row, "CODE")
		encounterID := cell(row, "ENCOUNTER")

		if start != nil {
			e := r.newEvent(evolution.CategoryDiagnosisOnset, evolution.SubtypeDiagnosisStart,
				dataset.DatasetTabular, r.x.data.TablePath("conditions.csv"))
			e.TimeStart = start
			e.Description = desc
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "encounter_id", encounterID)
			events = append(events, e)
		}
		if stop != nil {
			e := r.newEvent(evolution.CategoryDiagnosisOnset, evolution.SubtypeDiagnosisResolved,
				dataset.DatasetTabular, r.x.data.TablePath("conditions.csv"))
			e.TimeStart = stop
			e.Description = desc
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "encounter_id", encounterID)
			events = append(events, e)
		}
	}

	medEvents, err := r.medicationEvents(patientKey)
	if err != nil {
		return nil, err
	}
	events = append(events, medEvents...)

	observations, err := r.load("observations.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range observations {
		e := r.newEvent(evolution.CategoryLabTrend, evolution.SubtypeObservation,
			dataset.DatasetTabular, r.x.data.TablePath("observations.csv"))
		e.TimeStart = ParseClinicalTime(cell(row, "DATE"))
		e.Description = orDefault(cell(row, "DESCRIPTION"), "Observation")
		e.Code = cell(row, "CODE")
		e.Value = cell(row, "VALUE")
		e.Unit = cell(row, "UNITS")
		e.Context = map[string]string{}
		setContext(e.Context, "encounter_id", cell(row, "ENCOUNTER"))
		setContext(e.Context, "type", cell(row, "TYPE"))
		events = append(events, e)
	}

	procedures, err := r.load("procedures.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range procedures {
		e := r.newEvent(evolution.CategoryTreatmentChange, evolution.SubtypeProcedure,
			dataset.DatasetTabular, r.x.data.TablePath("procedures.csv"))
		e.TimeStart = ParseClinicalTime(cell(row, "DATE"))
		e.Description = orDefault(cell(row, "DESCRIPTION"), "Procedure")
		e.Code = cell(row, "CODE")
		e.Context = map[string]string{}
		setContext(e.Context, "reason", cell(row, "REASONDESCRIPTION"))
		setContext(e.Context, "encounter_id", cell(row, "ENCOUNTER"))
		events = append(events, e)
	}

	careplans, err := r.load("careplans.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range careplans {
		e := r.newEvent(evolution.CategoryTreatmentChange, evolution.SubtypeCarePlanCycle,
			dataset.DatasetTabular, r.x.data.TablePath("careplans.csv"))
		e.TimeStart = ParseClinicalTime(cell(row, "START"))
		e.TimeEnd = ParseClinicalTime(cell(row, "STOP"))
		e.Description = orDefault(cell(row, "DESCRIPTION"), "Care Plan")
		e.Code = cell(row, "CODE")
		events = append(events, e)
	}

	immunizations, err := r.load("immunizations.csv", patientKey)
	if err != nil {
		return nil, err
	}
	for _, row := range immunizations {
		e := r.newEvent(evolution.CategoryTreatmentChange, evolution.SubtypeImmunization,
			dataset.DatasetTabular, r.x.data.TablePath("immunizations.csv"))
		e.TimeStart = ParseClinicalTime(cell(row, "DATE"))
		e.Description = orDefault(cell(row, "DESCRIPTION"), "Immunization")
		e.Code = cell(row, "CODE")
		events = append(events, e)
	}

	return events, nil
}

// medicationEvents emits start/stop events per row and synthesizes one
// regimen-change event at the latest start when the same normalized
// medication name starts more than once.
func (r *run) medicationEvents(patientKey string) ([]evolution.TimelineEvent, error) {
	rows, err := r.load("medications.csv", patientKey)
	if err != nil {
		return nil, err
	}

	var events []evolution.TimelineEvent
	startsByName := map[string][]time.Time{}
	displayByName := map[string]string{}
	var nameOrder []string

	for _, row := range rows {
		start := ParseClinicalTime(cell(row, "START"))
		stop := ParseClinicalTime(cell(row, "STOP"))
		name := orDefault(cell(row, "DESCRIPTION"), "Medication")
		reason := cell(row, "REASONDESCRIPTION")
		code := cell(row, "CODE")
		encounterID := cell(row, "ENCOUNTER")

		if start != nil {
			e := r.newEvent(evolution.CategoryTreatmentChange, evolution.SubtypeMedicationStart,
				dataset.DatasetTabular, r.x.data.TablePath("medications.csv"))
			e.TimeStart = start
			e.Description = name
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "reason", reason)
			setContext(e.Context, "encounter_id", encounterID)
			events = append(events, e)

			key := strings.ToLower(name)
			if _, seen := startsByName[key]; !seen {
				nameOrder = append(nameOrder, key)
				displayByName[key] = name
			}
			startsByName[key] = append(startsByName[key], *start)
		}
		if stop != nil {
			e := r.newEvent(evolution.CategoryTreatmentChange, evolution.SubtypeMedicationStop,
				dataset.DatasetTabular, r.x.data.TablePath("medications.csv"))
			e.TimeStart = stop
			e.Description = name
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "reason", reason)
			setContext(e.Context, "encounter_id", encounterID)
			events = append(events, e)
		}
	}

	for _, key := range nameOrder {
		starts := startsByName[key]
		if len(starts) < 2 {
			continue
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
		latest := starts[len(starts)-1]

		e := r.newEvent(evolution.CategoryTreatmentChange, evolution.SubtypeMedicationRestart,
			dataset.DatasetTabular, r.x.data.TablePath("medications.csv"))
		e.TimeStart = &latest
		e.Description = displayByName[key]
		e.Context = map[string]string{"starts_observed": strconv.Itoa(len(starts))}
		events = append(events, e)
	}

	return events, nil
}

func (r *run) load(table, patientKey string) ([]map[string]string, error) {
	rows, err := r.x.data.ReadOptionalTable(table)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return rowsForPatient(rows, patientKey), nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
