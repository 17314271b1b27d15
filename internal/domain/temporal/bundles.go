package temporal

import (
	"strings"
	"time"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/dataset"
	"github.com/evoline/evoline/internal/platform/fhir"
)

// timePoint is one temporal facet extracted from a resource. A resource may
// contribute several events, one per facet.
type timePoint struct {
	label string
	start *time.Time
	end   *time.Time
}

// bundleEvents walks every bundle entry across both schema dialects and
// classifies the contained resource into the shared category taxonomy.
// Unreadable documents are skipped; individual bad fields become nil times.
func (r *run) bundleEvents(docs []dataset.DocPath) []evolution.TimelineEvent {
	var events []evolution.TimelineEvent
	for _, doc := range docs {
		if !strings.HasSuffix(strings.ToLower(doc.Path), ".json") {
			continue
		}
		bundle, err := r.x.data.ReadStructuredDocument(doc.Path)
		if err != nil {
			r.x.logger.Warn().Str("path", doc.Path).Err(err).Msg("skipping unreadable bundle")
			continue
		}
		for _, resource := range fhir.Entries(bundle) {
			events = append(events, r.resourceEvents(doc, resource)...)
		}
	}
	return events
}

func (r *run) resourceEvents(doc dataset.DocPath, resource map[string]any) []evolution.TimelineEvent {
	rtype := fhir.ResourceType(resource)
	rid := fhir.String(resource, "id")
	code, display := fhir.CodeAndDisplay(resource)

	points := resourceTimePoints(resource)
	if rtype == "Encounter" && len(points) == 0 {
		period := fhir.Object(resource, "period")
		points = append(points, timePoint{
			label: "period",
			start: ParseClinicalTime(fhir.String(period, "start")),
			end:   ParseClinicalTime(fhir.String(period, "end")),
		})
	}

	abnormal := false
	var value, unit string
	if rtype == "Observation" {
		abnormal = fhir.AbnormalInterpretation(resource)
		value, unit = fhir.ObservationValue(resource)
	}

	category, subtype := classifyResource(rtype)

	var events []evolution.TimelineEvent
	for _, p := range points {
		if p.start == nil && p.end == nil {
			continue
		}
		e := r.newEvent(category, subtype+":"+p.label, doc.Dataset, doc.Path)
		if p.start != nil {
			e.TimeStart = p.start
			e.TimeEnd = p.end
		} else {
			e.TimeStart = p.end
		}
		e.Description = display
		e.Code = code
		e.Value = value
		e.Unit = unit
		e.FlaggedAbnormal = abnormal
		e.Context = map[string]string{}
		setContext(e.Context, "resource_type", rtype)
		setContext(e.Context, "resource_id", rid)
		events = append(events, e)
	}
	return events
}

// resourceTimePoints extracts every time-bearing field present on the
// resource as a separate facet. Facets with no parseable instant are
// dropped.
func resourceTimePoints(resource map[string]any) []timePoint {
	var out []timePoint
	for _, field := range []string{"effectiveDateTime", "issued", "recordedDate", "onsetDateTime", "performedDateTime", "authoredOn"} {
		if raw := fhir.String(resource, field); raw != "" {
			out = append(out, timePoint{label: field, start: ParseClinicalTime(raw)})
		}
	}
	for _, field := range []string{"onsetPeriod", "performedPeriod", "period"} {
		if period := fhir.Object(resource, field); period != nil {
			out = append(out, timePoint{
				label: field,
				start: ParseClinicalTime(fhir.String(period, "start")),
				end:   ParseClinicalTime(fhir.String(period, "end")),
			})
		}
	}
	kept := out[:0]
	for _, p := range out {
		if p.start != nil || p.end != nil {
			kept = append(kept, p)
		}
	}
	return kept
}

// classifyResource maps a resource type onto the shared event taxonomy.
// Unknown types become generic clinical-context time points.
func classifyResource(rtype string) (category, subtype string) {
	switch rtype {
	case "Condition":
		return evolution.CategoryDiagnosisOnset, "condition_event"
	case "MedicationRequest", "MedicationStatement", "MedicationAdministration":
		return evolution.CategoryTreatmentChange, "medication_event"
	case "Procedure", "CarePlan", "ServiceRequest":
		return evolution.CategoryTreatmentChange, strings.ToLower(rtype) + "_event"
	case "Encounter":
		return evolution.CategoryAdmissionDischarge, evolution.SubtypeEncounterCycle
	case "Observation":
		return evolution.CategoryLabTrend, evolution.SubtypeObservation
	default:
		return evolution.CategoryClinicalContextTime, strings.ToLower(rtype) + "_time"
	}
}
