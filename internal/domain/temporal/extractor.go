// Package temporal converts every source format into one ordered stream of
// timeline events and derives clinical episodes over it. Downstream stages
// never branch on source format: all extractors emit the same tagged event
// vocabulary.
package temporal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/dataset"
)

// DefaultTrendChangeThreshold is the minimum first-to-last relative change
// magnitude for a lab group to count as a trend episode.
const DefaultTrendChangeThreshold = 0.20

// Config carries the extractor tunables.
type Config struct {
	// TrendChangeThreshold overrides DefaultTrendChangeThreshold when > 0.
	TrendChangeThreshold float64
}

func (c Config) trendThreshold() float64 {
	if c.TrendChangeThreshold > 0 {
		return c.TrendChangeThreshold
	}
	return DefaultTrendChangeThreshold
}

// Timeline is the extractor output: the merged, filtered, ordered event
// stream plus grouped episodes and per-source counts.
type Timeline struct {
	Events       []evolution.TimelineEvent
	Episodes     *EpisodeGroups
	SourceCounts map[string]int
}

// Extractor builds timelines from the tabular, FHIR, and C-CDA sources. It
// holds no per-run state, so one Extractor serves concurrent runs.
type Extractor struct {
	data   *dataset.Accessor
	logger zerolog.Logger
	cfg    Config
}

// NewExtractor creates an Extractor over the given data accessor.
func NewExtractor(data *dataset.Accessor, logger zerolog.Logger, cfg Config) *Extractor {
	return &Extractor{
		data:   data,
		logger: logger.With().Str("component", "temporal_extractor").Logger(),
		cfg:    cfg,
	}
}

// BuildTimeline extracts events from every source for the resolved patient,
// merges them, drops events without a start time, sorts by (start time,
// event id), and derives episodes.
func (x *Extractor) BuildTimeline(ctx context.Context, identity *evolution.IdentityRecord) (*Timeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &run{x: x}

	tabular, err := r.tabularEvents(identity.PatientKey)
	if err != nil {
		return nil, fmt.Errorf("extracting tabular events: %w", err)
	}

	docs, err := x.data.DocumentsForPatient(identity.PatientKey)
	if err != nil {
		return nil, fmt.Errorf("listing patient documents: %w", err)
	}
	var ccdaDocs, fhirDocs []dataset.DocPath
	for _, d := range docs {
		if d.Dataset == dataset.DatasetCCDA {
			ccdaDocs = append(ccdaDocs, d)
		} else {
			fhirDocs = append(fhirDocs, d)
		}
	}

	markup := r.markupEvents(ccdaDocs)
	bundles := r.bundleEvents(fhirDocs)

	events := make([]evolution.TimelineEvent, 0, len(tabular)+len(markup)+len(bundles))
	events = append(events, tabular...)
	events = append(events, markup...)
	events = append(events, bundles...)

	// Events lacking a start time are excluded, never defaulted.
	kept := events[:0]
	for _, e := range events {
		if e.TimeStart != nil {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].TimeStart.Equal(*kept[j].TimeStart) {
			return kept[i].TimeStart.Before(*kept[j].TimeStart)
		}
		return kept[i].EventID < kept[j].EventID
	})

	episodes := x.deriveEpisodes(kept)

	x.logger.Debug().
		Int("tabular", len(tabular)).
		Int("ccda", len(markup)).
		Int("fhir", len(bundles)).
		Int("timeline", len(kept)).
		Msg("timeline assembled")

	return &Timeline{
		Events:   kept,
		Episodes: episodes,
		SourceCounts: map[string]int{
			"csv_events":                         len(tabular),
			"ccda_events":                        len(markup),
			"fhir_events":                        len(bundles),
			"timeline_total":                     len(kept),
			"diagnosis_onset_episodes":           len(episodes.DiagnosisOnset),
			"treatment_change_episodes":          len(episodes.TreatmentChange),
			"abnormal_lab_trend_episodes":        len(episodes.AbnormalLabTrend),
			"admission_discharge_cycle_episodes": len(episodes.AdmissionDischargeCycles),
		},
	}, nil
}

// run carries the per-invocation event counter so ids stay monotonic within
// one pipeline run without sharing state across runs.
type run struct {
	x   *Extractor
	seq int
}

func (r *run) nextID() string {
	r.seq++
	return fmt.Sprintf("ev_%06d", r.seq)
}

func (r *run) newEvent(category, subtype, sourceDataset, sourceFile string) evolution.TimelineEvent {
	return evolution.TimelineEvent{
		EventID:       r.nextID(),
		Category:      category,
		Subtype:       subtype,
		SourceDataset: sourceDataset,
		SourceFile:    sourceFile,
	}
}

func cell(row map[string]string, key string) string {
	return strings.TrimSpace(row[key])
}

func setContext(ctx map[string]string, key, value string) {
	if value != "" {
		ctx[key] = value
	}
}

// rowsForPatient filters table rows on the PATIENT column.
func rowsForPatient(rows []map[string]string, patientKey string) []map[string]string {
	pid := strings.ToLower(patientKey)
	var out []map[string]string
	for _, row := range rows {
		if strings.ToLower(cell(row, "PATIENT")) == pid {
			out = append(out, row)
		}
	}
	return out
}
