// Package pipeline orchestrates one patient evolution run: identity
// resolution, parallel profile and timeline assembly, context fusion,
// narrative generation, alert derivation, and persistence of the assembled
// output.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/domain/fusion"
	"github.com/evoline/evoline/internal/domain/identity"
	"github.com/evoline/evoline/internal/domain/narrative"
	"github.com/evoline/evoline/internal/domain/profile"
	"github.com/evoline/evoline/internal/domain/temporal"
	"github.com/evoline/evoline/internal/platform/blobstore"
)

const outputContentType = "application/json"

// Service runs the evolution pipeline end to end. The identity is resolved
// exactly once per run and every later stage receives the same record.
type Service struct {
	resolver  *identity.Resolver
	profiles  *profile.Builder
	extractor *temporal.Extractor
	fuser     *fusion.Fuser
	narrator  *narrative.Generator
	store     blobstore.Store
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the pipeline stages. A nil now falls back to time.Now.
func NewService(
	resolver *identity.Resolver,
	profiles *profile.Builder,
	extractor *temporal.Extractor,
	fuser *fusion.Fuser,
	narrator *narrative.Generator,
	store blobstore.Store,
	logger zerolog.Logger,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		resolver:  resolver,
		profiles:  profiles,
		extractor: extractor,
		fuser:     fuser,
		narrator:  narrator,
		store:     store,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       now,
	}
}

// OutputKey is the storage key for a patient's evolution document.
func OutputKey(patientKey string) string {
	return "generated/" + patientKey + "/evolution.json"
}

// Run executes the full pipeline for one patient identifier and persists the
// result. Identity and persistence failures are fatal; narrative generation
// failures are not, by construction of the generator.
func (s *Service) Run(ctx context.Context, identifier string) (*evolution.PatientEvolutionOutput, error) {
	resolved, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var (
		prof     *profile.Profile
		timeline *temporal.Timeline
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prof, err = s.profiles.Build(gctx, resolved)
		return err
	})
	g.Go(func() error {
		var err error
		timeline, err = s.extractor.BuildTimeline(gctx, resolved)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.fuser.Fuse(ctx, resolved, timeline.Events); err != nil {
		return nil, err
	}

	report := s.narrator.Generate(ctx, prof, timeline.Events, timeline.Episodes)
	episodes := flattenEpisodes(timeline.Episodes)
	alerts := s.deriveAlerts(report.CareGaps, episodes)

	sourceCounts := map[string]int{}
	for k, v := range timeline.SourceCounts {
		sourceCounts[k] = v
	}
	sourceCounts["timeline_events"] = len(timeline.Events)
	sourceCounts["episodes"] = len(episodes)
	sourceCounts["alerts"] = len(alerts)

	out := &evolution.PatientEvolutionOutput{
		Patient:   prof,
		Timeline:  timeline.Events,
		Episodes:  episodes,
		Alerts:    alerts,
		Identity:  resolved,
		Narrative: report,
		Metadata: evolution.OutputMetadata{
			RunID:       uuid.New().String(),
			GeneratedAt: s.now().UTC(),
			Components: map[string]string{
				"identity":  "resolved",
				"profile":   "built",
				"temporal":  "built",
				"fusion":    "applied",
				"narrative": report.GenerationMode,
			},
			SourceCounts: sourceCounts,
		},
	}

	if err := s.persist(ctx, resolved.PatientKey, out); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("patient_key", resolved.PatientKey).
		Str("run_id", out.Metadata.RunID).
		Int("events", len(out.Timeline)).
		Int("episodes", len(out.Episodes)).
		Int("alerts", len(out.Alerts)).
		Msg("evolution run complete")
	return out, nil
}

func (s *Service) persist(ctx context.Context, patientKey string, out *evolution.PatientEvolutionOutput) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding evolution output: %w", err)
	}
	if err := s.store.Put(ctx, OutputKey(patientKey), outputContentType, data); err != nil {
		return fmt.Errorf("persisting evolution output: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Episode normalization
// ---------------------------------------------------------------------------

// flattenEpisodes turns the grouped raw episodes into one flat, id-stamped
// list sorted by start time with the episode id as tie-break.
func flattenEpisodes(groups *temporal.EpisodeGroups) []evolution.Episode {
	episodes := []evolution.Episode{}
	if groups == nil {
		return episodes
	}

	seq := 0
	add := func(raw []temporal.RawEpisode) {
		for _, r := range raw {
			seq++
			episodes = append(episodes, evolution.Episode{
				EpisodeID:       fmt.Sprintf("ep_%06d", seq),
				EpisodeType:     r.EpisodeType,
				TimeStart:       r.TimeStart,
				TimeEnd:         r.TimeEnd,
				Title:           episodeTitle(r),
				Description:     r.Description,
				Status:          r.Status,
				RelatedEventIDs: r.EventIDs,
				Details:         r.Details,
			})
		}
	}
	add(groups.DiagnosisOnset)
	add(groups.TreatmentChange)
	add(groups.AbnormalLabTrend)
	add(groups.AdmissionDischargeCycles)

	sort.SliceStable(episodes, func(i, j int) bool {
		a, b := episodes[i], episodes[j]
		switch {
		case a.TimeStart == nil && b.TimeStart != nil:
			return true
		case a.TimeStart != nil && b.TimeStart == nil:
			return false
		case a.TimeStart != nil && b.TimeStart != nil && !a.TimeStart.Equal(*b.TimeStart):
			return a.TimeStart.Before(*b.TimeStart)
		}
		return a.EpisodeID < b.EpisodeID
	})
	return episodes
}

func episodeTitle(r temporal.RawEpisode) string {
	if r.Description != "" {
		return r.Description
	}
	if r.TestName != "" {
		return r.TestName
	}
	words := strings.Split(strings.ReplaceAll(r.EpisodeType, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

// deriveAlerts turns narrative findings into typed alerts and synthesizes an
// abnormal-trend alert when lab episodes exist but no finding produced one.
func (s *Service) deriveAlerts(careGaps []string, episodes []evolution.Episode) []evolution.Alert {
	alerts := []evolution.Alert{}
	detected := s.now().UTC()
	seq := 0

	nextID := func() string {
		seq++
		return fmt.Sprintf("al_%06d", seq)
	}

	for _, finding := range careGaps {
		if strings.HasPrefix(finding, "No major care gaps") {
			continue
		}
		lower := strings.ToLower(finding)
		severity, alertType := evolution.SeverityMedium, evolution.AlertCareGap
		switch {
		case strings.Contains(lower, "contradiction"):
			severity, alertType = evolution.SeverityHigh, evolution.AlertContradiction
		case strings.Contains(lower, "monitoring need"), strings.Contains(lower, "abnormal lab"):
			severity, alertType = evolution.SeverityHigh, evolution.AlertAbnormalTrend
		}
		alerts = append(alerts, evolution.Alert{
			AlertID:           nextID(),
			Severity:          severity,
			AlertType:         alertType,
			Message:           finding,
			TimeDetected:      detected,
			RelatedEpisodeIDs: []string{},
			RelatedEventIDs:   []string{},
		})
	}

	var labEpisodeIDs, labEventIDs []string
	for _, ep := range episodes {
		if ep.EpisodeType == evolution.EpisodeAbnormalLabTrend || ep.EpisodeType == evolution.EpisodeAbnormalLabFlag {
			labEpisodeIDs = append(labEpisodeIDs, ep.EpisodeID)
			labEventIDs = append(labEventIDs, ep.RelatedEventIDs...)
		}
	}
	hasTrendAlert := false
	for _, a := range alerts {
		if a.AlertType == evolution.AlertAbnormalTrend {
			hasTrendAlert = true
			break
		}
	}
	if len(labEpisodeIDs) > 0 && !hasTrendAlert {
		alerts = append(alerts, evolution.Alert{
			AlertID:           nextID(),
			Severity:          evolution.SeverityHigh,
			AlertType:         evolution.AlertAbnormalTrend,
			Message:           fmt.Sprintf("%d abnormal lab trend episode(s) detected.", len(labEpisodeIDs)),
			TimeDetected:      detected,
			RelatedEpisodeIDs: labEpisodeIDs,
			RelatedEventIDs:   labEventIDs,
			RecommendedAction: "Review trend, confirm clinical significance, and plan follow-up testing.",
			Metadata:          map[string]string{"episodes_count": fmt.Sprintf("%d", len(labEpisodeIDs))},
		})
	}
	return alerts
}
