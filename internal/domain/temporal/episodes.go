package temporal

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evoline/evoline/internal/domain/evolution"
)

// RawEpisode is one derived aggregate before the orchestrator flattens the
// groups and assigns global episode ids.
type RawEpisode struct {
	EpisodeType   string         `json:"episode_type"`
	TestName      string         `json:"test_name,omitempty"`
	Description   string         `json:"description,omitempty"`
	Code          string         `json:"code,omitempty"`
	Subtype       string         `json:"subtype,omitempty"`
	SourceDataset string         `json:"source_dataset,omitempty"`
	Status        string         `json:"status,omitempty"`
	TimeStart     *time.Time     `json:"time_start"`
	TimeEnd       *time.Time     `json:"time_end,omitempty"`
	EventIDs      []string       `json:"event_ids"`
	Details       map[string]any `json:"details,omitempty"`
}

// EpisodeGroups holds the derived episodes by kind, in derivation order.
type EpisodeGroups struct {
	DiagnosisOnset           []RawEpisode `json:"diagnosis_onset"`
	TreatmentChange          []RawEpisode `json:"treatment_change"`
	AbnormalLabTrend         []RawEpisode `json:"abnormal_lab_trend"`
	AdmissionDischargeCycles []RawEpisode `json:"admission_discharge_cycles"`
}

// treatmentSubtypeMarkers select which treatment events become episodes.
var treatmentSubtypeMarkers = []string{"start", "stop", "change", "restart", "procedure", "careplan"}

// deriveEpisodes builds the read-only episode aggregates over the assembled
// timeline. Episodes reference events by id; they never own them.
func (x *Extractor) deriveEpisodes(timeline []evolution.TimelineEvent) *EpisodeGroups {
	groups := &EpisodeGroups{
		DiagnosisOnset:           []RawEpisode{},
		TreatmentChange:          []RawEpisode{},
		AbnormalLabTrend:         []RawEpisode{},
		AdmissionDischargeCycles: []RawEpisode{},
	}

	for _, e := range timeline {
		switch {
		case e.Category == evolution.CategoryDiagnosisOnset && strings.Contains(e.Subtype, "start"):
			groups.DiagnosisOnset = append(groups.DiagnosisOnset, RawEpisode{
				EpisodeType: evolution.EpisodeDiagnosisOnset,
				TimeStart:   e.TimeStart,
				Description: e.Description,
				Code:        e.Code,
				EventIDs:    []string{e.EventID},
			})
		case e.Category == evolution.CategoryTreatmentChange && containsAny(e.Subtype, treatmentSubtypeMarkers):
			groups.TreatmentChange = append(groups.TreatmentChange, RawEpisode{
				EpisodeType: evolution.EpisodeTreatmentChange,
				TimeStart:   e.TimeStart,
				TimeEnd:     e.TimeEnd,
				Description: e.Description,
				Subtype:     e.Subtype,
				EventIDs:    []string{e.EventID},
			})
		case e.Category == evolution.CategoryAdmissionDischarge && strings.Contains(e.Subtype, "cycle"):
			groups.AdmissionDischargeCycles = append(groups.AdmissionDischargeCycles, RawEpisode{
				EpisodeType:   evolution.EpisodeAdmissionDischarge,
				TimeStart:     e.TimeStart,
				TimeEnd:       e.TimeEnd,
				Description:   e.Description,
				SourceDataset: e.SourceDataset,
				EventIDs:      []string{e.EventID},
			})
		}
	}

	groups.AbnormalLabTrend = x.abnormalLabEpisodes(timeline)
	return groups
}

// abnormalLabEpisodes groups lab events by normalized test description.
// Flagged points within a group form an abnormal_lab_flag episode; a group
// with three or more numeric points whose first-to-last relative change
// magnitude reaches the trend threshold forms an abnormal_lab_trend
// episode. One group may produce both.
func (x *Extractor) abnormalLabEpisodes(timeline []evolution.TimelineEvent) []RawEpisode {
	groups := map[string][]evolution.TimelineEvent{}
	var keyOrder []string
	for _, e := range timeline {
		if e.Category != evolution.CategoryLabTrend || e.TimeStart == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(orDefault(e.Description, "unknown")))
		if _, seen := groups[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		groups[key] = append(groups[key], e)
	}

	threshold := x.cfg.trendThreshold()
	episodes := []RawEpisode{}
	for _, key := range keyOrder {
		items := groups[key]
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].TimeStart.Before(*items[j].TimeStart)
		})

		type numericPoint struct {
			t time.Time
			v float64
		}
		var numeric []numericPoint
		var flagged []evolution.TimelineEvent
		for _, it := range items {
			if it.FlaggedAbnormal {
				flagged = append(flagged, it)
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(it.Value), 64); err == nil {
				numeric = append(numeric, numericPoint{t: *it.TimeStart, v: v})
			}
		}

		if len(flagged) > 0 {
			episodes = append(episodes, RawEpisode{
				EpisodeType: evolution.EpisodeAbnormalLabFlag,
				TestName:    items[0].Description,
				TimeStart:   flagged[0].TimeStart,
				TimeEnd:     flagged[len(flagged)-1].TimeStart,
				EventIDs:    eventIDs(flagged),
				Details:     map[string]any{"flags_count": len(flagged)},
			})
		}

		if len(numeric) >= 3 && numeric[0].v != 0 {
			ratio := (numeric[len(numeric)-1].v - numeric[0].v) / math.Abs(numeric[0].v)
			if math.Abs(ratio) >= threshold {
				trend := "increasing"
				if ratio < 0 {
					trend = "decreasing"
				}
				first := numeric[0].t
				last := numeric[len(numeric)-1].t
				episodes = append(episodes, RawEpisode{
					EpisodeType: evolution.EpisodeAbnormalLabTrend,
					TestName:    items[0].Description,
					TimeStart:   &first,
					TimeEnd:     &last,
					EventIDs:    eventIDs(items),
					Details: map[string]any{
						"trend":           trend,
						"relative_change": math.Round(ratio*1000) / 1000,
						"points":          len(numeric),
					},
				})
			}
		}
	}
	return episodes
}

func eventIDs(events []evolution.TimelineEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	return ids
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
