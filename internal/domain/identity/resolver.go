// Package identity resolves a free-text query to exactly one canonical
// patient identity. Only exact-key and exact-full-name strategies are
// supported; choosing among homonyms is a safety-critical decision left to a
// human, so ambiguity is a hard failure rather than a guess.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/dataset"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrEmptyIdentifier = errors.New("identifier is required")
	ErrNotFound        = errors.New("no patient matches the identifier")
	ErrAmbiguous       = errors.New("identifier matches more than one patient")
)

const patientsTable = "patients.csv"

// Match confidences. An exact canonical-key match is certain; an exact
// full-name match is capped below 1.0.
const (
	KeyMatchConfidence  = 1.0
	NameMatchConfidence = 0.95
)

// Resolver maps query identifiers onto the canonical patient list.
type Resolver struct {
	data   *dataset.Accessor
	logger zerolog.Logger
}

// NewResolver creates a Resolver over the given data accessor.
func NewResolver(data *dataset.Accessor, logger zerolog.Logger) *Resolver {
	return &Resolver{data: data, logger: logger.With().Str("component", "identity_resolver").Logger()}
}

// Resolve maps an identifier to a single IdentityRecord. The record is
// created once per pipeline run and treated as immutable afterwards.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*evolution.IdentityRecord, error) {
	query := strings.TrimSpace(identifier)
	if query == "" {
		return nil, ErrEmptyIdentifier
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := r.data.ReadTable(patientsTable)
	if err != nil {
		return nil, fmt.Errorf("loading patient list: %w", err)
	}

	if rec := r.matchByKey(query, rows); rec != nil {
		r.logger.Debug().Str("patient_key", rec.PatientKey).Msg("resolved by canonical key")
		return rec, nil
	}
	return r.matchByName(query, rows)
}

func (r *Resolver) matchByKey(query string, rows []map[string]string) *evolution.IdentityRecord {
	wanted := strings.ToLower(query)
	for _, row := range rows {
		key := strings.ToLower(strings.TrimSpace(row["Id"]))
		if key == "" || key != wanted {
			continue
		}
		rec := recordFromRow(query, row)
		rec.MatchedBy = []string{"key match"}
		rec.Confidence = KeyMatchConfidence
		rec.Evidence = []evolution.IdentityEvidence{{
			Dataset: dataset.DatasetTabular,
			File:    r.data.TablePath(patientsTable),
			Field:   "Id",
			Value:   key,
		}}
		return rec
	}
	return nil
}

func (r *Resolver) matchByName(query string, rows []map[string]string) (*evolution.IdentityRecord, error) {
	wanted := normalizeName(query)
	var matches []map[string]string
	for _, row := range rows {
		full := normalizeName(row["FIRST"] + " " + row["LAST"])
		if full != "" && full == wanted {
			matches = append(matches, row)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, query)
	case 1:
		rec := recordFromRow(query, matches[0])
		rec.MatchedBy = []string{"name match"}
		rec.Confidence = NameMatchConfidence
		rec.Evidence = []evolution.IdentityEvidence{{
			Dataset: dataset.DatasetTabular,
			File:    r.data.TablePath(patientsTable),
			Field:   "FIRST+LAST",
			Value:   wanted,
		}}
		r.logger.Debug().Str("patient_key", rec.PatientKey).Msg("resolved by full name")
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: %q matched %d patients", ErrAmbiguous, query, len(matches))
	}
}

func recordFromRow(query string, row map[string]string) *evolution.IdentityRecord {
	return &evolution.IdentityRecord{
		QueryIdentifier: query,
		PatientKey:      strings.ToLower(strings.TrimSpace(row["Id"])),
		FirstName:       strings.TrimSpace(row["FIRST"]),
		LastName:        strings.TrimSpace(row["LAST"]),
		DateOfBirth:     strings.TrimSpace(row["BIRTHDATE"]),
		Gender:          normalizeGender(row["GENDER"]),
	}
}

// normalizeName case-folds and collapses internal whitespace.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeGender(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE":
		return "MALE"
	case "F", "FEMALE":
		return "FEMALE"
	case "":
		return ""
	default:
		return "OTHER"
	}
}
