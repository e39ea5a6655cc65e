package model

import "time"

// MatchStatus is the terminal outcome recorded for one BOM item after its
// matching pipeline run. Exactly one of these is assigned per run; the set
// is closed.
type MatchStatus string

const (
	// MatchStatusSearchTermFailed: term generation produced nothing and no
	// fallback phrase was available.
	MatchStatusSearchTermFailed MatchStatus = "search_term_failed"
	// MatchStatusNoKeywordResults: every keyword search came back empty.
	MatchStatusNoKeywordResults MatchStatus = "no_keyword_results"
	// MatchStatusEvaluationFailed: the ranking call failed or returned no
	// usable candidates.
	MatchStatusEvaluationFailed MatchStatus = "evaluation_failed"
	// MatchStatusNoValidMatches: ranking succeeded but no candidate could be
	// resolved to a catalog entry.
	MatchStatusNoValidMatches MatchStatus = "no_valid_matches_processed"
	// MatchStatusDBSaveError: the candidate batch failed to commit.
	MatchStatusDBSaveError MatchStatus = "db_save_error"
	// MatchStatusSaved: at least one candidate was persisted.
	MatchStatusSaved MatchStatus = "potential_matches_saved"
)

// Matched reports whether the item ended with persisted candidates.
func (s MatchStatus) Matched() bool {
	return s == MatchStatusSaved
}

// BOMItem is one requested part line. Request fields are immutable after
// creation; only Status is written by the pipeline.
type BOMItem struct {
	ID          int64       `json:"id"`
	ProjectID   string      `json:"project_id"`
	Quantity    int         `json:"quantity"`
	Description string      `json:"description"`
	PossibleMPN string      `json:"possible_mpn,omitempty"`
	Package     string      `json:"package,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	Status      MatchStatus `json:"status,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
