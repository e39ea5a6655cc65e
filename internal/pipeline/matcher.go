// Package pipeline matches a single BOM item against the parts catalog:
// search phrase generation, keyword search, candidate ranking, persistence.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/bom-matcher/internal/llm"
	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/pkg/mouser"
)

// Store is the slice of the persistence layer the matcher needs.
type Store interface {
	SetItemStatus(ctx context.Context, itemID int64, status model.MatchStatus) error
	ReplaceMatches(ctx context.Context, itemID int64, batch []model.RankedMatch) (int, error)
}

// DefaultRecordsPerSearch is how many catalog records one keyword search
// requests.
const DefaultRecordsPerSearch = 10

// SelectionContext accumulates the top-ranked part numbers chosen for
// earlier items of a project, so the ranking prompt for later items can
// favor consistent manufacturers. Safe for concurrent workers.
type SelectionContext struct {
	mu    sync.Mutex
	parts []string
}

// Append records the winning part number for a matched item.
func (c *SelectionContext) Append(partNumber string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, partNumber)
}

// Snapshot returns a copy of the selections recorded so far.
func (c *SelectionContext) Snapshot() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.parts))
	copy(out, c.parts)
	return out
}

// Matcher runs the per-item matching flow.
type Matcher struct {
	store     Store
	catalog   mouser.Client
	generator llm.Generator
	records   int
}

// NewMatcher creates a Matcher. recordsPerSearch <= 0 falls back to
// DefaultRecordsPerSearch.
func NewMatcher(s Store, catalog mouser.Client, generator llm.Generator, recordsPerSearch int) *Matcher {
	if recordsPerSearch <= 0 {
		recordsPerSearch = DefaultRecordsPerSearch
	}
	return &Matcher{store: s, catalog: catalog, generator: generator, records: recordsPerSearch}
}

// MatchItem runs one BOM item through the full flow and returns its terminal
// match status. Every failure maps to a status; no error escapes, so one bad
// item never poisons the rest of the project.
func (m *Matcher) MatchItem(ctx context.Context, project *model.Project, item model.BOMItem, prior *SelectionContext) model.MatchStatus {
	log := zap.L().With(
		zap.String("project_id", item.ProjectID),
		zap.Int64("item_id", item.ID),
	)

	status := m.matchItem(ctx, log, project, item, prior)

	if err := m.store.SetItemStatus(ctx, item.ID, status); err != nil {
		log.Error("failed to persist item status", zap.String("status", string(status)), zap.Error(err))
	}
	log.Info("item matched", zap.String("status", string(status)))
	return status
}

func (m *Matcher) matchItem(ctx context.Context, log *zap.Logger, project *model.Project, item model.BOMItem, prior *SelectionContext) model.MatchStatus {
	terms, err := m.generator.GenerateSearchTerms(ctx, item)
	if err != nil {
		// A transport failure is a hard stop: the item never reaches the
		// catalog, which also conserves search quota during an outage.
		log.Warn("search term generation failed", zap.Error(err))
		return model.MatchStatusSearchTermFailed
	}
	if len(terms) == 0 {
		terms = fallbackTerms(item)
	}
	if len(terms) == 0 {
		return model.MatchStatusSearchTermFailed
	}

	union := m.keywordSearch(ctx, log, terms)
	if len(union) == 0 {
		return model.MatchStatusNoKeywordResults
	}

	var notes string
	if project != nil {
		notes = project.Description
	}
	candidates, err := m.generator.RankCandidates(ctx, item, notes, prior.Snapshot(), union)
	if err != nil {
		log.Warn("candidate ranking failed", zap.Error(err))
		return model.MatchStatusEvaluationFailed
	}
	if len(candidates) == 0 {
		log.Warn("candidate ranking returned nothing")
		return model.MatchStatusEvaluationFailed
	}

	batch := m.resolveCandidates(ctx, log, candidates, union)
	if len(batch) == 0 {
		return model.MatchStatusNoValidMatches
	}

	if _, err := m.store.ReplaceMatches(ctx, item.ID, batch); err != nil {
		log.Error("failed to save matches", zap.Error(err))
		return model.MatchStatusDBSaveError
	}

	if prior != nil {
		prior.Append(batch[0].Entry.MouserPartNumber)
	}
	return model.MatchStatusSaved
}

// fallbackTerms covers the case where the model answered cleanly but
// produced nothing usable: the item's own MPN, then its description. An item
// with neither produces no terms.
func fallbackTerms(item model.BOMItem) []string {
	if item.PossibleMPN != "" {
		return []string{item.PossibleMPN}
	}
	if item.Description != "" {
		return []string{item.Description}
	}
	return nil
}

// keywordSearch runs every term against the catalog and unions the results,
// deduplicated by Mouser part number in first-seen order. A rate-limit error
// stops further searches for this item; other per-term errors are skipped.
func (m *Matcher) keywordSearch(ctx context.Context, log *zap.Logger, terms []string) []mouser.Part {
	seen := make(map[string]bool)
	var union []mouser.Part
	for _, term := range terms {
		parts, err := m.catalog.SearchByKeyword(ctx, term, m.records)
		if err != nil {
			if errors.Is(err, mouser.ErrRateLimited) {
				log.Warn("catalog rate limited, skipping remaining terms", zap.String("term", term))
				break
			}
			log.Warn("keyword search failed", zap.String("term", term), zap.Error(err))
			continue
		}
		for _, part := range parts {
			if part.MouserPartNumber == "" || seen[part.MouserPartNumber] {
				continue
			}
			seen[part.MouserPartNumber] = true
			union = append(union, part)
		}
	}
	return union
}

// resolveCandidates turns ranked part numbers back into full catalog
// records, preferring the parts already fetched during keyword search. A
// candidate that cannot be resolved is dropped; rank order of the survivors
// is preserved.
func (m *Matcher) resolveCandidates(ctx context.Context, log *zap.Logger, candidates []llm.Candidate, union []mouser.Part) []model.RankedMatch {
	byNumber := make(map[string]mouser.Part, len(union))
	for _, part := range union {
		byNumber[part.MouserPartNumber] = part
	}

	var batch []model.RankedMatch
	for _, c := range candidates {
		part, ok := byNumber[c.PartNumber]
		if !ok {
			found, err := m.catalog.SearchByMPN(ctx, c.PartNumber)
			if err != nil || found == nil {
				log.Warn("dropping unresolvable candidate", zap.String("part_number", c.PartNumber), zap.Error(err))
				continue
			}
			part = *found
		}
		batch = append(batch, model.RankedMatch{
			Entry:         partToEntry(part),
			Justification: c.Justification,
		})
	}
	return batch
}

func partToEntry(part mouser.Part) model.CatalogEntry {
	return model.CatalogEntry{
		MouserPartNumber:       part.MouserPartNumber,
		ManufacturerPartNumber: part.ManufacturerPartNumber,
		Manufacturer:           part.Manufacturer,
		Description:            part.Description,
		DatasheetURL:           part.DataSheetURL,
		Price:                  part.UnitPrice(),
		Availability:           part.Availability(),
	}
}
