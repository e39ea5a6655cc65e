// Package llm turns BOM items into catalog search phrases and ranks search
// results, using Claude behind the pkg/anthropic client.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/pkg/anthropic"
	"github.com/sells-group/bom-matcher/pkg/mouser"
)

// ErrLLMUnavailable indicates the model could not be reached or returned a
// transport-level failure.
var ErrLLMUnavailable = errors.New("llm: service unavailable")

// Candidate is one ranked pick from RankCandidates, best first.
type Candidate struct {
	PartNumber    string `json:"part_number"`
	Justification string `json:"justification"`
}

// Generator produces search phrases and candidate rankings for BOM items.
type Generator interface {
	GenerateSearchTerms(ctx context.Context, item model.BOMItem) ([]string, error)
	RankCandidates(ctx context.Context, item model.BOMItem, projectNotes string, priorSelections []string, parts []mouser.Part) ([]Candidate, error)
}

type generator struct {
	client      anthropic.Client
	model       string
	temperature float64
}

// NewGenerator creates a Generator. An empty model falls back to ModelHaiku.
func NewGenerator(client anthropic.Client, modelID string) Generator {
	if modelID == "" {
		modelID = ModelHaiku
	}
	return &generator{client: client, model: modelID, temperature: 0.2}
}

// createMessage sends the static instructions as a cached system block and
// the per-item data as the user message, so repeated calls within a project
// reuse the instruction prefix server-side.
func (g *generator) createMessage(ctx context.Context, phase, system, prompt string, maxTokens int64) (string, error) {
	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: maxTokens,
		System: []anthropic.SystemBlock{{
			Text:         system,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Temperature: &g.temperature,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", eris.Wrap(ErrLLMUnavailable, err.Error())
	}
	resp.Usage.LogCost(g.model, phase)
	return resp.Text(), nil
}

// GenerateSearchTerms returns up to three catalog search phrases for an item.
// An empty slice with a nil error means the model answered but produced
// nothing usable; the caller decides the fallback.
func (g *generator) GenerateSearchTerms(ctx context.Context, item model.BOMItem) ([]string, error) {
	text, err := g.createMessage(ctx, "search_terms", searchTermSystemPrompt, searchTermPrompt(item), 512)
	if err != nil {
		return nil, err
	}
	terms := parseSearchTerms(text)
	zap.L().Debug("generated search terms",
		zap.Int64("item_id", item.ID),
		zap.Strings("terms", terms),
	)
	return terms, nil
}

// RankCandidates returns up to five candidates in rank order. Entries the
// model emits without a part number or justification are dropped
// individually; a response that is not a JSON array is an error.
func (g *generator) RankCandidates(ctx context.Context, item model.BOMItem, projectNotes string, priorSelections []string, parts []mouser.Part) ([]Candidate, error) {
	text, err := g.createMessage(ctx, "rank_candidates", rankSystemPrompt, rankPrompt(item, projectNotes, priorSelections, parts), 1024)
	if err != nil {
		return nil, err
	}

	var raw []Candidate
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raw); err != nil {
		return nil, eris.Wrapf(err, "llm: rank response is not a JSON array")
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		c.PartNumber = strings.TrimSpace(c.PartNumber)
		c.Justification = strings.TrimSpace(c.Justification)
		if c.PartNumber == "" || c.Justification == "" {
			zap.L().Warn("dropping malformed candidate",
				zap.Int64("item_id", item.ID),
				zap.String("part_number", c.PartNumber),
			)
			continue
		}
		candidates = append(candidates, c)
		if len(candidates) == maxCandidates {
			break
		}
	}
	return candidates, nil
}
