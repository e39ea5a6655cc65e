package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/bom-matcher/internal/llm"
	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/pkg/mouser"
)

func testProject() *model.Project {
	return &model.Project{ID: "proj-1", Description: "audio amplifier, prefer TI parts"}
}

func testItem() model.BOMItem {
	return model.BOMItem{
		ID:          7,
		ProjectID:   "proj-1",
		Quantity:    2,
		Description: "10k resistor 1%",
		PossibleMPN: "RC0603FR-0710KL",
		Package:     "0603",
	}
}

func newTestMatcher(t *testing.T) (*Matcher, *mockStore, *mockCatalog, *mockGenerator) {
	t.Helper()
	s := &mockStore{}
	c := &mockCatalog{}
	g := &mockGenerator{}
	return NewMatcher(s, c, g, 10), s, c, g
}

func TestMatchItem_HappyPath(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	parts := []mouser.Part{
		{MouserPartNumber: "603-RC0603FR-0710KL", Manufacturer: "Yageo", PriceBreaks: []mouser.PriceBreak{{Quantity: 1, Price: "$0.10"}}},
		{MouserPartNumber: "71-CRCW060310K0FKEA", Manufacturer: "Vishay"},
	}

	g.On("GenerateSearchTerms", ctx, item).Return([]string{"RC0603FR-0710KL", "10k 0603"}, nil)
	c.On("SearchByKeyword", ctx, "RC0603FR-0710KL", 10).Return(parts[:1], nil)
	c.On("SearchByKeyword", ctx, "10k 0603", 10).Return(parts, nil)
	g.On("RankCandidates", ctx, item, "audio amplifier, prefer TI parts", []string(nil), parts).
		Return([]llm.Candidate{
			{PartNumber: "603-RC0603FR-0710KL", Justification: "exact MPN"},
			{PartNumber: "71-CRCW060310K0FKEA", Justification: "equivalent"},
		}, nil)
	s.On("ReplaceMatches", ctx, int64(7), mock.MatchedBy(func(batch []model.RankedMatch) bool {
		return len(batch) == 2 &&
			batch[0].Entry.MouserPartNumber == "603-RC0603FR-0710KL" &&
			batch[0].Entry.Price == "0.10" &&
			batch[1].Entry.MouserPartNumber == "71-CRCW060310K0FKEA"
	})).Return(2, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusSaved).Return(nil)

	prior := &SelectionContext{}
	status := m.MatchItem(ctx, testProject(), item, prior)

	assert.Equal(t, model.MatchStatusSaved, status)
	assert.Equal(t, []string{"603-RC0603FR-0710KL"}, prior.Snapshot())
	s.AssertExpectations(t)
	c.AssertExpectations(t)
	g.AssertExpectations(t)
}

func TestMatchItem_SearchTermFallbackToMPN(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	// The model answered cleanly but produced no phrases; the item's own
	// MPN is searched instead.
	g.On("GenerateSearchTerms", ctx, item).Return([]string{}, nil)
	c.On("SearchByKeyword", ctx, "RC0603FR-0710KL", 10).Return([]mouser.Part{}, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusNoKeywordResults).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusNoKeywordResults, status)
	c.AssertExpectations(t)
}

func TestMatchItem_GenerationErrorStopsBeforeCatalog(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	g.On("GenerateSearchTerms", ctx, item).Return(nil, llm.ErrLLMUnavailable)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusSearchTermFailed).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusSearchTermFailed, status)
	// No fallback to the item's MPN when the model itself failed: the
	// catalog must not be touched.
	c.AssertNotCalled(t, "SearchByKeyword", mock.Anything, mock.Anything, mock.Anything)
	s.AssertExpectations(t)
}

func TestMatchItem_NoTermsAtAll(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := model.BOMItem{ID: 9, ProjectID: "proj-1"}

	g.On("GenerateSearchTerms", ctx, item).Return([]string{}, nil)
	s.On("SetItemStatus", ctx, int64(9), model.MatchStatusSearchTermFailed).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusSearchTermFailed, status)
	// The catalog must never be called when there is nothing to search for.
	c.AssertNotCalled(t, "SearchByKeyword", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatchItem_RateLimitStopsRemainingTerms(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	parts := []mouser.Part{{MouserPartNumber: "pn-1"}}

	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1", "t2", "t3"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return(parts, nil)
	c.On("SearchByKeyword", ctx, "t2", 10).Return(nil, mouser.ErrRateLimited)
	// t3 is never searched.
	g.On("RankCandidates", ctx, item, mock.Anything, []string(nil), parts).
		Return([]llm.Candidate{{PartNumber: "pn-1", Justification: "only option"}}, nil)
	s.On("ReplaceMatches", ctx, int64(7), mock.Anything).Return(1, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusSaved).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusSaved, status)
	c.AssertNotCalled(t, "SearchByKeyword", ctx, "t3", 10)
}

func TestMatchItem_PerTermErrorsSkipped(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1", "t2"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return(nil, mouser.ErrUnavailable)
	c.On("SearchByKeyword", ctx, "t2", 10).Return([]mouser.Part{}, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusNoKeywordResults).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusNoKeywordResults, status)
	c.AssertExpectations(t)
}

func TestMatchItem_UnionDedupsByPartNumber(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1", "t2"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return([]mouser.Part{{MouserPartNumber: "pn-1", Manufacturer: "first"}}, nil)
	c.On("SearchByKeyword", ctx, "t2", 10).Return([]mouser.Part{
		{MouserPartNumber: "pn-1", Manufacturer: "duplicate"},
		{MouserPartNumber: "pn-2"},
	}, nil)
	g.On("RankCandidates", ctx, item, mock.Anything, []string(nil), mock.MatchedBy(func(parts []mouser.Part) bool {
		// First-seen record wins the dedup.
		return len(parts) == 2 && parts[0].Manufacturer == "first"
	})).Return(nil, llm.ErrLLMUnavailable)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusEvaluationFailed).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusEvaluationFailed, status)
	g.AssertExpectations(t)
}

func TestMatchItem_EmptyRankingIsEvaluationFailed(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return([]mouser.Part{{MouserPartNumber: "pn-1"}}, nil)
	g.On("RankCandidates", ctx, item, mock.Anything, []string(nil), mock.Anything).Return([]llm.Candidate{}, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusEvaluationFailed).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusEvaluationFailed, status)
}

func TestMatchItem_UnresolvableCandidatesDropped(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	parts := []mouser.Part{{MouserPartNumber: "pn-1"}}
	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return(parts, nil)
	g.On("RankCandidates", ctx, item, mock.Anything, []string(nil), parts).
		Return([]llm.Candidate{
			{PartNumber: "hallucinated-pn", Justification: "made up"},
			{PartNumber: "pn-1", Justification: "real"},
		}, nil)
	// The hallucinated number is looked up and not found; pn-1 survives.
	c.On("SearchByMPN", ctx, "hallucinated-pn").Return(nil, nil)
	s.On("ReplaceMatches", ctx, int64(7), mock.MatchedBy(func(batch []model.RankedMatch) bool {
		return len(batch) == 1 && batch[0].Entry.MouserPartNumber == "pn-1"
	})).Return(1, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusSaved).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusSaved, status)
	s.AssertExpectations(t)
}

func TestMatchItem_AllCandidatesUnresolvable(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return([]mouser.Part{{MouserPartNumber: "pn-1"}}, nil)
	g.On("RankCandidates", ctx, item, mock.Anything, []string(nil), mock.Anything).
		Return([]llm.Candidate{{PartNumber: "ghost", Justification: "x"}}, nil)
	c.On("SearchByMPN", ctx, "ghost").Return(nil, mouser.ErrUnavailable)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusNoValidMatches).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusNoValidMatches, status)
}

func TestMatchItem_DBSaveError(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	parts := []mouser.Part{{MouserPartNumber: "pn-1"}}
	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return(parts, nil)
	g.On("RankCandidates", ctx, item, mock.Anything, []string(nil), parts).
		Return([]llm.Candidate{{PartNumber: "pn-1", Justification: "x"}}, nil)
	s.On("ReplaceMatches", ctx, int64(7), mock.Anything).Return(0, assert.AnError)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusDBSaveError).Return(nil)

	prior := &SelectionContext{}
	status := m.MatchItem(ctx, testProject(), item, prior)
	assert.Equal(t, model.MatchStatusDBSaveError, status)
	// A failed save contributes nothing to the selection context.
	assert.Empty(t, prior.Snapshot())
}

func TestMatchItem_StatusPersistFailureStillReturnsStatus(t *testing.T) {
	m, s, _, g := newTestMatcher(t)
	ctx := context.Background()
	item := model.BOMItem{ID: 9, ProjectID: "proj-1"}

	g.On("GenerateSearchTerms", ctx, item).Return([]string{}, nil)
	s.On("SetItemStatus", ctx, int64(9), model.MatchStatusSearchTermFailed).Return(assert.AnError)

	status := m.MatchItem(ctx, testProject(), item, nil)
	assert.Equal(t, model.MatchStatusSearchTermFailed, status)
}

func TestMatchItem_PriorSelectionsPassedToRanking(t *testing.T) {
	m, s, c, g := newTestMatcher(t)
	ctx := context.Background()
	item := testItem()

	prior := &SelectionContext{}
	prior.Append("595-SN74HC00N")

	parts := []mouser.Part{{MouserPartNumber: "pn-1"}}
	g.On("GenerateSearchTerms", ctx, item).Return([]string{"t1"}, nil)
	c.On("SearchByKeyword", ctx, "t1", 10).Return(parts, nil)
	g.On("RankCandidates", ctx, item, mock.Anything, []string{"595-SN74HC00N"}, parts).
		Return([]llm.Candidate{{PartNumber: "pn-1", Justification: "x"}}, nil)
	s.On("ReplaceMatches", ctx, int64(7), mock.Anything).Return(1, nil)
	s.On("SetItemStatus", ctx, int64(7), model.MatchStatusSaved).Return(nil)

	status := m.MatchItem(ctx, testProject(), item, prior)
	assert.Equal(t, model.MatchStatusSaved, status)
	assert.Equal(t, []string{"595-SN74HC00N", "pn-1"}, prior.Snapshot())
	g.AssertExpectations(t)
}
