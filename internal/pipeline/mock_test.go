package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/bom-matcher/internal/llm"
	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/pkg/mouser"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SetItemStatus(ctx context.Context, itemID int64, status model.MatchStatus) error {
	args := m.Called(ctx, itemID, status)
	return args.Error(0)
}

func (m *mockStore) ReplaceMatches(ctx context.Context, itemID int64, batch []model.RankedMatch) (int, error) {
	args := m.Called(ctx, itemID, batch)
	return args.Int(0), args.Error(1)
}

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) SearchByKeyword(ctx context.Context, keyword string, records int) ([]mouser.Part, error) {
	args := m.Called(ctx, keyword, records)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]mouser.Part), args.Error(1)
}

func (m *mockCatalog) SearchByMPN(ctx context.Context, mpn string) (*mouser.Part, error) {
	args := m.Called(ctx, mpn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mouser.Part), args.Error(1)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) GenerateSearchTerms(ctx context.Context, item model.BOMItem) ([]string, error) {
	args := m.Called(ctx, item)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockGenerator) RankCandidates(ctx context.Context, item model.BOMItem, projectNotes string, priorSelections []string, parts []mouser.Part) ([]llm.Candidate, error) {
	args := m.Called(ctx, item, projectNotes, priorSelections, parts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]llm.Candidate), args.Error(1)
}
