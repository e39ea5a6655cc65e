package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-matcher/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "store_test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedItem(t *testing.T, s *SQLiteStore) model.BOMItem {
	t.Helper()
	ctx := context.Background()
	project, err := s.CreateProject(ctx, model.Project{Description: "test build"}, []model.BOMItem{
		{Quantity: 1, Description: "555 timer", PossibleMPN: "NE555P"},
	})
	require.NoError(t, err)

	items, err := s.ItemsForProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestSQLiteReplaceMatches_UpsertRefreshesCatalogEntry(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, s)

	first := []model.RankedMatch{
		{
			Entry: model.CatalogEntry{
				MouserPartNumber:       "595-NE555P",
				ManufacturerPartNumber: "NE555P",
				Manufacturer:           "Texas Instruments",
				Price:                  "0.43",
				Availability:           "In Stock",
			},
			Justification: "exact match",
		},
		{
			Entry:         model.CatalogEntry{MouserPartNumber: "926-LM555CNNOPB", Manufacturer: "TI"},
			Justification: "equivalent",
		},
	}
	n, err := s.ReplaceMatches(ctx, item.ID, first)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	before, err := s.GetCatalogEntry(ctx, "595-NE555P")
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, "0.43", before.Price)

	// A later processing run sees the same part with refreshed pricing and
	// a reordered, shorter batch.
	second := []model.RankedMatch{
		{
			Entry: model.CatalogEntry{
				MouserPartNumber:       "595-NE555P",
				ManufacturerPartNumber: "NE555P",
				Manufacturer:           "Texas Instruments",
				Price:                  "0.51",
				Availability:           "Lead Time: 6 weeks",
			},
			Justification: "still the best fit",
		},
	}
	n, err = s.ReplaceMatches(ctx, item.ID, second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := s.GetCatalogEntry(ctx, "595-NE555P")
	require.NoError(t, err)
	require.NotNil(t, after)
	// Same row, refreshed snapshot fields.
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "0.51", after.Price)
	assert.Equal(t, "Lead Time: 6 weeks", after.Availability)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	results, err := s.ItemResults(ctx, item.ProjectID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Candidates, 1)
	assert.Equal(t, 1, results[0].Candidates[0].Rank)
	assert.Equal(t, "595-NE555P", results[0].Candidates[0].PartNumber)
	assert.Equal(t, "still the best fit", results[0].Candidates[0].Justification)
}

func TestSQLiteReplaceMatches_RanksAreContiguous(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, s)

	batch := []model.RankedMatch{
		{Entry: model.CatalogEntry{MouserPartNumber: "pn-a"}, Justification: "a"},
		{Entry: model.CatalogEntry{MouserPartNumber: "pn-b"}, Justification: "b"},
		{Entry: model.CatalogEntry{MouserPartNumber: "pn-c"}, Justification: "c"},
	}
	_, err := s.ReplaceMatches(ctx, item.ID, batch)
	require.NoError(t, err)

	results, err := s.ItemResults(ctx, item.ProjectID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Candidates, 3)
	for i, c := range results[0].Candidates {
		assert.Equal(t, i+1, c.Rank)
		assert.Equal(t, model.SelectionProposed, c.Selection)
	}
}
