package store

import (
	"context"
	"time"

	"github.com/sells-group/bom-matcher/internal/model"
)

// ProjectFilter specifies criteria for listing projects.
type ProjectFilter struct {
	Status model.ProjectStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the matching pipeline.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project model.Project, items []model.BOMItem) (*model.Project, error)
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error)
	NextQueuedProject(ctx context.Context) (*model.Project, error)
	MarkProcessing(ctx context.Context, projectID string) (bool, error)
	FinishProject(ctx context.Context, projectID string, status model.ProjectStatus) error
	CancelProject(ctx context.Context, projectID string) (bool, error)
	QueuePosition(ctx context.Context, projectID string) (position, total int, err error)
	CountQueued(ctx context.Context) (int, error)
	RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)

	// BOM items
	ItemsForProject(ctx context.Context, projectID string) ([]model.BOMItem, error)
	SetItemStatus(ctx context.Context, itemID int64, status model.MatchStatus) error
	ItemResults(ctx context.Context, projectID string) ([]model.ItemResult, error)

	// Candidate matches and catalog snapshots. Catalog writes happen only
	// inside ReplaceMatches so a batch and its snapshots commit together.
	ReplaceMatches(ctx context.Context, itemID int64, batch []model.RankedMatch) (int, error)
	GetCatalogEntry(ctx context.Context, mouserPartNumber string) (*model.CatalogEntry, error)

	// Search response cache
	GetCachedSearch(ctx context.Context, term, kind string, maxAge time.Duration) ([]byte, error)
	PutCachedSearch(ctx context.Context, term, kind string, payload []byte) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
