package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-matcher/internal/db"
	"github.com/sells-group/bom-matcher/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations: the orchestrator's
// dequeue and the per-search cache reads/writes.
var preparedStatements = map[string]string{
	"next_queued":       `SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1`,
	"set_item_status":   `UPDATE bom_items SET status = $1 WHERE id = $2`,
	"get_cached_search": `SELECT payload FROM search_cache WHERE search_term = $1 AND search_type = $2 AND cached_at >= $3 ORDER BY cached_at DESC LIMIT 1`,
	"put_cached_search": `INSERT INTO search_cache (id, search_term, search_type, payload, cached_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (search_term, search_type) DO UPDATE SET payload = $4, cached_at = $5`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT,
	description TEXT,
	email       TEXT,
	status      TEXT NOT NULL DEFAULT 'queued',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS bom_items (
	id           BIGSERIAL PRIMARY KEY,
	project_id   TEXT NOT NULL REFERENCES projects(id),
	quantity     INTEGER NOT NULL DEFAULT 1,
	description  TEXT NOT NULL,
	possible_mpn TEXT,
	package      TEXT,
	notes        TEXT,
	status       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS components (
	id                       BIGSERIAL PRIMARY KEY,
	mouser_part_number       TEXT NOT NULL UNIQUE,
	manufacturer_part_number TEXT,
	manufacturer             TEXT,
	description              TEXT,
	datasheet_url            TEXT,
	price                    TEXT,
	availability             TEXT,
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidate_matches (
	id            BIGSERIAL PRIMARY KEY,
	bom_item_id   BIGINT NOT NULL REFERENCES bom_items(id),
	rank          INTEGER NOT NULL,
	part_number   TEXT NOT NULL,
	justification TEXT NOT NULL DEFAULT '',
	selection     TEXT NOT NULL DEFAULT 'proposed',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (bom_item_id, rank)
);

CREATE TABLE IF NOT EXISTS search_cache (
	id          TEXT PRIMARY KEY,
	search_term TEXT NOT NULL,
	search_type TEXT NOT NULL,
	payload     JSONB NOT NULL,
	cached_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (search_term, search_type)
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_status_created ON projects(status, created_at);
CREATE INDEX IF NOT EXISTS idx_bom_items_project_id ON bom_items(project_id);
CREATE INDEX IF NOT EXISTS idx_components_mouser_pn ON components(mouser_part_number);
CREATE INDEX IF NOT EXISTS idx_candidate_matches_item ON candidate_matches(bom_item_id);
CREATE INDEX IF NOT EXISTS idx_search_cache_term_type ON search_cache(search_term, search_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project model.Project, items []model.BOMItem) (*model.Project, error) {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	project.Status = model.ProjectStatusQueued
	project.CreatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create project")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO projects (id, name, description, email, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		project.ID, project.Name, project.Description, project.Email, string(project.Status), project.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert project")
	}

	for _, item := range items {
		_, err = tx.Exec(ctx,
			`INSERT INTO bom_items (project_id, quantity, description, possible_mpn, package, notes, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			project.ID, item.Quantity, item.Description, item.PossibleMPN, item.Package, item.Notes, project.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: insert bom item")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create project")
	}
	return &project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE id = $1`,
		projectID,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get project %s", projectID)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func (s *PostgresStore) NextQueuedProject(ctx context.Context) (*model.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1`,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: next queued project")
	}
	return p, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, projectID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = 'processing', started_at = $1 WHERE id = $2 AND status = 'queued'`,
		time.Now().UTC(), projectID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark processing %s", projectID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinishProject(ctx context.Context, projectID string, status model.ProjectStatus) error {
	if !model.CanTransition(model.ProjectStatusProcessing, status) {
		return eris.Errorf("postgres: invalid finish status %s", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = $1, ended_at = $2 WHERE id = $3 AND status = 'processing'`,
		string(status), time.Now().UTC(), projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish project %s", projectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("project not processing: %s", projectID)
	}
	return nil
}

func (s *PostgresStore) CancelProject(ctx context.Context, projectID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = 'cancelled', ended_at = $1 WHERE id = $2 AND status = 'queued'`,
		time.Now().UTC(), projectID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel project %s", projectID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) QueuePosition(ctx context.Context, projectID string) (int, int, error) {
	var position, total int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT count(*) FROM projects q WHERE q.status = 'queued' AND q.created_at <= p.created_at),
		   (SELECT count(*) FROM projects WHERE status = 'queued')
		 FROM projects p WHERE p.id = $1 AND p.status = 'queued'`,
		projectID,
	).Scan(&position, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, eris.Wrapf(err, "postgres: queue position %s", projectID)
	}
	return position, total, nil
}

func (s *PostgresStore) CountQueued(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM projects WHERE status = 'queued'`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count queued")
}

func (s *PostgresStore) RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = 'queued', started_at = NULL WHERE status = 'processing' AND started_at <= $1`,
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue stale processing")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ItemsForProject(ctx context.Context, projectID string) ([]model.BOMItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, quantity, description, possible_mpn, package, notes, status, created_at
		 FROM bom_items WHERE project_id = $1 ORDER BY id ASC`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: items for project %s", projectID)
	}
	defer rows.Close()

	var items []model.BOMItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan bom item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: items iterate")
}

func (s *PostgresStore) SetItemStatus(ctx context.Context, itemID int64, status model.MatchStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bom_items SET status = $1 WHERE id = $2`,
		string(status), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set item status %d", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("bom item not found: %d", itemID)
	}
	return nil
}

func (s *PostgresStore) ItemResults(ctx context.Context, projectID string) ([]model.ItemResult, error) {
	items, err := s.ItemsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	results := make([]model.ItemResult, 0, len(items))
	for _, item := range items {
		rows, err := s.pool.Query(ctx,
			`SELECT m.id, m.bom_item_id, m.rank, m.part_number, m.justification, m.selection, m.created_at,
			        c.id, c.mouser_part_number, c.manufacturer_part_number, c.manufacturer, c.description, c.datasheet_url, c.price, c.availability, c.updated_at
			 FROM candidate_matches m
			 LEFT JOIN components c ON c.mouser_part_number = m.part_number
			 WHERE m.bom_item_id = $1 ORDER BY m.rank ASC`,
			item.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: matches for item %d", item.ID)
		}

		result := model.ItemResult{Item: item}
		for rows.Next() {
			var m model.CandidateMatch
			var c model.CatalogEntry
			var cID *int64
			var cPN, cMPN, cMfr, cDesc, cURL, cPrice, cAvail *string
			var cUpdated *time.Time
			if err := rows.Scan(
				&m.ID, &m.BOMItemID, &m.Rank, &m.PartNumber, &m.Justification, &m.Selection, &m.CreatedAt,
				&cID, &cPN, &cMPN, &cMfr, &cDesc, &cURL, &cPrice, &cAvail, &cUpdated,
			); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan match row")
			}
			result.Candidates = append(result.Candidates, m)
			if cID != nil {
				c.ID = *cID
				c.MouserPartNumber = deref(cPN)
				c.ManufacturerPartNumber = deref(cMPN)
				c.Manufacturer = deref(cMfr)
				c.Description = deref(cDesc)
				c.DatasheetURL = deref(cURL)
				c.Price = deref(cPrice)
				c.Availability = deref(cAvail)
				if cUpdated != nil {
					c.UpdatedAt = *cUpdated
				}
				result.Entries = append(result.Entries, c)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "postgres: matches iterate")
		}
		results = append(results, result)
	}
	return results, nil
}

// ReplaceMatches atomically swaps the candidate batch for a BOM item: the
// catalog snapshots are upserted, any prior batch is deleted, and the new
// batch is inserted with ranks assigned from slice order. A failure anywhere
// rolls the whole batch back.
func (s *PostgresStore) ReplaceMatches(ctx context.Context, itemID int64, batch []model.RankedMatch) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin replace matches")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, rm := range batch {
		if _, err := tx.Exec(ctx, upsertComponentSQL,
			rm.Entry.MouserPartNumber, rm.Entry.ManufacturerPartNumber, rm.Entry.Manufacturer,
			rm.Entry.Description, rm.Entry.DatasheetURL, rm.Entry.Price, rm.Entry.Availability, now,
		); err != nil {
			return 0, eris.Wrapf(err, "postgres: upsert component %s", rm.Entry.MouserPartNumber)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM candidate_matches WHERE bom_item_id = $1`, itemID); err != nil {
		return 0, eris.Wrapf(err, "postgres: delete prior matches %d", itemID)
	}

	for i, rm := range batch {
		if _, err := tx.Exec(ctx,
			`INSERT INTO candidate_matches (bom_item_id, rank, part_number, justification, selection, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			itemID, i+1, rm.Entry.MouserPartNumber, rm.Justification, string(model.SelectionProposed), now,
		); err != nil {
			return 0, eris.Wrapf(err, "postgres: insert match rank %d", i+1)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit replace matches")
	}
	return len(batch), nil
}

const upsertComponentSQL = `INSERT INTO components (mouser_part_number, manufacturer_part_number, manufacturer, description, datasheet_url, price, availability, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
 ON CONFLICT (mouser_part_number) DO UPDATE SET
   manufacturer_part_number = $2, manufacturer = $3, description = $4,
   datasheet_url = $5, price = $6, availability = $7, updated_at = $8`

func (s *PostgresStore) GetCatalogEntry(ctx context.Context, mouserPartNumber string) (*model.CatalogEntry, error) {
	var c model.CatalogEntry
	err := s.pool.QueryRow(ctx,
		`SELECT id, mouser_part_number, manufacturer_part_number, manufacturer, description, datasheet_url, price, availability, updated_at
		 FROM components WHERE mouser_part_number = $1`,
		mouserPartNumber,
	).Scan(&c.ID, &c.MouserPartNumber, &c.ManufacturerPartNumber, &c.Manufacturer, &c.Description, &c.DatasheetURL, &c.Price, &c.Availability, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get component %s", mouserPartNumber)
	}
	return &c, nil
}

func (s *PostgresStore) GetCachedSearch(ctx context.Context, term, kind string, maxAge time.Duration) ([]byte, error) {
	oldest := time.Now().UTC().Add(-maxAge)
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM search_cache
		 WHERE search_term = $1 AND search_type = $2 AND cached_at >= $3
		 ORDER BY cached_at DESC LIMIT 1`,
		term, kind, oldest,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached search")
	}
	return payload, nil
}

func (s *PostgresStore) PutCachedSearch(ctx context.Context, term, kind string, payload []byte) error {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO search_cache (id, search_term, search_type, payload, cached_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (search_term, search_type) DO UPDATE SET payload = $4, cached_at = $5`,
		id, term, kind, payload, now,
	)
	return eris.Wrap(err, "postgres: put cached search")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanProject(row scannable) (*model.Project, error) {
	var p model.Project
	var name, description, email *string
	err := row.Scan(&p.ID, &name, &description, &email, &p.Status, &p.CreatedAt, &p.StartedAt, &p.EndedAt)
	if err != nil {
		return nil, err
	}
	p.Name = deref(name)
	p.Description = deref(description)
	p.Email = deref(email)
	return &p, nil
}

func scanItem(row scannable) (*model.BOMItem, error) {
	var item model.BOMItem
	var mpn, pkg, notes *string
	err := row.Scan(&item.ID, &item.ProjectID, &item.Quantity, &item.Description, &mpn, &pkg, &notes, &item.Status, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	item.PossibleMPN = deref(mpn)
	item.Package = deref(pkg)
	item.Notes = deref(notes)
	return &item, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
