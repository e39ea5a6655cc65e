package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bom-matcher/internal/model"
)

// SQLiteStore implements Store on an embedded sqlite database. It exists for
// single-machine deployments and for tests that want a real store without a
// Postgres instance.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a sqlite database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Serialized access; the modernc driver is not safe for concurrent writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT,
	description TEXT,
	email       TEXT,
	status      TEXT NOT NULL DEFAULT 'queued',
	created_at  DATETIME NOT NULL,
	started_at  DATETIME,
	ended_at    DATETIME
);

CREATE TABLE IF NOT EXISTS bom_items (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id   TEXT NOT NULL REFERENCES projects(id),
	quantity     INTEGER NOT NULL DEFAULT 1,
	description  TEXT NOT NULL,
	possible_mpn TEXT,
	package      TEXT,
	notes        TEXT,
	status       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS components (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	mouser_part_number       TEXT NOT NULL UNIQUE,
	manufacturer_part_number TEXT,
	manufacturer             TEXT,
	description              TEXT,
	datasheet_url            TEXT,
	price                    TEXT,
	availability             TEXT,
	updated_at               DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidate_matches (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	bom_item_id   INTEGER NOT NULL REFERENCES bom_items(id),
	rank          INTEGER NOT NULL,
	part_number   TEXT NOT NULL,
	justification TEXT NOT NULL DEFAULT '',
	selection     TEXT NOT NULL DEFAULT 'proposed',
	created_at    DATETIME NOT NULL,
	UNIQUE (bom_item_id, rank)
);

CREATE TABLE IF NOT EXISTS search_cache (
	id          TEXT PRIMARY KEY,
	search_term TEXT NOT NULL,
	search_type TEXT NOT NULL,
	payload     BLOB NOT NULL,
	cached_at   DATETIME NOT NULL,
	UNIQUE (search_term, search_type)
);

CREATE INDEX IF NOT EXISTS idx_projects_status_created ON projects(status, created_at);
CREATE INDEX IF NOT EXISTS idx_bom_items_project_id ON bom_items(project_id);
CREATE INDEX IF NOT EXISTS idx_candidate_matches_item ON candidate_matches(bom_item_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProject(ctx context.Context, project model.Project, items []model.BOMItem) (*model.Project, error) {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	project.Status = model.ProjectStatusQueued
	project.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create project")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, email, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		project.ID, project.Name, project.Description, project.Email, string(project.Status), project.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert project")
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO bom_items (project_id, quantity, description, possible_mpn, package, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			project.ID, item.Quantity, item.Description, item.PossibleMPN, item.Package, item.Notes, project.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: insert bom item")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create project")
	}
	return &project, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE id = ?`,
		projectID,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get project %s", projectID)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func (s *SQLiteStore) NextQueuedProject(ctx context.Context) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, email, status, created_at, started_at, ended_at FROM projects WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1`,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: next queued project")
	}
	return p, nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, projectID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = 'processing', started_at = ? WHERE id = ? AND status = 'queued'`,
		time.Now().UTC(), projectID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark processing %s", projectID)
	}
	return rowsAffected(res) > 0, nil
}

func (s *SQLiteStore) FinishProject(ctx context.Context, projectID string, status model.ProjectStatus) error {
	if !model.CanTransition(model.ProjectStatusProcessing, status) {
		return eris.Errorf("sqlite: invalid finish status %s", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, ended_at = ? WHERE id = ? AND status = 'processing'`,
		string(status), time.Now().UTC(), projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish project %s", projectID)
	}
	if rowsAffected(res) == 0 {
		return eris.Errorf("project not processing: %s", projectID)
	}
	return nil
}

func (s *SQLiteStore) CancelProject(ctx context.Context, projectID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = 'cancelled', ended_at = ? WHERE id = ? AND status = 'queued'`,
		time.Now().UTC(), projectID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel project %s", projectID)
	}
	return rowsAffected(res) > 0, nil
}

func (s *SQLiteStore) QueuePosition(ctx context.Context, projectID string) (int, int, error) {
	var position, total int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT count(*) FROM projects q WHERE q.status = 'queued' AND q.created_at <= p.created_at),
		   (SELECT count(*) FROM projects WHERE status = 'queued')
		 FROM projects p WHERE p.id = ? AND p.status = 'queued'`,
		projectID,
	).Scan(&position, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, eris.Wrapf(err, "sqlite: queue position %s", projectID)
	}
	return position, total, nil
}

func (s *SQLiteStore) CountQueued(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE status = 'queued'`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count queued")
}

func (s *SQLiteStore) RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = 'queued', started_at = NULL WHERE status = 'processing' AND started_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue stale processing")
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) ItemsForProject(ctx context.Context, projectID string) ([]model.BOMItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, quantity, description, possible_mpn, package, notes, status, created_at
		 FROM bom_items WHERE project_id = ? ORDER BY id ASC`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: items for project %s", projectID)
	}
	defer rows.Close()

	var items []model.BOMItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bom item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: items iterate")
}

func (s *SQLiteStore) SetItemStatus(ctx context.Context, itemID int64, status model.MatchStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bom_items SET status = ? WHERE id = ?`,
		string(status), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set item status %d", itemID)
	}
	if rowsAffected(res) == 0 {
		return eris.Errorf("bom item not found: %d", itemID)
	}
	return nil
}

func (s *SQLiteStore) ItemResults(ctx context.Context, projectID string) ([]model.ItemResult, error) {
	items, err := s.ItemsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	results := make([]model.ItemResult, 0, len(items))
	for _, item := range items {
		rows, err := s.db.QueryContext(ctx,
			`SELECT m.id, m.bom_item_id, m.rank, m.part_number, m.justification, m.selection, m.created_at,
			        c.id, c.mouser_part_number, c.manufacturer_part_number, c.manufacturer, c.description, c.datasheet_url, c.price, c.availability, c.updated_at
			 FROM candidate_matches m
			 LEFT JOIN components c ON c.mouser_part_number = m.part_number
			 WHERE m.bom_item_id = ? ORDER BY m.rank ASC`,
			item.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: matches for item %d", item.ID)
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
				return nil, eris.Wrap(err, "sqlite: scan match row")
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
			return nil, eris.Wrap(err, "sqlite: matches iterate")
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *SQLiteStore) ReplaceMatches(ctx context.Context, itemID int64, batch []model.RankedMatch) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace matches")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rm := range batch {
		if _, err := tx.ExecContext(ctx, sqliteUpsertComponentSQL,
			rm.Entry.MouserPartNumber, rm.Entry.ManufacturerPartNumber, rm.Entry.Manufacturer,
			rm.Entry.Description, rm.Entry.DatasheetURL, rm.Entry.Price, rm.Entry.Availability, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert component %s", rm.Entry.MouserPartNumber)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM candidate_matches WHERE bom_item_id = ?`, itemID); err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete prior matches %d", itemID)
	}

	for i, rm := range batch {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO candidate_matches (bom_item_id, rank, part_number, justification, selection, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			itemID, i+1, rm.Entry.MouserPartNumber, rm.Justification, string(model.SelectionProposed), now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert match rank %d", i+1)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit replace matches")
	}
	return len(batch), nil
}

const sqliteUpsertComponentSQL = `INSERT INTO components (mouser_part_number, manufacturer_part_number, manufacturer, description, datasheet_url, price, availability, updated_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
 ON CONFLICT (mouser_part_number) DO UPDATE SET
   manufacturer_part_number = excluded.manufacturer_part_number,
   manufacturer = excluded.manufacturer,
   description = excluded.description,
   datasheet_url = excluded.datasheet_url,
   price = excluded.price,
   availability = excluded.availability,
   updated_at = excluded.updated_at`

func (s *SQLiteStore) GetCatalogEntry(ctx context.Context, mouserPartNumber string) (*model.CatalogEntry, error) {
	var c model.CatalogEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mouser_part_number, manufacturer_part_number, manufacturer, description, datasheet_url, price, availability, updated_at
		 FROM components WHERE mouser_part_number = ?`,
		mouserPartNumber,
	).Scan(&c.ID, &c.MouserPartNumber, &c.ManufacturerPartNumber, &c.Manufacturer, &c.Description, &c.DatasheetURL, &c.Price, &c.Availability, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get component %s", mouserPartNumber)
	}
	return &c, nil
}

func (s *SQLiteStore) GetCachedSearch(ctx context.Context, term, kind string, maxAge time.Duration) ([]byte, error) {
	oldest := time.Now().UTC().Add(-maxAge)
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM search_cache
		 WHERE search_term = ? AND search_type = ? AND cached_at >= ?
		 ORDER BY cached_at DESC LIMIT 1`,
		term, kind, oldest,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cached search")
	}
	return payload, nil
}

func (s *SQLiteStore) PutCachedSearch(ctx context.Context, term, kind string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_cache (id, search_term, search_type, payload, cached_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (search_term, search_type) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		uuid.New().String(), term, kind, payload, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: put cached search")
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
