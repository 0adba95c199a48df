package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/storage/models"
	"github.com/civicdocs/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		fingerprint TEXT PRIMARY KEY,
		origin_url TEXT NOT NULL,
		title TEXT NOT NULL,
		content_type TEXT,
		blob_key TEXT NOT NULL,
		source TEXT,
		status TEXT NOT NULL,
		retrieved_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(origin_url);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		template_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		stage TEXT NOT NULL,
		stage_entered_at INTEGER NOT NULL,
		errors TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (fingerprint) REFERENCES documents(fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);
	CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_identity ON runs(fingerprint, template_id, attempt);

	CREATE TABLE IF NOT EXISTS analyses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		template_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		content TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		success INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (fingerprint) REFERENCES documents(fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_fingerprint ON analyses(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_analyses_run ON analyses(run_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertDocument inserts the document if its fingerprint is unseen and
// reports whether a row was created. The unique primary key makes the
// check-and-insert atomic: two concurrent inserts of identical content
// cannot both observe isNew=true.
func (c *Client) InsertDocument(doc *models.SourceDocument) (bool, error) {
	query := `
		INSERT INTO documents (fingerprint, origin_url, title, content_type, blob_key, source, status, retrieved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`

	res, err := c.db.Exec(
		query,
		doc.Fingerprint,
		doc.OriginURL,
		doc.Title,
		doc.ContentType,
		doc.BlobKey,
		doc.Source,
		string(doc.Status),
		doc.RetrievedAt.Unix(),
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert document: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n == 1, nil
}

func (c *Client) GetDocument(fingerprint string) (*models.SourceDocument, error) {
	query := `
		SELECT fingerprint, origin_url, title, content_type, blob_key, source, status, retrieved_at, created_at, updated_at
		FROM documents WHERE fingerprint = ?
	`

	var doc models.SourceDocument
	var status string
	var retrievedAt, createdAt, updatedAt int64

	err := c.db.QueryRow(query, fingerprint).Scan(
		&doc.Fingerprint,
		&doc.OriginURL,
		&doc.Title,
		&doc.ContentType,
		&doc.BlobKey,
		&doc.Source,
		&status,
		&retrievedAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Status = models.DocumentStatus(status)
	doc.RetrievedAt = time.Unix(retrievedAt, 0)
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)

	return &doc, nil
}

func (c *Client) ListDocuments(limit int) ([]models.SourceDocument, error) {
	query := `
		SELECT fingerprint, origin_url, title, content_type, blob_key, source, status, retrieved_at, created_at, updated_at
		FROM documents ORDER BY created_at DESC LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.SourceDocument
	for rows.Next() {
		var doc models.SourceDocument
		var status string
		var retrievedAt, createdAt, updatedAt int64

		err := rows.Scan(
			&doc.Fingerprint,
			&doc.OriginURL,
			&doc.Title,
			&doc.ContentType,
			&doc.BlobKey,
			&doc.Source,
			&status,
			&retrievedAt,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc.Status = models.DocumentStatus(status)
		doc.RetrievedAt = time.Unix(retrievedAt, 0)
		doc.CreatedAt = time.Unix(createdAt, 0)
		doc.UpdatedAt = time.Unix(updatedAt, 0)
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

func (c *Client) SetDocumentStatus(fingerprint string, status models.DocumentStatus) error {
	query := `UPDATE documents SET status = ?, updated_at = ? WHERE fingerprint = ?`

	_, err := c.db.Exec(query, string(status), time.Now().Unix(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}

	return nil
}

func (c *Client) InsertRun(run *models.PipelineRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal error history: %w", err)
	}

	query := `
		INSERT INTO runs (id, fingerprint, template_id, attempt, stage, stage_entered_at, errors, outcome, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.db.Exec(
		query,
		run.ID,
		run.Fingerprint,
		run.TemplateID,
		run.Attempt,
		string(run.Stage),
		run.StageEnteredAt.Unix(),
		string(errorsJSON),
		string(run.Outcome),
		string(run.Reason),
		run.CreatedAt.Unix(),
		run.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	logger.Debug("Run created",
		zap.String("run_id", run.ID),
		zap.String("fingerprint", run.Fingerprint),
		zap.String("template_id", run.TemplateID),
	)

	return nil
}

func (c *Client) UpdateRun(run *models.PipelineRun) error {
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal error history: %w", err)
	}

	query := `
		UPDATE runs SET stage = ?, stage_entered_at = ?, errors = ?, outcome = ?, reason = ?, updated_at = ?
		WHERE id = ?
	`

	_, err = c.db.Exec(
		query,
		string(run.Stage),
		run.StageEnteredAt.Unix(),
		string(errorsJSON),
		string(run.Outcome),
		string(run.Reason),
		time.Now().Unix(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return nil
}

func (c *Client) GetRun(id string) (*models.PipelineRun, error) {
	query := `
		SELECT id, fingerprint, template_id, attempt, stage, stage_entered_at, errors, outcome, reason, created_at, updated_at
		FROM runs WHERE id = ?
	`

	return c.scanRun(c.db.QueryRow(query, id))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (c *Client) scanRun(row rowScanner) (*models.PipelineRun, error) {
	var run models.PipelineRun
	var stage, outcome, reason, errorsJSON string
	var stageEnteredAt, createdAt, updatedAt int64

	err := row.Scan(
		&run.ID,
		&run.Fingerprint,
		&run.TemplateID,
		&run.Attempt,
		&stage,
		&stageEnteredAt,
		&errorsJSON,
		&outcome,
		&reason,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Stage = models.Stage(stage)
	run.Outcome = models.Outcome(outcome)
	run.Reason = models.FailureReason(reason)
	run.StageEnteredAt = time.Unix(stageEnteredAt, 0)
	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)

	if errorsJSON != "" {
		if err := json.Unmarshal([]byte(errorsJSON), &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error history: %w", err)
		}
	}

	return &run, nil
}

// PendingRuns returns every non-terminal run at the given stage,
// oldest first. With an empty stage it returns all non-terminal runs.
func (c *Client) PendingRuns(stage models.Stage) ([]*models.PipelineRun, error) {
	query := `
		SELECT id, fingerprint, template_id, attempt, stage, stage_entered_at, errors, outcome, reason, created_at, updated_at
		FROM runs WHERE outcome = ''
	`
	args := []interface{}{}

	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(stage))
	}

	query += ` ORDER BY created_at ASC`

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := c.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// NextAttempt returns the attempt generation for a fresh run of this
// document and template.
func (c *Client) NextAttempt(fingerprint, templateID string) (int, error) {
	query := `SELECT COALESCE(MAX(attempt), 0) + 1 FROM runs WHERE fingerprint = ? AND template_id = ?`

	var attempt int
	err := c.db.QueryRow(query, fingerprint, templateID).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next attempt: %w", err)
	}

	return attempt, nil
}

// InsertAnalysis appends an analysis row. There is deliberately no
// update path: historical results are immutable.
func (c *Client) InsertAnalysis(res *models.AnalysisResult) error {
	query := `
		INSERT INTO analyses (run_id, fingerprint, template_id, step_name, content, provider, model, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	success := 0
	if res.Success {
		success = 1
	}

	result, err := c.db.Exec(
		query,
		res.RunID,
		res.Fingerprint,
		res.TemplateID,
		res.StepName,
		res.Content,
		res.Provider,
		res.Model,
		success,
		res.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		res.ID = id
	}

	return nil
}

func (c *Client) ListAnalyses(fingerprint string) ([]models.AnalysisResult, error) {
	query := `
		SELECT id, run_id, fingerprint, template_id, step_name, content, provider, model, success, created_at
		FROM analyses WHERE fingerprint = ? ORDER BY created_at ASC, id ASC
	`

	rows, err := c.db.Query(query, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var results []models.AnalysisResult
	for rows.Next() {
		var res models.AnalysisResult
		var success int
		var createdAt int64

		err := rows.Scan(
			&res.ID,
			&res.RunID,
			&res.Fingerprint,
			&res.TemplateID,
			&res.StepName,
			&res.Content,
			&res.Provider,
			&res.Model,
			&success,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		res.Success = success == 1
		res.CreatedAt = time.Unix(createdAt, 0)
		results = append(results, res)
	}

	return results, rows.Err()
}
