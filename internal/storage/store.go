package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/storage/blob"
	"github.com/civicdocs/backend/internal/storage/models"
	"github.com/civicdocs/backend/internal/storage/sqlite"
	"github.com/civicdocs/backend/pkg/logger"
)

var ErrNotFound = errors.New("document not found")

// DocumentMeta carries the attributes of a document that are not
// derivable from its bytes.
type DocumentMeta struct {
	OriginURL   string
	Title       string
	ContentType string
	Source      string
	RetrievedAt time.Time
}

// DocumentStore is the content-addressed document layer: metadata and
// run state live in SQLite, raw bytes in the blob store keyed by
// fingerprint.
type DocumentStore struct {
	db    *sqlite.Client
	blobs blob.Store
}

func NewDocumentStore(db *sqlite.Client, blobs blob.Store) *DocumentStore {
	return &DocumentStore{db: db, blobs: blobs}
}

// Fingerprint returns the hex sha-256 of the raw document bytes.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Put stores a document and reports whether its content was unseen.
// Re-ingesting identical bytes, from any source, is a no-op for
// storage: the blob write is idempotent and the metadata insert is a
// compare-and-set on the fingerprint.
func (s *DocumentStore) Put(raw []byte, meta DocumentMeta) (string, bool, error) {
	fingerprint := Fingerprint(raw)

	if err := s.blobs.Put(fingerprint, raw); err != nil {
		return "", false, fmt.Errorf("failed to store raw content: %w", err)
	}

	now := time.Now()
	doc := &models.SourceDocument{
		Fingerprint: fingerprint,
		OriginURL:   meta.OriginURL,
		Title:       meta.Title,
		ContentType: meta.ContentType,
		BlobKey:     fingerprint,
		Source:      meta.Source,
		Status:      models.DocumentNew,
		RetrievedAt: meta.RetrievedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	isNew, err := s.db.InsertDocument(doc)
	if err != nil {
		return "", false, err
	}

	if isNew {
		logger.Info("Document stored",
			zap.String("fingerprint", fingerprint),
			zap.String("url", meta.OriginURL),
			zap.String("source", meta.Source),
		)
	} else {
		logger.Debug("Duplicate content, storage skipped",
			zap.String("fingerprint", fingerprint),
			zap.String("url", meta.OriginURL),
		)
	}

	return fingerprint, isNew, nil
}

func (s *DocumentStore) Get(fingerprint string) (*models.SourceDocument, error) {
	doc, err := s.db.GetDocument(fingerprint)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
	}
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// Raw returns the stored bytes for a document.
func (s *DocumentStore) Raw(fingerprint string) ([]byte, error) {
	doc, err := s.Get(fingerprint)
	if err != nil {
		return nil, err
	}

	data, err := s.blobs.Get(doc.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
	}

	return data, err
}

func (s *DocumentStore) List(limit int) ([]models.SourceDocument, error) {
	return s.db.ListDocuments(limit)
}

func (s *DocumentStore) SetDocumentStatus(fingerprint string, status models.DocumentStatus) error {
	return s.db.SetDocumentStatus(fingerprint, status)
}

// RecordAnalysis appends an analysis result. Results are never
// overwritten.
func (s *DocumentStore) RecordAnalysis(res *models.AnalysisResult) error {
	return s.db.InsertAnalysis(res)
}

func (s *DocumentStore) ListAnalyses(fingerprint string) ([]models.AnalysisResult, error) {
	return s.db.ListAnalyses(fingerprint)
}

func (s *DocumentStore) CreateRun(run *models.PipelineRun) error {
	return s.db.InsertRun(run)
}

func (s *DocumentStore) SaveRun(run *models.PipelineRun) error {
	return s.db.UpdateRun(run)
}

func (s *DocumentStore) GetRun(id string) (*models.PipelineRun, error) {
	run, err := s.db.GetRun(id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, err
}

// ListPending returns non-terminal runs parked at the given stage; an
// empty stage returns all of them. Used to recover unfinished work
// after a restart.
func (s *DocumentStore) ListPending(stage models.Stage) ([]*models.PipelineRun, error) {
	return s.db.PendingRuns(stage)
}

func (s *DocumentStore) NextAttempt(fingerprint, templateID string) (int, error) {
	return s.db.NextAttempt(fingerprint, templateID)
}
