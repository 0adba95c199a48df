package models

import "time"

type DocumentStatus string

const (
	DocumentNew        DocumentStatus = "new"
	DocumentProcessing DocumentStatus = "processing"
	DocumentAnalyzed   DocumentStatus = "analyzed"
	DocumentError      DocumentStatus = "error"
)

type Stage string

const (
	StageQueued             Stage = "queued"
	StagePreprocessing      Stage = "preprocessing"
	StageContentExtraction  Stage = "content_extraction"
	StageAnalysisGeneration Stage = "analysis_generation"
	StageResultsStorage     Stage = "results_storage"
)

// NonTerminalStages lists every stage a run can be parked in between
// checkpoints, in pipeline order.
var NonTerminalStages = []Stage{
	StageQueued,
	StagePreprocessing,
	StageContentExtraction,
	StageAnalysisGeneration,
	StageResultsStorage,
}

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

type FailureReason string

const (
	ReasonUnsupportedFormat FailureReason = "UnsupportedFormat"
	ReasonExtractionFailed  FailureReason = "ExtractionFailed"
	ReasonAnalysisFailed    FailureReason = "AnalysisFailed"
	ReasonPersistenceFailed FailureReason = "PersistenceFailed"
	ReasonConfiguration     FailureReason = "ConfigurationError"
	ReasonCancelled         FailureReason = "Cancelled"
)

// ErrorKind buckets a failure for operators: transient failures may
// succeed on retry, the others need intervention.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindMalformed     ErrorKind = "malformed_input"
	KindConfiguration ErrorKind = "configuration"
	KindPersistence   ErrorKind = "persistence"
)

// SourceDocument is identified by the sha-256 fingerprint of its raw
// bytes. Raw content lives in the blob store under BlobKey.
type SourceDocument struct {
	Fingerprint string         `json:"fingerprint"`
	OriginURL   string         `json:"origin_url"`
	Title       string         `json:"title"`
	ContentType string         `json:"content_type"`
	BlobKey     string         `json:"blob_key"`
	Source      string         `json:"source"`
	Status      DocumentStatus `json:"status"`
	RetrievedAt time.Time      `json:"retrieved_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type FailureRecord struct {
	Stage   Stage     `json:"stage"`
	Step    string    `json:"step,omitempty"`
	Attempt int       `json:"attempt"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PipelineRun tracks one document's traversal of the pipeline for one
// template chain. A run is owned by a single worker from dequeue until
// it reaches a terminal outcome or is checkpointed back to the store.
type PipelineRun struct {
	ID             string          `json:"id"`
	Fingerprint    string          `json:"fingerprint"`
	TemplateID     string          `json:"template_id"`
	Attempt        int             `json:"attempt"`
	Stage          Stage           `json:"stage"`
	StageEnteredAt time.Time       `json:"stage_entered_at"`
	Errors         []FailureRecord `json:"errors"`
	Outcome        Outcome         `json:"outcome"`
	Reason         FailureReason   `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (r *PipelineRun) Terminal() bool {
	return r.Outcome != OutcomeNone
}

func (r *PipelineRun) RecordFailure(rec FailureRecord) {
	r.Errors = append(r.Errors, rec)
}

// AnalysisResult is one persisted output of a template step. Results
// are append-only: re-running a template for the same document adds
// rows, it never rewrites history.
type AnalysisResult struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Fingerprint string    `json:"fingerprint"`
	TemplateID  string    `json:"template_id"`
	StepName    string    `json:"step_name"`
	Content     string    `json:"content"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Success     bool      `json:"success"`
	CreatedAt   time.Time `json:"created_at"`
}
