package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/analysis"
	"github.com/civicdocs/backend/internal/events"
	"github.com/civicdocs/backend/internal/metrics"
	"github.com/civicdocs/backend/internal/storage/models"
	"github.com/civicdocs/backend/internal/template"
	"github.com/civicdocs/backend/pkg/logger"
	"github.com/civicdocs/backend/pkg/retry"
)

// Store is the persistence surface the orchestrator needs. The
// document store implements it.
type Store interface {
	Get(fingerprint string) (*models.SourceDocument, error)
	Raw(fingerprint string) ([]byte, error)
	SaveRun(run *models.PipelineRun) error
	RecordAnalysis(res *models.AnalysisResult) error
	SetDocumentStatus(fingerprint string, status models.DocumentStatus) error
}

// Analyzer is satisfied by *analysis.Engine.
type Analyzer interface {
	Analyze(ctx context.Context, provider string, req analysis.Request) (*analysis.Result, error)
}

type Config struct {
	// RetryPolicy applies to content extraction and to transient
	// analysis failures.
	RetryPolicy retry.Config

	// PersistAttempts bounds results-storage retries. Local persistence
	// failing at all is a bug signal, so the bound is small.
	PersistAttempts int

	// MaxContentChars caps the text handed to a single prompt.
	MaxContentChars int
}

// Orchestrator drives a pipeline run through
// preprocessing → content_extraction → analysis_generation →
// results_storage, checkpointing stage state at each boundary. A run is
// owned by exactly one caller for the duration of Process.
type Orchestrator struct {
	store    Store
	resolver *template.Resolver
	engine   Analyzer
	events   events.Publisher
	cfg      Config
}

func NewOrchestrator(store Store, resolver *template.Resolver, engine Analyzer, publisher events.Publisher, cfg Config) *Orchestrator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.PersistAttempts == 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.MaxContentChars == 0 {
		cfg.MaxContentChars = 24000
	}

	return &Orchestrator{
		store:    store,
		resolver: resolver,
		engine:   engine,
		events:   publisher,
		cfg:      cfg,
	}
}

// Process advances the run from its current stage to a terminal
// outcome. Cancellation is honored at stage boundaries only; a stage in
// flight always runs to completion or failure.
func (o *Orchestrator) Process(ctx context.Context, run *models.PipelineRun) {
	log := logger.GetLogger().With(
		zap.String("run_id", run.ID),
		zap.String("fingerprint", run.Fingerprint),
		zap.String("template_id", run.TemplateID),
	)

	doc, err := o.store.Get(run.Fingerprint)
	if err != nil {
		o.recordFailure(run, run.Stage, "", 1, models.KindConfiguration, err)
		o.fail(run, models.ReasonConfiguration)
		return
	}

	raw, err := o.store.Raw(run.Fingerprint)
	if err != nil {
		o.recordFailure(run, run.Stage, "", 1, models.KindPersistence, err)
		o.fail(run, models.ReasonPersistenceFailed)
		return
	}

	if err := o.store.SetDocumentStatus(run.Fingerprint, models.DocumentProcessing); err != nil {
		log.Warn("Failed to mark document processing", zap.Error(err))
	}

	log.Info("Run started", zap.String("stage", string(run.Stage)))

	var (
		text     string
		sections []string
		outputs  []*models.AnalysisResult
		partial  bool
	)

	if run.Stage == models.StageQueued {
		o.enterStage(run, models.StagePreprocessing)
	}

	for !run.Terminal() {
		if ctx.Err() != nil {
			o.cancel(run, ctx.Err())
			return
		}

		stage := run.Stage
		stageStart := time.Now()

		switch stage {
		case models.StagePreprocessing:
			text, err = Normalize(raw, doc.ContentType)
			if err != nil {
				o.recordFailure(run, stage, "", 1, models.KindMalformed, err)
				o.fail(run, models.ReasonUnsupportedFormat)
				return
			}
			o.enterStage(run, models.StageContentExtraction)

		case models.StageContentExtraction:
			if text == "" {
				// Resumed run: re-derive normalized text from the
				// stored bytes instead of re-fetching the source.
				text, err = Normalize(raw, doc.ContentType)
				if err != nil {
					o.recordFailure(run, stage, "", 1, models.KindMalformed, err)
					o.fail(run, models.ReasonUnsupportedFormat)
					return
				}
			}

			cfg := o.attemptConfig(run, stage, "")
			sections, err = retry.DoWithResult(ctx, cfg, func() ([]string, error) {
				return ExtractSections(text, o.cfg.MaxContentChars)
			})
			if err != nil {
				if ctx.Err() != nil {
					o.cancel(run, ctx.Err())
					return
				}
				o.fail(run, models.ReasonExtractionFailed)
				return
			}
			o.enterStage(run, models.StageAnalysisGeneration)

		case models.StageAnalysisGeneration:
			if sections == nil {
				// Resumed run: replay the pure derivations from the
				// stored bytes without re-entering earlier stages.
				if text == "" {
					text, err = Normalize(raw, doc.ContentType)
					if err != nil {
						o.recordFailure(run, stage, "", 1, models.KindMalformed, err)
						o.fail(run, models.ReasonUnsupportedFormat)
						return
					}
				}
				sections, err = ExtractSections(text, o.cfg.MaxContentChars)
				if err != nil {
					o.recordFailure(run, stage, "", 1, models.KindTransient, err)
					o.fail(run, models.ReasonExtractionFailed)
					return
				}
			}

			outputs, partial, err = o.generate(ctx, run, doc, sections)
			if err != nil {
				if ctx.Err() != nil {
					o.cancel(run, ctx.Err())
					return
				}
				var reason models.FailureReason
				if errors.Is(err, template.ErrTemplateNotFound) {
					reason = models.ReasonConfiguration
				} else {
					reason = models.ReasonAnalysisFailed
				}
				o.fail(run, reason)
				return
			}
			o.enterStage(run, models.StageResultsStorage)

		case models.StageResultsStorage:
			if len(outputs) == 0 {
				// Resumed run: step outputs are not checkpointed, so
				// the analysis stage has to be replayed.
				o.enterStage(run, models.StageAnalysisGeneration)
				continue
			}
			if err := o.persist(ctx, run, outputs); err != nil {
				if ctx.Err() != nil {
					o.cancel(run, ctx.Err())
					return
				}
				metrics.PersistenceFailures.Inc()
				log.Error("Results persistence failed after retries, storage layer needs attention",
					zap.Error(err),
				)
				o.fail(run, models.ReasonPersistenceFailed)
				return
			}

			outcome := models.OutcomeCompleted
			if partial {
				outcome = models.OutcomePartial
			}
			o.finish(run, outcome)
			log.Info("Run finished", zap.String("outcome", string(outcome)))

		default:
			o.recordFailure(run, stage, "", 1, models.KindConfiguration,
				errors.New("unknown pipeline stage"))
			o.fail(run, models.ReasonConfiguration)
			return
		}

		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(stageStart).Seconds())
	}
}

// generate resolves and executes every step of the run's template
// chain. Each step failure is recorded independently; only
// ProviderUnavailable is retried. Returns the successful outputs and
// whether the chain succeeded only partially.
func (o *Orchestrator) generate(ctx context.Context, run *models.PipelineRun, doc *models.SourceDocument, sections []string) ([]*models.AnalysisResult, bool, error) {
	tmpl, err := o.resolver.Get(run.TemplateID)
	if err != nil {
		o.recordFailure(run, models.StageAnalysisGeneration, "", 1, models.KindConfiguration, err)
		return nil, false, err
	}

	vars := map[string]string{
		"content": joinSections(sections, o.cfg.MaxContentChars),
		"title":   doc.Title,
		"url":     doc.OriginURL,
		"date":    doc.RetrievedAt.Format("2006-01-02"),
	}

	var outputs []*models.AnalysisResult
	failedSteps := 0

	for _, step := range tmpl.Steps {
		prompt, err := o.resolver.Resolve(run.TemplateID, step.Name, vars)
		if err != nil {
			// A step whose prompt references a failed predecessor's
			// output lands here; that is a permanent sub-failure.
			o.recordFailure(run, models.StageAnalysisGeneration, step.Name, 1, models.KindConfiguration, err)
			failedSteps++
			continue
		}

		cfg := o.attemptConfig(run, models.StageAnalysisGeneration, step.Name)
		cfg.RetryableErrors = []error{analysis.ErrProviderUnavailable}

		res, err := retry.DoWithResult(ctx, cfg, func() (*analysis.Result, error) {
			return o.engine.Analyze(ctx, tmpl.Provider, analysis.Request{Prompt: prompt})
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, err
			}
			failedSteps++
			continue
		}

		vars[step.Name] = res.Content
		metrics.LLMTokensUsed.WithLabelValues(res.Provider, res.Model).Add(float64(res.TokensUsed))

		outputs = append(outputs, &models.AnalysisResult{
			RunID:       run.ID,
			Fingerprint: run.Fingerprint,
			TemplateID:  run.TemplateID,
			StepName:    step.Name,
			Content:     res.Content,
			Provider:    res.Provider,
			Model:       res.Model,
			Success:     true,
			CreatedAt:   time.Now(),
		})
	}

	if len(outputs) == 0 {
		return nil, false, errors.New("all template steps failed")
	}

	return outputs, failedSteps > 0, nil
}

func (o *Orchestrator) persist(ctx context.Context, run *models.PipelineRun, outputs []*models.AnalysisResult) error {
	cfg := retry.Config{
		MaxAttempts:  o.cfg.PersistAttempts,
		InitialDelay: 100 * time.Millisecond,
		Logger:       logger.GetLogger(),
		OnAttempt: func(attempt int, err error) {
			o.recordFailure(run, models.StageResultsStorage, "", attempt, models.KindPersistence, err)
		},
	}

	// Track how far we got so a retry never re-appends rows already
	// written.
	persisted := 0
	return retry.Do(ctx, cfg, func() error {
		for persisted < len(outputs) {
			if err := o.store.RecordAnalysis(outputs[persisted]); err != nil {
				return err
			}
			persisted++
		}
		return nil
	})
}

// attemptConfig clones the retry policy with hooks that append every
// failed attempt to the run's error history.
func (o *Orchestrator) attemptConfig(run *models.PipelineRun, stage models.Stage, step string) retry.Config {
	cfg := o.cfg.RetryPolicy
	cfg.OnAttempt = func(attempt int, err error) {
		o.recordFailure(run, stage, step, attempt, classifyKind(err), err)
		o.events.Emit(events.Event{
			RunID:       run.ID,
			Fingerprint: run.Fingerprint,
			Stage:       stage,
			State:       events.StateRetrying,
			Message:     err.Error(),
			Timestamp:   time.Now(),
		})
	}
	return cfg
}

func classifyKind(err error) models.ErrorKind {
	switch {
	case errors.Is(err, analysis.ErrProviderNotConfigured):
		return models.KindConfiguration
	case errors.Is(err, analysis.ErrContentTooLarge),
		errors.Is(err, analysis.ErrProviderRejected),
		errors.Is(err, ErrUnsupportedFormat):
		return models.KindMalformed
	default:
		return models.KindTransient
	}
}

func (o *Orchestrator) recordFailure(run *models.PipelineRun, stage models.Stage, step string, attempt int, kind models.ErrorKind, err error) {
	run.RecordFailure(models.FailureRecord{
		Stage:   stage,
		Step:    step,
		Attempt: attempt,
		Kind:    kind,
		Message: err.Error(),
		At:      time.Now(),
	})
}

func (o *Orchestrator) enterStage(run *models.PipelineRun, stage models.Stage) {
	run.Stage = stage
	run.StageEnteredAt = time.Now()

	if err := o.store.SaveRun(run); err != nil {
		logger.Warn("Failed to checkpoint run",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}

	o.events.Emit(events.Event{
		RunID:       run.ID,
		Fingerprint: run.Fingerprint,
		Stage:       stage,
		State:       events.StateStarted,
		Timestamp:   time.Now(),
	})
}

func (o *Orchestrator) fail(run *models.PipelineRun, reason models.FailureReason) {
	run.Outcome = models.OutcomeFailed
	run.Reason = reason
	o.settle(run, events.StateFailed, string(reason))

	if err := o.store.SetDocumentStatus(run.Fingerprint, models.DocumentError); err != nil {
		logger.Warn("Failed to mark document errored", zap.Error(err))
	}
}

func (o *Orchestrator) cancel(run *models.PipelineRun, cause error) {
	o.recordFailure(run, run.Stage, "", 1, models.KindTransient, cause)
	run.Outcome = models.OutcomeFailed
	run.Reason = models.ReasonCancelled
	o.settle(run, events.StateFailed, string(models.ReasonCancelled))
}

func (o *Orchestrator) finish(run *models.PipelineRun, outcome models.Outcome) {
	run.Outcome = outcome

	state := events.StateCompleted
	if outcome == models.OutcomePartial {
		state = events.StatePartial
	}
	o.settle(run, state, "")

	if err := o.store.SetDocumentStatus(run.Fingerprint, models.DocumentAnalyzed); err != nil {
		logger.Warn("Failed to mark document analyzed", zap.Error(err))
	}
}

func (o *Orchestrator) settle(run *models.PipelineRun, state events.State, message string) {
	if err := o.store.SaveRun(run); err != nil {
		logger.Error("Failed to persist terminal run state",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}

	metrics.RunsTotal.WithLabelValues(string(run.Outcome)).Inc()

	o.events.Emit(events.Event{
		RunID:       run.ID,
		Fingerprint: run.Fingerprint,
		Stage:       run.Stage,
		State:       state,
		Message:     message,
		Timestamp:   time.Now(),
	})
}
