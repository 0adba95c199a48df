package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/events"
	"github.com/civicdocs/backend/internal/metrics"
	"github.com/civicdocs/backend/internal/source"
	"github.com/civicdocs/backend/internal/storage"
	"github.com/civicdocs/backend/internal/storage/models"
	"github.com/civicdocs/backend/pkg/logger"
)

var ErrQueueFull = errors.New("work queue is full")

// Runner is satisfied by *pipeline.Orchestrator.
type Runner interface {
	Process(ctx context.Context, run *models.PipelineRun)
}

// Store is the persistence surface the dispatcher needs. The document
// store implements it.
type Store interface {
	Put(raw []byte, meta storage.DocumentMeta) (string, bool, error)
	Get(fingerprint string) (*models.SourceDocument, error)
	CreateRun(run *models.PipelineRun) error
	SaveRun(run *models.PipelineRun) error
	ListPending(stage models.Stage) ([]*models.PipelineRun, error)
	NextAttempt(fingerprint, templateID string) (int, error)
}

type Config struct {
	PollInterval    time.Duration
	Workers         int
	MaxQueueDepth   int
	DefaultTemplate string
	SweepOnStart    bool
}

// SweepSummary reports one discovery pass across all sources.
type SweepSummary struct {
	Sources       int  `json:"sources"`
	Discovered    int  `json:"discovered"`
	Stored        int  `json:"stored"`
	Enqueued      int  `json:"enqueued"`
	FetchFailures int  `json:"fetch_failures"`
	SourceErrors  int  `json:"source_errors"`
	Skipped       bool `json:"skipped"`
}

// Dispatcher owns the bounded worker pool and the timer-driven
// ingestion sweeps. Runs flow through a single shared channel, so each
// run is dequeued, and therefore owned, by exactly one worker.
type Dispatcher struct {
	runner   Runner
	store    Store
	adapters []source.Adapter
	events   events.Publisher
	cfg      Config

	queue   chan *models.PipelineRun
	sweepMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(runner Runner, store Store, adapters []source.Adapter, publisher events.Publisher, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 256
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Dispatcher{
		runner:   runner,
		store:    store,
		adapters: adapters,
		events:   publisher,
		cfg:      cfg,
		queue:    make(chan *models.PipelineRun, cfg.MaxQueueDepth),
	}
}

// Start launches the worker pool, recovers unfinished runs, and begins
// the sweep loop. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	if err := d.recoverPending(); err != nil {
		logger.Error("Failed to recover pending runs", zap.Error(err))
	}

	d.wg.Add(1)
	go d.sweepLoop(ctx)

	logger.Info("Dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("max_queue_depth", d.cfg.MaxQueueDepth),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)
}

// Stop cancels in-flight work at the next stage boundary and waits for
// the workers to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case run := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			logger.Debug("Worker picked up run",
				zap.Int("worker", id),
				zap.String("run_id", run.ID),
			)
			d.runner.Process(ctx, run)
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	if d.cfg.SweepOnStart {
		d.runSweep(ctx)
	}

	if d.cfg.PollInterval <= 0 {
		return
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runSweep(ctx)
		}
	}
}

func (d *Dispatcher) runSweep(ctx context.Context) {
	summary := d.Sweep(ctx, "")
	logger.Info("Sweep finished",
		zap.Int("discovered", summary.Discovered),
		zap.Int("stored", summary.Stored),
		zap.Int("enqueued", summary.Enqueued),
		zap.Int("fetch_failures", summary.FetchFailures),
		zap.Int("source_errors", summary.SourceErrors),
		zap.Bool("skipped", summary.Skipped),
	)
}

// Sweep runs one discovery pass. With a non-empty sourceName only that
// adapter is swept. A listing failure aborts that source alone;
// per-candidate fetch failures are isolated to the candidate.
func (d *Dispatcher) Sweep(ctx context.Context, sourceName string) SweepSummary {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	var summary SweepSummary

	// Backpressure: a backed-up queue means the analysis side cannot
	// keep up, so discovering more work would only grow memory.
	if len(d.queue) >= d.cfg.MaxQueueDepth {
		logger.Warn("Sweep skipped, work queue is full",
			zap.Int("queue_depth", len(d.queue)),
		)
		metrics.SweepsSkipped.Inc()
		d.events.Emit(events.Event{
			State:     events.StateSweepSkipped,
			Message:   "work queue is full",
			Timestamp: time.Now(),
		})
		summary.Skipped = true
		return summary
	}

	for _, adapter := range d.adapters {
		if sourceName != "" && adapter.Name() != sourceName {
			continue
		}
		summary.Sources++
		d.sweepSource(ctx, adapter, &summary)
	}

	return summary
}

func (d *Dispatcher) sweepSource(ctx context.Context, adapter source.Adapter, summary *SweepSummary) {
	candidates, err := adapter.ListCandidates(ctx)
	if err != nil {
		logger.Error("Source listing failed",
			zap.String("source", adapter.Name()),
			zap.Error(err),
		)
		metrics.SweepErrors.WithLabelValues(adapter.Name()).Inc()
		summary.SourceErrors++
		return
	}

	// Candidates are processed in discovery order.
	for _, ref := range candidates {
		summary.Discovered++
		metrics.DocumentsDiscovered.Inc()

		raw, contentType, err := adapter.FetchContent(ctx, ref)
		if err != nil {
			logger.Warn("Candidate fetch failed",
				zap.String("source", adapter.Name()),
				zap.String("url", ref.URL),
				zap.Error(err),
			)
			metrics.FetchFailures.WithLabelValues(adapter.Name()).Inc()
			d.events.Emit(events.Event{
				State:     events.StateFetchFailed,
				Message:   ref.URL,
				Timestamp: time.Now(),
			})
			summary.FetchFailures++
			continue
		}

		fingerprint, isNew, err := d.store.Put(raw, storage.DocumentMeta{
			OriginURL:   ref.URL,
			Title:       ref.Title,
			ContentType: contentType,
			Source:      adapter.Name(),
			RetrievedAt: time.Now(),
		})
		if err != nil {
			logger.Error("Failed to store candidate",
				zap.String("url", ref.URL),
				zap.Error(err),
			)
			continue
		}

		if !isNew {
			continue
		}

		summary.Stored++
		metrics.DocumentsStored.Inc()

		if _, err := d.Enqueue(fingerprint, d.cfg.DefaultTemplate); err != nil {
			logger.Warn("Failed to enqueue run for new document",
				zap.String("fingerprint", fingerprint),
				zap.Error(err),
			)
			continue
		}
		summary.Enqueued++
	}
}

// Enqueue creates a run for the document and template and hands it to
// the worker pool. The run row is written before queueing so a crash
// between the two is recoverable.
func (d *Dispatcher) Enqueue(fingerprint, templateID string) (string, error) {
	attempt, err := d.store.NextAttempt(fingerprint, templateID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	run := &models.PipelineRun{
		ID:             uuid.NewString(),
		Fingerprint:    fingerprint,
		TemplateID:     templateID,
		Attempt:        attempt,
		Stage:          models.StageQueued,
		StageEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := d.store.CreateRun(run); err != nil {
		return "", err
	}

	if err := d.push(run); err != nil {
		return run.ID, err
	}

	return run.ID, nil
}

// Analyze triggers a (re-)analysis of a stored document. The document
// must already exist; re-running with the same template appends a new
// attempt generation.
func (d *Dispatcher) Analyze(fingerprint, templateID string) (string, error) {
	if _, err := d.store.Get(fingerprint); err != nil {
		return "", err
	}
	if templateID == "" {
		templateID = d.cfg.DefaultTemplate
	}

	return d.Enqueue(fingerprint, templateID)
}

func (d *Dispatcher) push(run *models.PipelineRun) error {
	select {
	case d.queue <- run:
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return fmt.Errorf("%w: depth %d", ErrQueueFull, d.cfg.MaxQueueDepth)
	}
}

// recoverPending re-enqueues runs that never reached a terminal
// outcome, at their last checkpointed stage. Runs parked at
// results_storage restart from analysis_generation because step outputs
// are not checkpointed.
func (d *Dispatcher) recoverPending() error {
	runs, err := d.store.ListPending("")
	if err != nil {
		return err
	}

	recovered := 0
	for _, run := range runs {
		if run.Stage == models.StageResultsStorage {
			run.Stage = models.StageAnalysisGeneration
			run.StageEnteredAt = time.Now()
			if err := d.store.SaveRun(run); err != nil {
				logger.Warn("Failed to rewind recovered run",
					zap.String("run_id", run.ID),
					zap.Error(err),
				)
			}
		}

		if err := d.push(run); err != nil {
			logger.Warn("Queue full during recovery, run stays pending",
				zap.String("run_id", run.ID),
			)
			break
		}
		recovered++
	}

	if recovered > 0 {
		logger.Info("Recovered pending runs", zap.Int("count", recovered))
	}

	return nil
}
