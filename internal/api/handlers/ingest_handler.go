package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/dispatch"
	"github.com/civicdocs/backend/internal/storage"
	"github.com/civicdocs/backend/pkg/logger"
)

type IngestHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewIngestHandler(dispatcher *dispatch.Dispatcher) *IngestHandler {
	return &IngestHandler{dispatcher: dispatcher}
}

// TriggerIngest kicks off a sweep and returns immediately; progress is
// observable on the status feed.
func (h *IngestHandler) TriggerIngest(c *fiber.Ctx) error {
	var req struct {
		Source string `json:"source"`
	}

	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	go func() {
		summary := h.dispatcher.Sweep(context.Background(), req.Source)
		logger.Info("Triggered sweep finished",
			zap.String("source", req.Source),
			zap.Int("stored", summary.Stored),
			zap.Int("fetch_failures", summary.FetchFailures),
		)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "sweep_started",
		"source": req.Source,
	})
}

// TriggerAnalyze enqueues a (re-)analysis run for a stored document and
// returns the run id as the handle to poll.
func (h *IngestHandler) TriggerAnalyze(c *fiber.Ctx) error {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		TemplateID  string `json:"template_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Fingerprint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "fingerprint is required",
		})
	}

	runID, err := h.dispatcher.Analyze(req.Fingerprint, req.TemplateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Document not found",
			})
		}
		if errors.Is(err, dispatch.ErrQueueFull) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":  "Work queue is full, try again later",
				"run_id": runID,
			})
		}
		logger.Error("Failed to enqueue analysis", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enqueue analysis",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"run_id": runID,
	})
}
