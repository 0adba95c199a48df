package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/storage"
	"github.com/civicdocs/backend/pkg/logger"
)

type RunHandler struct {
	store *storage.DocumentStore
}

func NewRunHandler(store *storage.DocumentStore) *RunHandler {
	return &RunHandler{store: store}
}

// GetRun returns the run with its full error history, so operators can
// tell a transient failure from one that needs a template fix.
func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	run, err := h.store.GetRun(c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Run not found",
			})
		}
		logger.Error("Failed to get run", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get run",
		})
	}

	return c.JSON(run)
}
