package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/storage"
	"github.com/civicdocs/backend/pkg/logger"
)

type DocumentHandler struct {
	store *storage.DocumentStore
}

func NewDocumentHandler(store *storage.DocumentStore) *DocumentHandler {
	return &DocumentHandler{store: store}
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	docs, err := h.store.List(limit)
	if err != nil {
		logger.Error("Failed to list documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	return c.JSON(fiber.Map{
		"documents": docs,
		"count":     len(docs),
	})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.store.Get(c.Params("fingerprint"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Document not found",
			})
		}
		logger.Error("Failed to get document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get document",
		})
	}

	return c.JSON(doc)
}

func (h *DocumentHandler) ListAnalyses(c *fiber.Ctx) error {
	fingerprint := c.Params("fingerprint")

	if _, err := h.store.Get(fingerprint); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Document not found",
			})
		}
		logger.Error("Failed to get document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get document",
		})
	}

	analyses, err := h.store.ListAnalyses(fingerprint)
	if err != nil {
		logger.Error("Failed to list analyses", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list analyses",
		})
	}

	return c.JSON(fiber.Map{
		"analyses": analyses,
		"count":    len(analyses),
	})
}
