package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/ingestion"
	"github.com/chatwiki/backend/internal/middleware/validation"
	"github.com/chatwiki/backend/pkg/logger"
)

type Ingester interface {
	Process(ctx context.Context, doc ingestion.Document) (*ingestion.Result, error)
}

type DocumentHandler struct {
	processor Ingester
	logger    *zap.Logger
}

func NewDocumentHandler(processor Ingester) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		logger:    logger.Named("documents"),
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		WikiID      string `json:"wikiId"`
		FileID      string `json:"fileId"`
		Name        string `json:"name"`
		URL         string `json:"url"`
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	}

	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if content, ok := c.Locals(validation.LocalContent).(string); ok {
		req.Content = content
	}
	if req.WikiID == "" || (req.Content == "" && req.URL == "") {
		return badRequest(c, "wikiId and content or url are required")
	}

	res, err := h.processor.Process(c.UserContext(), ingestion.Document{
		WikiID:      req.WikiID,
		FileID:      req.FileID,
		Name:        req.Name,
		Path:        req.URL,
		ContentType: req.ContentType,
		Content:     req.Content,
	})
	if errors.Is(err, ingestion.ErrEmptyDocument) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "No content could be extracted"})
	}
	if errors.Is(err, ingestion.ErrFetch) {
		h.logger.Warn("Failed to fetch document", zap.String("url", req.URL), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Failed to fetch document from url"})
	}
	if err != nil {
		h.logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"fileId": res.FileID,
		"name":   res.Name,
		"chunks": res.Chunks,
		"tokens": res.Tokens,
	})
}
