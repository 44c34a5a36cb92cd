package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/completion"
	"github.com/chatwiki/backend/internal/middleware/validation"
	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/pkg/logger"
)

type Completer interface {
	Completions(ctx context.Context, in completion.CompletionsInput) (*completion.Response, error)
	ShareCompletions(ctx context.Context, in completion.ShareCompletionsInput) (*completion.Response, error)
}

type CompletionHandler struct {
	completer Completer
	logger    *zap.Logger
}

func NewCompletionHandler(completer Completer) *CompletionHandler {
	return &CompletionHandler{
		completer: completer,
		logger:    logger.Named("sse"),
	}
}

type completionRequest struct {
	ChatID       string `json:"chatId"`
	ChatShareID  string `json:"chatShareId"`
	ChatDialogID string `json:"chatDialogId"`
	Content      string `json:"content"`
}

func parseCompletionRequest(c *fiber.Ctx) (completionRequest, error) {
	var req completionRequest
	if err := c.BodyParser(&req); err != nil {
		return req, err
	}
	if content, ok := c.Locals(validation.LocalContent).(string); ok {
		req.Content = content
	}
	return req, nil
}

func (h *CompletionHandler) Completions(c *fiber.Ctx) error {
	req, err := parseCompletionRequest(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.ChatID == "" || req.Content == "" {
		return badRequest(c, "chatId and content are required")
	}

	return h.stream(c, func(ctx context.Context) (*completion.Response, error) {
		return h.completer.Completions(ctx, completion.CompletionsInput{
			ApplicationID: req.ChatID,
			DialogID:      req.ChatDialogID,
			Content:       req.Content,
		})
	})
}

func (h *CompletionHandler) ShareCompletions(c *fiber.Ctx) error {
	req, err := parseCompletionRequest(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.ChatShareID == "" || req.Content == "" {
		return badRequest(c, "chatShareId and content are required")
	}

	return h.stream(c, func(ctx context.Context) (*completion.Response, error) {
		return h.completer.ShareCompletions(ctx, completion.ShareCompletionsInput{
			ShareID:  req.ChatShareID,
			DialogID: req.ChatDialogID,
			Content:  req.Content,
		})
	})
}

// stream resolves every precondition before the first byte so failures get a
// JSON status, then writes chunks as server-sent events. A failed flush means
// the client is gone and cancels the completion.
func (h *CompletionHandler) stream(c *fiber.Ctx, open func(ctx context.Context) (*completion.Response, error)) error {
	ctx, cancel := context.WithCancel(context.Background())

	resp, err := open(ctx)
	if err != nil {
		cancel()
		return writeError(c, h.logger, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := h.logger
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer resp.Close()

		for {
			chunk, err := resp.Recv()
			if errors.Is(err, io.EOF) {
				fmt.Fprint(w, "data: [DONE]\n\n")
				w.Flush()
				return
			}
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn("Completion stream ended with error", zap.Error(err))
					writeEvent(w, "error", fiber.Map{"error": publicMessage(err)})
					w.Flush()
				}
				return
			}

			if err := writeEvent(w, "", chunkPayload(chunk)); err != nil {
				log.Error("Failed to encode chunk", zap.Error(err))
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug("Client disconnected", zap.Error(err))
				return
			}
		}
	}))

	return nil
}

func chunkPayload(chunk completion.Chunk) fiber.Map {
	if chunk.IsProvenance() {
		return fiber.Map{"sourceFile": chunk.SourceFiles}
	}
	return fiber.Map{"content": chunk.Content}
}

func writeEvent(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, completion.ErrApplicationNotFound),
		errors.Is(err, completion.ErrShareNotFound),
		errors.Is(err, models.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, completion.ErrQuotaExhausted),
		errors.Is(err, completion.ErrQuotaInsufficient):
		return fiber.StatusPaymentRequired
	}
	return fiber.StatusInternalServerError
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, completion.ErrApplicationNotFound):
		return "Chat application not found"
	case errors.Is(err, completion.ErrShareNotFound):
		return "Chat share not found"
	case errors.Is(err, models.ErrNotFound):
		return "Not found"
	case errors.Is(err, completion.ErrQuotaExhausted):
		return "Token quota exhausted"
	case errors.Is(err, completion.ErrQuotaInsufficient):
		return "Insufficient token quota"
	case errors.Is(err, completion.ErrStreamInterrupted):
		return "Generation interrupted"
	}
	return "Failed to process completion"
}

func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": publicMessage(err)})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
