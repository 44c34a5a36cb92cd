package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/completion"
	"github.com/chatwiki/backend/pkg/logger"
)

const (
	wsTypeCompletion      = "completion"
	wsTypeShareCompletion = "share_completion"
)

type WebSocketHandler struct {
	completer Completer
	logger    *zap.Logger
}

func NewWebSocketHandler(completer Completer) *WebSocketHandler {
	return &WebSocketHandler{
		completer: completer,
		logger:    logger.Named("websocket"),
	}
}

// Upgrade only lets websocket handshakes through.
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

type wsRequest struct {
	Type         string `json:"type"`
	ChatID       string `json:"chatId"`
	ChatShareID  string `json:"chatShareId"`
	ChatDialogID string `json:"chatDialogId"`
	Content      string `json:"content"`
}

// HandleConnection serves completion requests one at a time. Closing the
// connection cancels the completion in flight.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	h.logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		h.logger.Info("WebSocket connection closed")
	}()

	requests := make(chan wsRequest)
	go func() {
		defer cancel()
		defer close(requests)
		for {
			var req wsRequest
			if err := c.ReadJSON(&req); err != nil {
				h.logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for req := range requests {
		if err := h.serve(ctx, c, req); err != nil {
			h.logger.Warn("Failed to write to WebSocket", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) serve(ctx context.Context, c *websocket.Conn, req wsRequest) error {
	if req.Content == "" {
		return h.sendError(c, fiber.StatusBadRequest, "content is required")
	}

	var resp *completion.Response
	var err error
	switch req.Type {
	case wsTypeCompletion:
		if req.ChatID == "" {
			return h.sendError(c, fiber.StatusBadRequest, "chatId is required")
		}
		resp, err = h.completer.Completions(ctx, completion.CompletionsInput{
			ApplicationID: req.ChatID,
			DialogID:      req.ChatDialogID,
			Content:       req.Content,
		})
	case wsTypeShareCompletion:
		if req.ChatShareID == "" {
			return h.sendError(c, fiber.StatusBadRequest, "chatShareId is required")
		}
		resp, err = h.completer.ShareCompletions(ctx, completion.ShareCompletionsInput{
			ShareID:  req.ChatShareID,
			DialogID: req.ChatDialogID,
			Content:  req.Content,
		})
	default:
		return h.sendError(c, fiber.StatusBadRequest, "unknown message type")
	}
	if err != nil {
		if statusFor(err) == fiber.StatusInternalServerError {
			h.logger.Error("Completion failed", zap.Error(err))
		}
		return h.sendError(c, statusFor(err), publicMessage(err))
	}
	defer resp.Close()

	for {
		chunk, err := resp.Recv()
		if errors.Is(err, io.EOF) {
			return c.WriteJSON(fiber.Map{"type": "done"})
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			h.logger.Warn("Completion stream ended with error", zap.Error(err))
			return h.sendError(c, statusFor(err), publicMessage(err))
		}

		msg := fiber.Map{"type": "chunk", "content": chunk.Content}
		if chunk.IsProvenance() {
			msg = fiber.Map{"type": "sources", "sourceFile": chunk.SourceFiles}
		}
		if err := c.WriteJSON(msg); err != nil {
			return err
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, status int, msg string) error {
	return c.WriteJSON(fiber.Map{
		"type":   "error",
		"status": status,
		"error":  msg,
	})
}
