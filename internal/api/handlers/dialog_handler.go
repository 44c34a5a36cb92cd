package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/pkg/logger"
)

const maxHistoryPageSize = 100

type HistoryReader interface {
	ListRecentTurns(ctx context.Context, dialogID string, page, pageSize int) ([]models.DialogTurn, error)
	CountTurns(ctx context.Context, dialogID string) (int, error)
}

type ShareReader interface {
	GetShare(ctx context.Context, id string) (*models.ChatShare, error)
}

type BalanceReader interface {
	Balance(ctx context.Context, shareID string, allowance int) (int64, error)
}

type DialogHandler struct {
	history HistoryReader
	shares  ShareReader
	quota   BalanceReader
	logger  *zap.Logger
}

func NewDialogHandler(history HistoryReader, shares ShareReader, quota BalanceReader) *DialogHandler {
	return &DialogHandler{
		history: history,
		shares:  shares,
		quota:   quota,
		logger:  logger.Named("dialogs"),
	}
}

type turnResponse struct {
	ID               string              `json:"id"`
	Content          string              `json:"content"`
	Current          bool                `json:"current"`
	TokenConsumption int                 `json:"tokenConsumption"`
	SourceFiles      []models.SourceFile `json:"sourceFile,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
}

// ListHistories pages a dialog's turns, newest page first.
func (h *DialogHandler) ListHistories(c *fiber.Ctx) error {
	dialogID := c.Params("id")
	page := c.QueryInt("page", 1)
	pageSize := c.QueryInt("pageSize", 10)
	if page < 1 || pageSize < 1 || pageSize > maxHistoryPageSize {
		return badRequest(c, "page must be >= 1 and pageSize between 1 and 100")
	}

	turns, err := h.history.ListRecentTurns(c.UserContext(), dialogID, page, pageSize)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	total, err := h.history.CountTurns(c.UserContext(), dialogID)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	list := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		list = append(list, turnResponse{
			ID:               t.ID,
			Content:          t.Content,
			Current:          t.Current,
			TokenConsumption: t.TokenConsumption,
			SourceFiles:      t.SourceFiles,
			CreatedAt:        t.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"list":     list,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (h *DialogHandler) ShareBalance(c *fiber.Ctx) error {
	shareID := c.Params("id")

	share, err := h.shares.GetShare(c.UserContext(), shareID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Chat share not found"})
		}
		return writeError(c, h.logger, err)
	}

	if share.AvailableToken <= 0 {
		return c.JSON(fiber.Map{"chatShareId": share.ID, "unlimited": true})
	}

	balance, err := h.quota.Balance(c.UserContext(), share.ID, share.AvailableToken)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{
		"chatShareId":    share.ID,
		"unlimited":      false,
		"availableToken": share.AvailableToken,
		"balance":        balance,
	})
}
