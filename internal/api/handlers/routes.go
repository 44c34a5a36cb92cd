package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type Routes struct {
	Completion *CompletionHandler
	WebSocket  *WebSocketHandler
	Dialogs    *DialogHandler
	Documents  *DocumentHandler
	Health     *HealthHandler
}

// Register mounts the API under router, normally the /api/v1 group.
func (r Routes) Register(router fiber.Router) {
	router.Post("/chat/completions", r.Completion.Completions)
	router.Post("/chat/share/completions", r.Completion.ShareCompletions)

	router.Get("/chat/dialogs/:id/histories", r.Dialogs.ListHistories)
	router.Get("/chat/share/:id/balance", r.Dialogs.ShareBalance)

	if r.Documents != nil {
		router.Post("/documents", r.Documents.UploadDocument)
	}

	if r.WebSocket != nil {
		router.Get("/ws/completions", Upgrade, websocket.New(r.WebSocket.HandleConnection))
	}

	router.Get("/health", r.Health.Health)
	router.Get("/ready", r.Health.Ready)
}
