package validation

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/pkg/logger"
)

// LocalContent holds the sanitized message or document content of a request.
const LocalContent = "sanitized_content"

type Config struct {
	// MaxContentLength caps a chat message, in characters.
	MaxContentLength int
	// MaxDocumentSize caps an uploaded document, in bytes.
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

type body struct {
	Content     string `json:"content"`
	ChatID      string `json:"chatId"`
	ChatShareID string `json:"chatShareId"`
	WikiID      string `json:"wikiId"`
	URL         string `json:"url"`
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 8000
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("validation")
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if !allowedType(c.Get(fiber.HeaderContentType), cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		path := c.Path()
		switch {
		case strings.HasSuffix(path, "/completions"):
			var req body
			if err := c.BodyParser(&req); err != nil {
				return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
			}
			if strings.HasSuffix(path, "/share/completions") {
				if req.ChatShareID == "" {
					return reject(c, fiber.StatusBadRequest, "chatShareId is required")
				}
			} else if req.ChatID == "" {
				return reject(c, fiber.StatusBadRequest, "chatId is required")
			}

			content := sanitizeString(req.Content)
			if content == "" {
				return reject(c, fiber.StatusBadRequest, "content is required")
			}
			if utf8.RuneCountInString(content) > cfg.MaxContentLength {
				cfg.Logger.Warn("Message too long",
					zap.String("ip", c.IP()),
					zap.Int("length", utf8.RuneCountInString(content)),
				)
				return reject(c, fiber.StatusBadRequest, "content exceeds maximum length")
			}
			c.Locals(LocalContent, content)

		case strings.HasSuffix(path, "/documents"):
			if len(c.Body()) > cfg.MaxDocumentSize {
				return reject(c, fiber.StatusRequestEntityTooLarge, "Document content exceeds maximum size")
			}

			var req body
			if err := c.BodyParser(&req); err != nil {
				return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
			}
			if req.WikiID == "" {
				return reject(c, fiber.StatusBadRequest, "wikiId is required")
			}
			if req.URL != "" && !isValidURL(req.URL) {
				return reject(c, fiber.StatusBadRequest, "Invalid URL format")
			}

			content := sanitizeString(req.Content)
			if content == "" && req.URL == "" {
				return reject(c, fiber.StatusBadRequest, "content or url is required")
			}
			c.Locals(LocalContent, content)
		}

		return c.Next()
	}
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func allowedType(contentType string, allowed []string) bool {
	if contentType == "" {
		return false
	}
	for _, t := range allowed {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
