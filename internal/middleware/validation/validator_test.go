package validation

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	echo := func(c *fiber.Ctx) error {
		content, _ := c.Locals(LocalContent).(string)
		return c.SendString(content)
	}
	app.Post("/api/v1/chat/completions", echo)
	app.Post("/api/v1/chat/share/completions", echo)
	app.Post("/api/v1/documents", echo)
	app.Get("/api/v1/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func post(t *testing.T, app *fiber.App, path, contentType, payload string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(payload))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestMiddleware_Completions(t *testing.T) {
	app := newApp(Config{MaxContentLength: 10})

	tests := []struct {
		name    string
		path    string
		payload string
		status  int
		body    string
	}{
		{"valid", "/api/v1/chat/completions", `{"chatId":"a","content":"  hi\u0000 "}`, 200, "hi"},
		{"missing chat id", "/api/v1/chat/completions", `{"content":"hi"}`, 400, ""},
		{"blank content", "/api/v1/chat/completions", `{"chatId":"a","content":"   "}`, 400, ""},
		{"too long", "/api/v1/chat/completions", `{"chatId":"a","content":"01234567890"}`, 400, ""},
		{"multibyte within limit", "/api/v1/chat/completions", `{"chatId":"a","content":"日本語日本語"}`, 200, "日本語日本語"},
		{"share valid", "/api/v1/chat/share/completions", `{"chatShareId":"s","content":"hi"}`, 200, "hi"},
		{"share missing id", "/api/v1/chat/share/completions", `{"chatId":"a","content":"hi"}`, 400, ""},
		{"bad json", "/api/v1/chat/completions", `{`, 400, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := post(t, app, tt.path, fiber.MIMEApplicationJSON, tt.payload)
			assert.Equal(t, tt.status, status)
			if tt.status == 200 {
				assert.Equal(t, tt.body, body)
			}
		})
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	app := newApp(Config{})

	status, _ := post(t, app, "/api/v1/chat/completions", "text/plain", `{"chatId":"a","content":"hi"}`)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)

	status, _ = post(t, app, "/api/v1/chat/completions", "application/json; charset=utf-8", `{"chatId":"a","content":"hi"}`)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestMiddleware_Documents(t *testing.T) {
	app := newApp(Config{MaxDocumentSize: 96})

	status, _ := post(t, app, "/api/v1/documents", fiber.MIMEApplicationJSON, `{"wikiId":"kb","content":"text","url":"https://wiki.example.com/a"}`)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = post(t, app, "/api/v1/documents", fiber.MIMEApplicationJSON, `{"wikiId":"kb","content":"text","url":"ftp://x"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = post(t, app, "/api/v1/documents", fiber.MIMEApplicationJSON, `{"content":"text"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = post(t, app, "/api/v1/documents", fiber.MIMEApplicationJSON, `{"wikiId":"kb","url":"https://wiki.example.com/a"}`)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = post(t, app, "/api/v1/documents", fiber.MIMEApplicationJSON, `{"wikiId":"kb"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = post(t, app, "/api/v1/documents", fiber.MIMEApplicationJSON, `{"wikiId":"kb","content":"`+strings.Repeat("x", 80)+`"}`)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
}

func TestMiddleware_IgnoresGet(t *testing.T) {
	app := newApp(Config{})
	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
