package ingestion

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/pkg/logger"
)

var ErrFetch = errors.New("document fetch failed")

// URLFetcher downloads the source of a document given only by URL.
type URLFetcher interface {
	Fetch(ctx context.Context, url string) (content, contentType string, err error)
}

type FetcherConfig struct {
	Timeout     time.Duration
	MaxBodySize int
	UserAgent   string
	// Dial overrides the network dialer, mainly for tests.
	Dial fasthttp.DialFunc
}

type Fetcher struct {
	client *fasthttp.Client
	logger *zap.Logger
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 * 1024 * 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "chatwiki-ingest/1.0"
	}
	return &Fetcher{
		client: &fasthttp.Client{
			Name:                cfg.UserAgent,
			MaxResponseBodySize: cfg.MaxBodySize,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			Dial:                cfg.Dial,
		},
		logger: logger.Named("fetcher"),
	}
}

// Fetch GETs url and returns its body with the media type reported by the
// server, following redirects.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	start := time.Now()
	if err := f.client.DoRedirects(req, resp, 5); err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", "", fmt.Errorf("%w: %s: status %d", ErrFetch, url, resp.StatusCode())
	}

	contentType := ContentTypePlain
	if mt, _, err := mime.ParseMediaType(string(resp.Header.ContentType())); err == nil && strings.Contains(mt, "html") {
		contentType = ContentTypeHTML
	}

	f.logger.Info("Fetched document",
		zap.String("url", url),
		zap.Int("bytes", len(resp.Body())),
		zap.Duration("elapsed", time.Since(start)),
	)

	return string(resp.Body()), contentType, nil
}
