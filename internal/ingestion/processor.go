package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/internal/tokenizer"
	"github.com/chatwiki/backend/internal/vector"
	"github.com/chatwiki/backend/pkg/logger"
)

var ErrEmptyDocument = errors.New("no content extracted from document")

var whitespace = regexp.MustCompile(`\s+`)

const (
	ContentTypeHTML  = "text/html"
	ContentTypePlain = "text/plain"
)

type FileStore interface {
	InsertFile(ctx context.Context, file *models.FileStorage) error
	InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error
}

type Document struct {
	WikiID string
	// FileID replaces an earlier ingestion of the same file; empty assigns a new id.
	FileID      string
	Name        string
	Path        string
	ContentType string
	Content     string
}

type Result struct {
	FileID string
	Name   string
	Chunks int
	Tokens int
}

type Options struct {
	Collection     string
	ChunkTokens    int
	Workers        int
	EmbeddingBatch int
	// Fetcher loads documents that arrive with a URL path and no content.
	Fetcher URLFetcher
}

type Processor struct {
	files    FileStore
	index    vector.Index
	embedder vector.Embedder
	acc      *tokenizer.Accountant
	opts     Options
	logger   *zap.Logger
}

func NewProcessor(files FileStore, index vector.Index, embedder vector.Embedder, acc *tokenizer.Accountant, opts Options) *Processor {
	if opts.ChunkTokens <= 0 {
		opts.ChunkTokens = 300
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.EmbeddingBatch <= 0 {
		opts.EmbeddingBatch = 16
	}
	return &Processor{
		files:    files,
		index:    index,
		embedder: embedder,
		acc:      acc,
		opts:     opts,
		logger:   logger.Named("ingestion"),
	}
}

// Process extracts the document text, splits it into token-bounded chunks,
// embeds them and writes file metadata, chunks and vectors.
func (p *Processor) Process(ctx context.Context, doc Document) (*Result, error) {
	res, err := p.process(ctx, doc)
	if err != nil {
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.DocumentsProcessed.WithLabelValues("success").Inc()
	metrics.ChunksIndexed.Add(float64(res.Chunks))
	return res, nil
}

func (p *Processor) process(ctx context.Context, doc Document) (*Result, error) {
	if doc.WikiID == "" {
		return nil, fmt.Errorf("document has no wiki id")
	}

	if strings.TrimSpace(doc.Content) == "" && p.opts.Fetcher != nil && isRemote(doc.Path) {
		content, contentType, err := p.opts.Fetcher.Fetch(ctx, doc.Path)
		if err != nil {
			return nil, err
		}
		doc.Content = content
		if doc.ContentType == "" {
			doc.ContentType = contentType
		}
	}

	text, title := doc.Content, ""
	if doc.ContentType == ContentTypeHTML {
		text, title = cleanHTML(doc.Content)
	} else {
		text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	}
	if text == "" {
		return nil, ErrEmptyDocument
	}

	name := doc.Name
	if name == "" {
		name = title
	}
	if name == "" {
		name = "Untitled"
	}

	fileID := doc.FileID
	if fileID == "" {
		fileID = uuid.New().String()
	}

	log := p.logger.With(zap.String("file_id", fileID), zap.String("wiki_id", doc.WikiID))
	log.Info("Processing document", zap.String("name", name))

	texts := p.chunkText(text)
	log.Info("Document chunked", zap.Int("chunks", len(texts)))

	embeddings, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	now := time.Now()
	vecChunks := make([]vector.Chunk, len(texts))
	dbChunks := make([]models.DocumentChunk, len(texts))
	tokens := 0
	for i, t := range texts {
		id := uuid.New().String()
		count := p.acc.Count(t)
		tokens += count

		vecChunks[i] = vector.Chunk{
			ID:        id,
			WikiID:    doc.WikiID,
			FileID:    fileID,
			Index:     i,
			Text:      t,
			Embedding: embeddings[i],
			CreatedAt: now,
		}
		dbChunks[i] = models.DocumentChunk{
			ID:         id,
			FileID:     fileID,
			WikiID:     doc.WikiID,
			ChunkIndex: i,
			Text:       t,
			TokenCount: count,
			CreatedAt:  now,
		}
	}

	if doc.FileID != "" {
		if err := p.index.DeleteFile(ctx, p.opts.Collection, fileID); err != nil {
			return nil, fmt.Errorf("failed to drop previous chunks: %w", err)
		}
	}
	if err := p.index.Upsert(ctx, p.opts.Collection, vecChunks); err != nil {
		return nil, fmt.Errorf("failed to insert into vector DB: %w", err)
	}

	file := &models.FileStorage{
		ID:        fileID,
		Name:      name,
		Path:      doc.Path,
		Size:      int64(len(doc.Content)),
		CreatedAt: now,
	}
	if err := p.files.InsertFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to insert file: %w", err)
	}
	if err := p.files.InsertChunks(ctx, dbChunks); err != nil {
		return nil, fmt.Errorf("failed to insert chunks: %w", err)
	}

	log.Info("Document processed successfully", zap.Int("chunks", len(texts)), zap.Int("tokens", tokens))

	return &Result{FileID: fileID, Name: name, Chunks: len(texts), Tokens: tokens}, nil
}

// embed runs embedding batches concurrently and keeps chunk order.
func (p *Processor) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	wp := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(p.opts.Workers)

	for start := 0; start < len(texts); start += p.opts.EmbeddingBatch {
		end := min(start+p.opts.EmbeddingBatch, len(texts))
		wp.Go(func(ctx context.Context) error {
			embs, err := p.embedder.EmbedBatch(ctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(embs) != end-start {
				return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embs), end-start)
			}
			copy(out[start:end], embs)
			return nil
		})
	}

	if err := wp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// chunkText packs whole sentences into chunks of at most ChunkTokens tokens.
// Sentences longer than the budget are split on token boundaries.
func (p *Processor) chunkText(text string) []string {
	var chunks []string
	current := ""

	for _, sentence := range sentences(text) {
		for _, piece := range p.splitLong(sentence) {
			if current == "" {
				current = piece
				continue
			}
			if joined := current + " " + piece; p.acc.Count(joined) <= p.opts.ChunkTokens {
				current = joined
				continue
			}
			chunks = append(chunks, current)
			current = piece
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}

	return chunks
}

func (p *Processor) splitLong(sentence string) []string {
	if p.acc.Count(sentence) <= p.opts.ChunkTokens {
		return []string{sentence}
	}

	var parts []string
	rest := sentence
	for rest != "" {
		head := p.acc.Truncate(rest, p.opts.ChunkTokens)
		if head == "" {
			parts = append(parts, rest)
			break
		}
		if h := strings.TrimSpace(head); h != "" {
			parts = append(parts, h)
		}
		rest = strings.TrimSpace(rest[len(head):])
	}
	return parts
}

func sentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return []string{text}
	}

	var out []string
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// cleanHTML returns the visible body text and the page title.
func cleanHTML(html string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	text := whitespace.ReplaceAllString(doc.Find("body").Text(), " ")
	return strings.TrimSpace(text), title
}
