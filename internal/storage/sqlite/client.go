package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if strings.Contains(dbPath, ":memory:") {
		// every pooled connection would get its own empty in-memory database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_applications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		wiki_ids TEXT NOT NULL DEFAULT '[]',
		relevancy REAL NOT NULL DEFAULT 0,
		max_response_token INTEGER NOT NULL DEFAULT 0,
		template TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		no_reply_found_template TEXT NOT NULL DEFAULT '',
		show_source_file INTEGER NOT NULL DEFAULT 0,
		chat_model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_shares (
		id TEXT PRIMARY KEY,
		chat_application_id TEXT NOT NULL,
		available_token INTEGER NOT NULL DEFAULT 0,
		creator TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (chat_application_id) REFERENCES chat_applications(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_shares_application ON chat_shares(chat_application_id);

	CREATE TABLE IF NOT EXISTS chat_dialogs (
		id TEXT PRIMARY KEY,
		chat_application_id TEXT NOT NULL,
		chat_share_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (chat_application_id) REFERENCES chat_applications(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_dialogs_application ON chat_dialogs(chat_application_id);
	CREATE INDEX IF NOT EXISTS idx_dialogs_share ON chat_dialogs(chat_share_id);

	CREATE TABLE IF NOT EXISTS chat_dialog_histories (
		id TEXT PRIMARY KEY,
		chat_dialog_id TEXT NOT NULL,
		content TEXT NOT NULL,
		current INTEGER NOT NULL,
		token_consumption INTEGER NOT NULL DEFAULT 0,
		source_files TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_histories_dialog ON chat_dialog_histories(chat_dialog_id, created_at);

	CREATE TABLE IF NOT EXISTS file_storages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wiki_chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		wiki_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (file_id) REFERENCES file_storages(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON wiki_chunks(file_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_wiki ON wiki_chunks(wiki_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertApplication(ctx context.Context, app *models.ChatApplication) error {
	wikiIDs, err := json.Marshal(nonNil(app.WikiIDs))
	if err != nil {
		return fmt.Errorf("failed to encode wiki ids: %w", err)
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO chat_applications (id, name, wiki_ids, relevancy, max_response_token, template, prompt,
			no_reply_found_template, show_source_file, chat_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			wiki_ids = excluded.wiki_ids,
			relevancy = excluded.relevancy,
			max_response_token = excluded.max_response_token,
			template = excluded.template,
			prompt = excluded.prompt,
			no_reply_found_template = excluded.no_reply_found_template,
			show_source_file = excluded.show_source_file,
			chat_model = excluded.chat_model
	`

	_, err = c.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		string(wikiIDs),
		app.Relevancy,
		app.MaxResponseToken,
		app.Template,
		app.Prompt,
		app.NoReplyFoundTemplate,
		boolToInt(app.ShowSourceFile),
		app.ChatModel,
		app.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert application: %w", err)
	}

	logger.Debug("Application stored", zap.String("application_id", app.ID))
	return nil
}

func (c *Client) GetApplication(ctx context.Context, id string) (*models.ChatApplication, error) {
	query := `
		SELECT id, name, wiki_ids, relevancy, max_response_token, template, prompt,
			no_reply_found_template, show_source_file, chat_model, created_at
		FROM chat_applications WHERE id = ?
	`

	var app models.ChatApplication
	var wikiIDs string
	var showSource int
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&app.ID,
		&app.Name,
		&wikiIDs,
		&app.Relevancy,
		&app.MaxResponseToken,
		&app.Template,
		&app.Prompt,
		&app.NoReplyFoundTemplate,
		&showSource,
		&app.ChatModel,
		&createdAt,
	)
	if err != nil {
		return nil, notFound("application", err)
	}

	if err := json.Unmarshal([]byte(wikiIDs), &app.WikiIDs); err != nil {
		return nil, fmt.Errorf("failed to decode wiki ids of application %s: %w", id, err)
	}
	app.ShowSourceFile = showSource != 0
	app.CreatedAt = time.Unix(createdAt, 0)

	return &app, nil
}

func (c *Client) UpsertShare(ctx context.Context, share *models.ChatShare) error {
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO chat_shares (id, chat_application_id, available_token, creator, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_application_id = excluded.chat_application_id,
			available_token = excluded.available_token,
			creator = excluded.creator
	`

	_, err := c.db.ExecContext(ctx, query,
		share.ID,
		share.ChatApplicationID,
		share.AvailableToken,
		share.Creator,
		share.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert share: %w", err)
	}

	return nil
}

func (c *Client) GetShare(ctx context.Context, id string) (*models.ChatShare, error) {
	query := `SELECT id, chat_application_id, available_token, creator, created_at FROM chat_shares WHERE id = ?`

	var share models.ChatShare
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&share.ID,
		&share.ChatApplicationID,
		&share.AvailableToken,
		&share.Creator,
		&createdAt,
	)
	if err != nil {
		return nil, notFound("share", err)
	}

	share.CreatedAt = time.Unix(createdAt, 0)
	return &share, nil
}

func (c *Client) CreateDialog(ctx context.Context, dialog *models.ChatDialog) error {
	if dialog.CreatedAt.IsZero() {
		dialog.CreatedAt = time.Now()
	}

	var shareID sql.NullString
	if dialog.ChatShareID != "" {
		shareID = sql.NullString{String: dialog.ChatShareID, Valid: true}
	}

	query := `INSERT INTO chat_dialogs (id, chat_application_id, chat_share_id, name, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		dialog.ID,
		dialog.ChatApplicationID,
		shareID,
		dialog.Name,
		string(dialog.Type),
		dialog.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create dialog: %w", err)
	}

	return nil
}

func (c *Client) GetDialog(ctx context.Context, id string) (*models.ChatDialog, error) {
	query := `SELECT id, chat_application_id, chat_share_id, name, type, created_at FROM chat_dialogs WHERE id = ?`

	var d models.ChatDialog
	var shareID sql.NullString
	var dialogType string
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.ChatApplicationID, &shareID, &d.Name, &dialogType, &createdAt)
	if err != nil {
		return nil, notFound("dialog", err)
	}

	d.ChatShareID = shareID.String
	d.Type = models.DialogType(dialogType)
	d.CreatedAt = time.Unix(createdAt, 0)
	return &d, nil
}

func (c *Client) AppendTurn(ctx context.Context, turn *models.DialogTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	var sources sql.NullString
	if len(turn.SourceFiles) > 0 {
		raw, err := json.Marshal(turn.SourceFiles)
		if err != nil {
			return fmt.Errorf("failed to encode source files: %w", err)
		}
		sources = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO chat_dialog_histories (id, chat_dialog_id, content, current, token_consumption, source_files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		turn.ID,
		turn.ChatDialogID,
		turn.Content,
		boolToInt(turn.Current),
		turn.TokenConsumption,
		sources,
		turn.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append dialog turn: %w", err)
	}

	return nil
}

// ListRecentTurns returns page (1-based) of the dialog's turns counted from
// the newest, ordered oldest first within the page.
func (c *Client) ListRecentTurns(ctx context.Context, dialogID string, page, pageSize int) ([]models.DialogTurn, error) {
	if pageSize <= 0 {
		return nil, nil
	}
	if page < 1 {
		page = 1
	}

	query := `
		SELECT id, chat_dialog_id, content, current, token_consumption, source_files, created_at
		FROM chat_dialog_histories
		WHERE chat_dialog_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := c.db.QueryContext(ctx, query, dialogID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialog turns: %w", err)
	}
	defer rows.Close()

	var turns []models.DialogTurn
	for rows.Next() {
		var t models.DialogTurn
		var current int
		var sources sql.NullString
		var createdAt int64

		if err := rows.Scan(&t.ID, &t.ChatDialogID, &t.Content, &current, &t.TokenConsumption, &sources, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		t.Current = current != 0
		t.CreatedAt = time.UnixMilli(createdAt)
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &t.SourceFiles); err != nil {
				logger.Warn("Dropping undecodable source files", zap.String("turn_id", t.ID), zap.Error(err))
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dialog turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (c *Client) CountTurns(ctx context.Context, dialogID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_dialog_histories WHERE chat_dialog_id = ?`, dialogID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dialog turns: %w", err)
	}
	return n, nil
}

func (c *Client) InsertFile(ctx context.Context, file *models.FileStorage) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO file_storages (id, name, path, size, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, path = excluded.path, size = excluded.size
	`

	_, err := c.db.ExecContext(ctx, query, file.ID, file.Name, file.Path, file.Size, file.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}

	logger.Debug("File stored", zap.String("file_id", file.ID), zap.String("name", file.Name))
	return nil
}

// GetFilesByIDs returns the files found, in the order of ids. Unknown ids are
// skipped.
func (c *Client) GetFilesByIDs(ctx context.Context, ids []string) ([]models.FileStorage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `SELECT id, name, path, size, created_at FROM file_storages WHERE id IN (` + placeholders + `)`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get files: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.FileStorage, len(ids))
	for rows.Next() {
		var f models.FileStorage
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.Name, &f.Path, &f.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		f.CreatedAt = time.Unix(createdAt, 0)
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}

	files := make([]models.FileStorage, 0, len(byID))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			files = append(files, f)
			delete(byID, id)
		}
	}
	return files, nil
}

func (c *Client) InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO wiki_chunks (id, file_id, wiki_id, chunk_index, text, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, ch := range chunks {
		created := ch.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.FileID, ch.WikiID, ch.ChunkIndex, ch.Text, ch.TokenCount, created.Unix()); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func (c *Client) ListChunks(ctx context.Context, fileID string) ([]models.DocumentChunk, error) {
	query := `
		SELECT id, file_id, wiki_id, chunk_index, text, token_count, created_at
		FROM wiki_chunks WHERE file_id = ? ORDER BY chunk_index
	`

	rows, err := c.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.DocumentChunk
	for rows.Next() {
		var ch models.DocumentChunk
		var createdAt int64
		if err := rows.Scan(&ch.ID, &ch.FileID, &ch.WikiID, &ch.ChunkIndex, &ch.Text, &ch.TokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ch.CreatedAt = time.Unix(createdAt, 0)
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
