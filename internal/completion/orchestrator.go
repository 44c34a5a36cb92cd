package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/llm"
	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/internal/prompt"
	"github.com/chatwiki/backend/internal/quota"
	"github.com/chatwiki/backend/internal/retrieval"
	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/internal/tokenizer"
	"github.com/chatwiki/backend/pkg/logger"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrShareNotFound       = errors.New("share not found")
	ErrQuotaExhausted      = errors.New("share quota exhausted")
	ErrQuotaInsufficient   = errors.New("share quota insufficient")
	ErrStreamInterrupted   = errors.New("generation stream interrupted")
)

type ApplicationRepository interface {
	GetApplication(ctx context.Context, id string) (*models.ChatApplication, error)
}

type ShareRepository interface {
	GetShare(ctx context.Context, id string) (*models.ChatShare, error)
}

// HistoryRepository pages dialog turns newest page first, each page oldest first.
type HistoryRepository interface {
	ListRecentTurns(ctx context.Context, dialogID string, page, pageSize int) ([]models.DialogTurn, error)
	AppendTurn(ctx context.Context, turn *models.DialogTurn) error
}

type FileRepository interface {
	GetFilesByIDs(ctx context.Context, ids []string) ([]models.FileStorage, error)
}

type Generator interface {
	StreamCompletion(ctx context.Context, model string, messages []prompt.Message) (llm.DeltaStream, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, knowledgeBaseIDs []string, relevanceThreshold float64, limit int) (retrieval.Outcome, error)
}

type Tokenizers interface {
	ForModel(model string) (*tokenizer.Accountant, error)
}

type Quota interface {
	Reserve(ctx context.Context, shareID string, allowance, required int) (quota.Decision, error)
	Charge(ctx context.Context, shareID string, allowance, tokens int) (int64, error)
}

// Repositories groups the storage contracts; sqlite.Client satisfies all of them.
type Repositories struct {
	Applications ApplicationRepository
	Shares       ShareRepository
	History      HistoryRepository
	Files        FileRepository
}

type Options struct {
	HistoryPageSize  int
	PersistHistory   bool
	ChargeCompletion bool
	// RetrievalLimit <= 0 uses the retriever's default.
	RetrievalLimit int
}

type CompletionsInput struct {
	ApplicationID string
	DialogID      string
	Content       string
}

type ShareCompletionsInput struct {
	ShareID  string
	DialogID string
	Content  string
}

const (
	entryApplication = "application"
	entryShare       = "share"
)

type Orchestrator struct {
	repos      Repositories
	retriever  Retriever
	tokenizers Tokenizers
	quota      Quota
	generator  Generator
	opts       Options
	logger     *zap.Logger
}

func NewOrchestrator(repos Repositories, retriever Retriever, tokenizers Tokenizers, q Quota, generator Generator, opts Options) *Orchestrator {
	if opts.HistoryPageSize < 0 {
		opts.HistoryPageSize = 0
	}
	return &Orchestrator{
		repos:      repos,
		retriever:  retriever,
		tokenizers: tokenizers,
		quota:      q,
		generator:  generator,
		opts:       opts,
		logger:     logger.Named("completion"),
	}
}

// Completions answers a message in an application's own dialog.
func (o *Orchestrator) Completions(ctx context.Context, in CompletionsInput) (*Response, error) {
	run := o.newRun(entryApplication, in.DialogID, in.Content)
	run.log = run.log.With(zap.String("application_id", in.ApplicationID))

	app, err := o.resolveApplication(ctx, in.ApplicationID)
	if err != nil {
		return nil, run.fail(err)
	}
	return o.execute(ctx, run, app, nil)
}

// ShareCompletions answers a message sent through a share link. The share's
// token allowance is debited before generation starts.
func (o *Orchestrator) ShareCompletions(ctx context.Context, in ShareCompletionsInput) (*Response, error) {
	run := o.newRun(entryShare, in.DialogID, in.Content)
	run.log = run.log.With(zap.String("share_id", in.ShareID))

	share, err := o.repos.Shares.GetShare(ctx, in.ShareID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrShareNotFound, in.ShareID)
		}
		return nil, run.fail(err)
	}

	app, err := o.resolveApplication(ctx, share.ChatApplicationID)
	if err != nil {
		return nil, run.fail(err)
	}
	return o.execute(ctx, run, app, share)
}

func (o *Orchestrator) resolveApplication(ctx context.Context, id string) (*models.ChatApplication, error) {
	app, err := o.repos.Applications.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
		}
		return nil, err
	}
	return app, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *run, app *models.ChatApplication, share *models.ChatShare) (*Response, error) {
	run.app = app
	run.share = share
	run.enter(StateResolved)

	acc, err := o.tokenizers.ForModel(app.ChatModel)
	if err != nil {
		return nil, run.fail(fmt.Errorf("resolve tokenizer: %w", err))
	}

	question := run.content
	if len(app.WikiIDs) > 0 {
		outcome, err := o.retriever.Retrieve(ctx, run.content, app.WikiIDs, app.Relevancy, o.opts.RetrievalLimit)
		if err != nil {
			return nil, run.fail(err)
		}
		if outcome.Kind == retrieval.Empty {
			run.enter(StateFallback)
			run.finish(StateFallback)
			return newFallbackResponse(app.NoReplyFoundTemplate), nil
		}
		run.enter(StateRetrieved)

		quote := acc.Truncate(outcome.ContextText, app.MaxResponseToken)
		question = prompt.BuildPrompt(app.Template, quote, run.content)
		run.sourceIDs = outcome.SourceFileIDs
	} else {
		run.enter(StateSkipped)
	}

	past, err := o.recentTurns(ctx, run.dialogID)
	if err != nil {
		return nil, run.fail(err)
	}
	messages := prompt.BuildHistory(app.Prompt, past, question)
	run.promptTokens = acc.CountMessages(messages)
	run.acc = acc
	run.enter(StateBudgeted)

	if share != nil {
		d, err := o.quota.Reserve(ctx, share.ID, share.AvailableToken, run.promptTokens)
		if err != nil {
			return nil, run.fail(err)
		}
		if !d.Allowed {
			if d.Reason == quota.ReasonExhausted {
				return nil, run.fail(fmt.Errorf("%w: share %s", ErrQuotaExhausted, share.ID))
			}
			return nil, run.fail(fmt.Errorf("%w: share %s needs %d tokens, has %d", ErrQuotaInsufficient, share.ID, run.promptTokens, d.Balance))
		}
		run.enter(StateQuotaChecked)
	}

	stream, err := o.generator.StreamCompletion(ctx, app.ChatModel, messages)
	if err != nil {
		return nil, run.fail(err)
	}
	run.enter(StateStreaming)

	return newStreamResponse(ctx, o, run, stream), nil
}

func (o *Orchestrator) recentTurns(ctx context.Context, dialogID string) ([]models.DialogTurn, error) {
	if o.opts.HistoryPageSize == 0 || dialogID == "" {
		return nil, nil
	}
	turns, err := o.repos.History.ListRecentTurns(ctx, dialogID, 1, o.opts.HistoryPageSize)
	if err != nil {
		return nil, fmt.Errorf("load dialog history: %w", err)
	}
	return turns, nil
}

// complete runs the side effects of a finished stream and returns the
// provenance to emit, if any.
func (o *Orchestrator) complete(ctx context.Context, run *run, answer string) []models.SourceFile {
	var sources []models.SourceFile
	if run.app.ShowSourceFile && len(run.sourceIDs) > 0 {
		files, err := o.repos.Files.GetFilesByIDs(ctx, run.sourceIDs)
		if err != nil {
			run.log.Warn("Failed to resolve source files", zap.Strings("file_ids", run.sourceIDs), zap.Error(err))
		}
		for _, f := range files {
			sources = append(sources, models.SourceFile{FileID: f.ID, Name: f.Name, FilePath: f.Path})
		}
	}

	answerTokens := run.acc.Count(answer)

	if o.opts.ChargeCompletion && run.share != nil {
		if _, err := o.quota.Charge(ctx, run.share.ID, run.share.AvailableToken, answerTokens); err != nil {
			run.log.Warn("Failed to charge completion tokens", zap.Error(err))
		}
	}

	if o.opts.PersistHistory && run.dialogID != "" {
		o.persist(ctx, run, answer, answerTokens, sources)
	}

	return sources
}

func (o *Orchestrator) persist(ctx context.Context, run *run, answer string, answerTokens int, sources []models.SourceFile) {
	now := time.Now()
	turns := []*models.DialogTurn{
		{
			ChatDialogID:     run.dialogID,
			Content:          run.content,
			Current:          true,
			TokenConsumption: run.promptTokens,
			CreatedAt:        now,
		},
		{
			ChatDialogID:     run.dialogID,
			Content:          answer,
			TokenConsumption: answerTokens,
			SourceFiles:      sources,
			CreatedAt:        now.Add(time.Millisecond),
		},
	}
	for _, turn := range turns {
		turn.ID = newID()
		if err := o.repos.History.AppendTurn(ctx, turn); err != nil {
			run.log.Error("Failed to persist dialog turn", zap.Bool("user", turn.Current), zap.Error(err))
			return
		}
	}
}

// run carries one request through the pipeline states.
type run struct {
	entry    string
	dialogID string
	content  string
	started  time.Time
	state    State
	log      *zap.Logger

	app          *models.ChatApplication
	share        *models.ChatShare
	acc          *tokenizer.Accountant
	sourceIDs    []string
	promptTokens int
}

func (o *Orchestrator) newRun(entry, dialogID, content string) *run {
	return &run{
		entry:    entry,
		dialogID: dialogID,
		content:  content,
		started:  time.Now(),
		log:      o.logger.With(zap.String("entry", entry), zap.String("dialog_id", dialogID)),
	}
}

func (r *run) enter(s State) {
	r.state = s
	r.log.Debug("completion state", zap.String("state", s.String()))
}

func (r *run) fail(err error) error {
	r.finish(StateErrored)
	r.log.Warn("Completion rejected", zap.Error(err))
	return err
}

func (r *run) finish(s State) {
	r.state = s
	elapsed := time.Since(r.started)
	metrics.CompletionTotal.WithLabelValues(r.entry, s.String()).Inc()
	metrics.CompletionDuration.WithLabelValues(r.entry, s.String()).Observe(elapsed.Seconds())
	r.log.Info("Completion finished",
		zap.String("state", s.String()),
		zap.Duration("elapsed", elapsed),
	)
}
