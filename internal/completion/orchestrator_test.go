package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwiki/backend/internal/llm"
	"github.com/chatwiki/backend/internal/prompt"
	"github.com/chatwiki/backend/internal/quota"
	"github.com/chatwiki/backend/internal/retrieval"
	"github.com/chatwiki/backend/internal/storage/models"
	"github.com/chatwiki/backend/internal/tokenizer"
)

type memRepo struct {
	mu    sync.Mutex
	apps  map[string]*models.ChatApplication
	share map[string]*models.ChatShare
	turns map[string][]models.DialogTurn
	files map[string]models.FileStorage
}

func newMemRepo() *memRepo {
	return &memRepo{
		apps:  map[string]*models.ChatApplication{},
		share: map[string]*models.ChatShare{},
		turns: map[string][]models.DialogTurn{},
		files: map[string]models.FileStorage{},
	}
}

func (m *memRepo) GetApplication(_ context.Context, id string) (*models.ChatApplication, error) {
	if app, ok := m.apps[id]; ok {
		return app, nil
	}
	return nil, fmt.Errorf("application %s: %w", id, models.ErrNotFound)
}

func (m *memRepo) GetShare(_ context.Context, id string) (*models.ChatShare, error) {
	if s, ok := m.share[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("share %s: %w", id, models.ErrNotFound)
}

func (m *memRepo) ListRecentTurns(_ context.Context, dialogID string, page, pageSize int) ([]models.DialogTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[dialogID]
	start := max(len(all)-page*pageSize, 0)
	end := max(len(all)-(page-1)*pageSize, 0)
	return append([]models.DialogTurn(nil), all[start:end]...), nil
}

func (m *memRepo) AppendTurn(_ context.Context, turn *models.DialogTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.ChatDialogID] = append(m.turns[turn.ChatDialogID], *turn)
	return nil
}

func (m *memRepo) GetFilesByIDs(_ context.Context, ids []string) ([]models.FileStorage, error) {
	var out []models.FileStorage
	for _, id := range ids {
		if f, ok := m.files[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

type fakeSearcher struct {
	matches []models.RetrievalMatch
	calls   int
}

func (f *fakeSearcher) Search(context.Context, retrieval.SearchRequest) ([]models.RetrievalMatch, error) {
	f.calls++
	return f.matches, nil
}

type fakeStream struct {
	ctx    context.Context
	deltas []string
	err    error
	hang   bool
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}
	if s.hang {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeGenerator struct {
	deltas   []string
	err      error
	hang     bool
	calls    int
	model    string
	messages []prompt.Message
	stream   *fakeStream
}

func (g *fakeGenerator) StreamCompletion(ctx context.Context, model string, messages []prompt.Message) (llm.DeltaStream, error) {
	g.calls++
	g.model = model
	g.messages = messages
	g.stream = &fakeStream{ctx: ctx, deltas: append([]string(nil), g.deltas...), err: g.err, hang: g.hang}
	return g.stream, nil
}

type fixture struct {
	repo     *memRepo
	searcher *fakeSearcher
	gen      *fakeGenerator
	ledger   *quota.Ledger
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg, err := tokenizer.NewRegistry(tokenizer.DefaultEncoding)
	require.NoError(t, err)

	f := &fixture{
		repo:     newMemRepo(),
		searcher: &fakeSearcher{},
		gen:      &fakeGenerator{deltas: []string{"Paris", " is the capital."}},
		ledger:   quota.NewLedger(quota.NewMemoryStore()),
	}
	repos := Repositories{Applications: f.repo, Shares: f.repo, History: f.repo, Files: f.repo}
	gate := retrieval.NewGate(f.searcher, "", 0)
	f.orch = NewOrchestrator(repos, gate, reg, f.ledger, f.gen, opts)
	return f
}

func groundedApp() *models.ChatApplication {
	return &models.ChatApplication{
		ID:                   "app-1",
		WikiIDs:              []string{"kb-1"},
		Relevancy:            0.5,
		MaxResponseToken:     200,
		Template:             "Context: {{quote}}\nQ: {{question}}",
		NoReplyFoundTemplate: "I don't know.",
		ShowSourceFile:       true,
		ChatModel:            "gpt-3.5-turbo",
	}
}

func collect(t *testing.T, resp *Response) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := resp.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestCompletions_GroundedAnswerEndsWithProvenance(t *testing.T) {
	f := newFixture(t, Options{HistoryPageSize: 3, PersistHistory: true})
	f.repo.apps["app-1"] = groundedApp()
	f.repo.files["42"] = models.FileStorage{ID: "42", Name: "france.md", Path: "/wiki/france.md"}
	f.searcher.matches = []models.RetrievalMatch{{
		Relevance: 0.8,
		Partitions: []models.Partition{{
			Text: "Paris is the capital of France.",
			Tags: map[string][]string{retrieval.TagFileID: {"42"}, retrieval.TagWikiID: {"kb-1"}},
		}},
	}}

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{
		ApplicationID: "app-1",
		DialogID:      "d-1",
		Content:       "What is the capital of France?",
	})
	require.NoError(t, err)
	defer resp.Close()

	chunks, err := collect(t, resp)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Paris", chunks[0].Content)
	assert.Equal(t, " is the capital.", chunks[1].Content)
	assert.True(t, chunks[2].IsProvenance())
	assert.Equal(t, []models.SourceFile{{FileID: "42", Name: "france.md", FilePath: "/wiki/france.md"}}, chunks[2].SourceFiles)
	assert.Equal(t, StateCompleted, resp.State())

	require.Len(t, f.gen.messages, 1)
	last := f.gen.messages[0]
	assert.Equal(t, prompt.RoleUser, last.Role)
	assert.Equal(t, "Context: Paris is the capital of France.\nQ: What is the capital of France?", last.Content)
	assert.Equal(t, "gpt-3.5-turbo", f.gen.model)
	assert.True(t, f.gen.stream.closed)

	turns := f.repo.turns["d-1"]
	require.Len(t, turns, 2)
	assert.True(t, turns[0].Current)
	assert.Equal(t, "What is the capital of France?", turns[0].Content)
	assert.False(t, turns[1].Current)
	assert.Equal(t, "Paris is the capital.", turns[1].Content)
	assert.Len(t, turns[1].SourceFiles, 1)
	assert.Positive(t, turns[1].TokenConsumption)
}

func TestCompletions_NoSourcesWhenHidden(t *testing.T) {
	f := newFixture(t, Options{HistoryPageSize: 3})
	app := groundedApp()
	app.ShowSourceFile = false
	f.repo.apps[app.ID] = app
	f.repo.files["42"] = models.FileStorage{ID: "42", Name: "france.md"}
	f.searcher.matches = []models.RetrievalMatch{{
		Relevance:  0.8,
		Partitions: []models.Partition{{Text: "Paris.", Tags: map[string][]string{retrieval.TagFileID: {"42"}}}},
	}}

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: app.ID, Content: "q"})
	require.NoError(t, err)

	chunks, err := collect(t, resp)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.False(t, c.IsProvenance())
	}
}

func TestCompletions_EmptyRetrievalReturnsFallback(t *testing.T) {
	f := newFixture(t, Options{HistoryPageSize: 3, PersistHistory: true})
	f.repo.apps["app-1"] = groundedApp()

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: "app-1", DialogID: "d-1", Content: "Who?"})
	require.NoError(t, err)

	chunks, err := collect(t, resp)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{{Content: "I don't know."}}, chunks)
	assert.Equal(t, StateFallback, resp.State())
	assert.Zero(t, f.gen.calls)
	assert.Empty(t, f.repo.turns["d-1"])
	require.NoError(t, resp.Close())
}

func TestCompletions_EmptyFallbackTemplate(t *testing.T) {
	f := newFixture(t, Options{})
	app := groundedApp()
	app.NoReplyFoundTemplate = ""
	f.repo.apps[app.ID] = app

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: app.ID, Content: "Who?"})
	require.NoError(t, err)

	chunks, err := collect(t, resp)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{{Content: ""}}, chunks)
	assert.Zero(t, f.gen.calls)
}

func TestCompletions_NoKnowledgeBaseSkipsRetrieval(t *testing.T) {
	f := newFixture(t, Options{HistoryPageSize: 3})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain", Prompt: "You are helpful."}

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: "plain", Content: "hello"})
	require.NoError(t, err)

	chunks, err := collect(t, resp)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Zero(t, f.searcher.calls)

	require.Len(t, f.gen.messages, 2)
	assert.Equal(t, prompt.Message{Role: prompt.RoleSystem, Content: "You are helpful."}, f.gen.messages[0])
	assert.Equal(t, prompt.Message{Role: prompt.RoleUser, Content: "hello"}, f.gen.messages[1])
}

func TestCompletions_HistoryWindowOldestFirst(t *testing.T) {
	f := newFixture(t, Options{HistoryPageSize: 3})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}
	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		f.repo.turns["d-1"] = append(f.repo.turns["d-1"], models.DialogTurn{Content: content, Current: i%2 == 0})
	}

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: "plain", DialogID: "d-1", Content: "q3"})
	require.NoError(t, err)
	_, err = collect(t, resp)
	require.NoError(t, err)

	require.Len(t, f.gen.messages, 4)
	assert.Equal(t, prompt.Message{Role: prompt.RoleAssistant, Content: "a1"}, f.gen.messages[0])
	assert.Equal(t, prompt.Message{Role: prompt.RoleUser, Content: "q2"}, f.gen.messages[1])
	assert.Equal(t, prompt.Message{Role: prompt.RoleAssistant, Content: "a2"}, f.gen.messages[2])
	assert.Equal(t, prompt.Message{Role: prompt.RoleUser, Content: "q3"}, f.gen.messages[3])
}

func TestCompletions_ApplicationNotFound(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: "missing", Content: "hi"})
	require.ErrorIs(t, err, ErrApplicationNotFound)
	assert.Zero(t, f.searcher.calls)
	assert.Zero(t, f.gen.calls)
}

func TestShareCompletions_ShareNotFound(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.orch.ShareCompletions(context.Background(), ShareCompletionsInput{ShareID: "nope", Content: "hi"})
	require.ErrorIs(t, err, ErrShareNotFound)
	assert.Zero(t, f.gen.calls)
}

func TestShareCompletions_InsufficientQuotaKeepsBalance(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}
	f.repo.share["s-1"] = &models.ChatShare{ID: "s-1", ChatApplicationID: "plain", AvailableToken: 10}

	content := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen"
	_, err := f.orch.ShareCompletions(context.Background(), ShareCompletionsInput{ShareID: "s-1", Content: content})
	require.ErrorIs(t, err, ErrQuotaInsufficient)
	assert.Zero(t, f.gen.calls)

	balance, err := f.ledger.Balance(context.Background(), "s-1", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)
}

func TestShareCompletions_ExhaustedShareBlocked(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}
	f.repo.share["s-1"] = &models.ChatShare{ID: "s-1", ChatApplicationID: "plain", AvailableToken: 10}

	_, err := f.ledger.Charge(context.Background(), "s-1", 10, 25)
	require.NoError(t, err)

	_, err = f.orch.ShareCompletions(context.Background(), ShareCompletionsInput{ShareID: "s-1", Content: "hi"})
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Zero(t, f.gen.calls)
}

func TestShareCompletions_DebitsBeforeGeneration(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}
	f.repo.share["s-1"] = &models.ChatShare{ID: "s-1", ChatApplicationID: "plain", AvailableToken: 100}

	resp, err := f.orch.ShareCompletions(context.Background(), ShareCompletionsInput{ShareID: "s-1", Content: "hello world"})
	require.NoError(t, err)
	defer resp.Close()

	balance, err := f.ledger.Balance(context.Background(), "s-1", 100)
	require.NoError(t, err)
	assert.EqualValues(t, 98, balance)
}

func TestShareCompletions_UnlimitedShare(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}
	f.repo.share["s-1"] = &models.ChatShare{ID: "s-1", ChatApplicationID: "plain"}

	resp, err := f.orch.ShareCompletions(context.Background(), ShareCompletionsInput{ShareID: "s-1", Content: "hello"})
	require.NoError(t, err)
	chunks, err := collect(t, resp)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestShareCompletions_ChargesAnswerWhenEnabled(t *testing.T) {
	f := newFixture(t, Options{ChargeCompletion: true})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}
	f.repo.share["s-1"] = &models.ChatShare{ID: "s-1", ChatApplicationID: "plain", AvailableToken: 100}
	f.gen.deltas = []string{"hello", " world"}

	resp, err := f.orch.ShareCompletions(context.Background(), ShareCompletionsInput{ShareID: "s-1", Content: "hello world"})
	require.NoError(t, err)
	_, err = collect(t, resp)
	require.NoError(t, err)

	balance, err := f.ledger.Balance(context.Background(), "s-1", 100)
	require.NoError(t, err)
	assert.EqualValues(t, 96, balance)
}

func TestResponse_CancelStopsStream(t *testing.T) {
	f := newFixture(t, Options{HistoryPageSize: 3, PersistHistory: true})
	app := groundedApp()
	f.repo.apps[app.ID] = app
	f.repo.files["42"] = models.FileStorage{ID: "42", Name: "france.md"}
	f.searcher.matches = []models.RetrievalMatch{{
		Relevance:  0.9,
		Partitions: []models.Partition{{Text: "Paris.", Tags: map[string][]string{retrieval.TagFileID: {"42"}}}},
	}}
	f.gen.deltas = []string{"Par"}
	f.gen.hang = true

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := f.orch.Completions(ctx, CompletionsInput{ApplicationID: app.ID, DialogID: "d-1", Content: "q"})
	require.NoError(t, err)

	c, err := resp.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Par", c.Content)

	cancel()
	_, err = resp.Recv()
	require.ErrorIs(t, err, context.Canceled)
	_, err = resp.Recv()
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StateCancelled, resp.State())
	assert.True(t, f.gen.stream.closed)
	assert.Empty(t, f.repo.turns["d-1"])
}

func TestResponse_CloseBeforeEndCancels(t *testing.T) {
	f := newFixture(t, Options{PersistHistory: true})
	f.repo.apps["plain"] = &models.ChatApplication{ID: "plain"}

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: "plain", DialogID: "d-1", Content: "q"})
	require.NoError(t, err)

	_, err = resp.Recv()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	_, err = resp.Recv()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, resp.State())
	assert.Empty(t, f.repo.turns["d-1"])
}

func TestResponse_MidStreamFailure(t *testing.T) {
	f := newFixture(t, Options{PersistHistory: true})
	app := groundedApp()
	f.repo.apps[app.ID] = app
	f.repo.files["42"] = models.FileStorage{ID: "42", Name: "france.md"}
	f.searcher.matches = []models.RetrievalMatch{{
		Relevance:  0.9,
		Partitions: []models.Partition{{Text: "Paris.", Tags: map[string][]string{retrieval.TagFileID: {"42"}}}},
	}}
	f.gen.deltas = []string{"Par"}
	f.gen.err = errors.New("connection reset")

	resp, err := f.orch.Completions(context.Background(), CompletionsInput{ApplicationID: app.ID, DialogID: "d-1", Content: "q"})
	require.NoError(t, err)

	chunks, err := collect(t, resp)
	require.ErrorIs(t, err, ErrStreamInterrupted)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Par", chunks[0].Content)
	assert.Equal(t, StateErrored, resp.State())
	assert.True(t, f.gen.stream.closed)
	assert.Empty(t, f.repo.turns["d-1"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "quota_checked", StateQuotaChecked.String())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
