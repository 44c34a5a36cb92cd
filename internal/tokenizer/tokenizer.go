package tokenizer

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/prompt"
	"github.com/chatwiki/backend/pkg/logger"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var ErrUnavailable = errors.New("tokenizer unavailable")

const DefaultEncoding = "cl100k_base"

// Accountant counts and truncates text with one BPE encoding.
type Accountant struct {
	name string
	enc  *tiktoken.Tiktoken
}

// Name is the encoding or model the accountant was resolved for.
func (a *Accountant) Name() string { return a.name }

func (a *Accountant) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(a.enc.Encode(text, nil, nil))
}

// Truncate returns the longest token-aligned prefix of text that fits in
// maxTokens. Text already within budget is returned unchanged.
func (a *Accountant) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	tokens := a.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}

	for n := maxTokens; n > 0; n-- {
		out := trimPartialRune(a.enc.Decode(tokens[:n]))
		if out != "" && a.Count(out) <= maxTokens {
			return out
		}
	}
	return ""
}

// CountMessages is the token cost of a message list: the sum of the content
// tokens of every message.
func (a *Accountant) CountMessages(msgs []prompt.Message) int {
	total := 0
	for _, m := range msgs {
		total += a.Count(m.Content)
	}
	return total
}

// trimPartialRune drops a trailing incomplete UTF-8 sequence left when a
// multi-byte character spans several tokens.
func trimPartialRune(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// Registry resolves the accountant for a model name and caches it.
type Registry struct {
	defaultEncoding string
	fallback        *Accountant

	mu      sync.Mutex
	byModel map[string]*Accountant
}

// NewRegistry loads the default encoding eagerly so a broken tokenizer setup
// fails at startup.
func NewRegistry(defaultEncoding string) (*Registry, error) {
	if defaultEncoding == "" {
		defaultEncoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %v", ErrUnavailable, defaultEncoding, err)
	}
	return &Registry{
		defaultEncoding: defaultEncoding,
		fallback:        &Accountant{name: defaultEncoding, enc: enc},
		byModel:         make(map[string]*Accountant),
	}, nil
}

func (r *Registry) Default() *Accountant {
	return r.fallback
}

// ForModel returns the accountant for model. Models tiktoken does not know
// use the default encoding.
func (r *Registry) ForModel(model string) (*Accountant, error) {
	if model == "" {
		return r.fallback, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if acc, ok := r.byModel[model]; ok {
		return acc, nil
	}

	acc := r.fallback
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		acc = &Accountant{name: model, enc: enc}
	} else {
		logger.Debug("Unknown model, using default encoding",
			zap.String("model", model),
			zap.String("encoding", r.defaultEncoding),
			zap.Error(err),
		)
	}

	r.byModel[model] = acc
	return acc, nil
}
