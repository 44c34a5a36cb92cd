package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/llm"
	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/internal/storage/models"
)

type State int

const (
	StateResolved State = iota
	StateRetrieved
	StateSkipped
	StateFallback
	StateBudgeted
	StateQuotaChecked
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

var stateNames = [...]string{
	StateResolved:     "resolved",
	StateRetrieved:    "retrieved",
	StateSkipped:      "skipped",
	StateFallback:     "fallback",
	StateBudgeted:     "budgeted",
	StateQuotaChecked: "quota_checked",
	StateStreaming:    "streaming",
	StateCompleted:    "completed",
	StateErrored:      "errored",
	StateCancelled:    "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) Terminal() bool {
	switch s {
	case StateFallback, StateCompleted, StateErrored, StateCancelled:
		return true
	}
	return false
}

// Chunk is either generated text or, as the last chunk only, the source files
// the answer was grounded on.
type Chunk struct {
	Content     string
	SourceFiles []models.SourceFile
}

func (c Chunk) IsProvenance() bool {
	return c.SourceFiles != nil
}

// Response yields the chunks of one answer. Recv returns io.EOF after the
// last chunk. It is not safe for concurrent Recv calls.
type Response struct {
	ctx    context.Context
	o      *Orchestrator
	run    *run
	stream llm.DeltaStream

	pending []Chunk
	answer  strings.Builder
	deltas  int
	done    bool
	err     error

	closeOnce sync.Once
}

func newFallbackResponse(message string) *Response {
	return &Response{pending: []Chunk{{Content: message}}, done: true}
}

func newStreamResponse(ctx context.Context, o *Orchestrator, r *run, stream llm.DeltaStream) *Response {
	return &Response{ctx: ctx, o: o, run: r, stream: stream}
}

// State is the pipeline state; fallback responses report StateFallback.
func (r *Response) State() State {
	if r.run == nil {
		return StateFallback
	}
	return r.run.state
}

func (r *Response) Recv() (Chunk, error) {
	if len(r.pending) > 0 {
		c := r.pending[0]
		r.pending = r.pending[1:]
		r.count(c)
		return c, nil
	}
	if r.err != nil {
		return Chunk{}, r.err
	}
	if r.done {
		return Chunk{}, io.EOF
	}

	if err := r.ctx.Err(); err != nil {
		return Chunk{}, r.cancel(err)
	}

	delta, err := r.stream.Recv()
	switch {
	case err == nil:
		r.deltas++
		r.answer.WriteString(delta)
		c := Chunk{Content: delta}
		r.count(c)
		return c, nil
	case errors.Is(err, io.EOF):
		return r.completeStream()
	case r.ctx.Err() != nil:
		return Chunk{}, r.cancel(r.ctx.Err())
	default:
		return Chunk{}, r.interrupt(err)
	}
}

// Close releases the generation stream. Closing before io.EOF cancels the
// response.
func (r *Response) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.stream == nil {
			return
		}
		err = r.stream.Close()
		if !r.done && r.err == nil {
			r.err = context.Canceled
			r.run.finish(StateCancelled)
		}
	})
	return err
}

func (r *Response) completeStream() (Chunk, error) {
	r.done = true
	r.closeStream()

	sources := r.o.complete(r.ctx, r.run, r.answer.String())
	r.run.finish(StateCompleted)

	if len(sources) == 0 {
		return Chunk{}, io.EOF
	}
	c := Chunk{SourceFiles: sources}
	r.count(c)
	return c, nil
}

func (r *Response) cancel(cause error) error {
	r.err = cause
	r.closeStream()
	r.run.finish(StateCancelled)
	return cause
}

func (r *Response) interrupt(cause error) error {
	r.err = fmt.Errorf("%w after %d deltas: %v", ErrStreamInterrupted, r.deltas, cause)
	r.closeStream()
	r.run.log.Error("Generation stream failed", zap.Int("deltas", r.deltas), zap.Error(cause))
	r.run.finish(StateErrored)
	return r.err
}

func (r *Response) closeStream() {
	r.closeOnce.Do(func() {
		if err := r.stream.Close(); err != nil {
			r.run.log.Debug("Failed to close generation stream", zap.Error(err))
		}
	})
}

func (r *Response) count(c Chunk) {
	kind := "text"
	if c.IsProvenance() {
		kind = "provenance"
	}
	metrics.ChunksStreamed.WithLabelValues(kind).Inc()
}

func newID() string {
	return uuid.New().String()
}
