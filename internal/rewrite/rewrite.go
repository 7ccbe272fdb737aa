// Package rewrite streams chunk-by-chunk rewritten text from a backend.
//
// Chunks are processed strictly in order, one streaming request at a time,
// starting at an arbitrary index so a stopped run can resume where it left
// off. There is no retry inside a run: the first failure ends the sequence
// and the caller resumes from the chunk it last saw start.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/MrWong99/refinery/internal/chunk"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// DefaultTemperature is the sampling temperature of rewrite requests.
const DefaultTemperature = 0.3

// Separator is emitted between the output of consecutive chunks.
const Separator = "\n\n"

// CompletenessInstruction is appended to every system prompt.
const CompletenessInstruction = "Process the entire input. Do not omit, summarise or skip any part of it."

var (
	// ErrInvalidStart is returned for a negative start index.
	ErrInvalidStart = errors.New("rewrite: start index must not be negative")

	// ErrStream wraps a failure reported in the middle of a stream.
	ErrStream = errors.New("rewrite: stream failed")
)

// Kind classifies a Token.
type Kind int

const (
	// KindChunkStart marks the beginning of a chunk's output.
	KindChunkStart Kind = iota

	// KindText carries generated text.
	KindText

	// KindSeparator carries [Separator] between two chunks.
	KindSeparator
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindChunkStart:
		return "chunk-start"
	case KindText:
		return "text"
	case KindSeparator:
		return "separator"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Token is one element of a rewrite stream.
type Token struct {
	Kind Kind

	// Index and Total locate the chunk the token belongs to. A separator
	// carries the index of the chunk that follows it.
	Index int
	Total int

	Text string
}

// Request describes one rewrite run.
type Request struct {
	Chunks []chunk.Chunk

	// Start is the first chunk to rewrite. Earlier chunks are skipped.
	Start int

	// SystemPrompt is sent verbatim with every chunk.
	SystemPrompt string

	// PartNote, when set, follows SystemPrompt after {{chunk}} and {{total}}
	// are expanded to the 1-based chunk number and the chunk count.
	PartNote string

	// UserPrefix is prepended to every chunk's text.
	UserPrefix string

	// Mode labels the run in metrics, e.g. "refine" or "translate".
	Mode string
}

// Rewriter streams rewrites from one backend.
type Rewriter struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Rewriter) { r.temperature = t }
}

// WithMaxTokens limits each chunk's output. Zero leaves the backend default.
func WithMaxTokens(n int) Option {
	return func(r *Rewriter) { r.maxTokens = n }
}

// WithMetrics counts rewritten chunks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Rewriter) { r.metrics = m }
}

// New creates a Rewriter backed by p.
func New(p llm.Provider, opts ...Option) *Rewriter {
	r := &Rewriter{llm: p, temperature: DefaultTemperature}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Rewrite yields the rewrite of req.Chunks from req.Start onwards.
//
// For each chunk it yields a [KindChunkStart] token followed by its text in
// arrival order, with a [KindSeparator] between chunks. A failure yields a
// zero Token with the error and ends the sequence. Breaking out of the loop
// cancels the in-flight request.
func (r *Rewriter) Rewrite(ctx context.Context, req Request) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		if req.Start < 0 {
			yield(Token{}, fmt.Errorf("%w: %d", ErrInvalidStart, req.Start))
			return
		}
		total := len(req.Chunks)
		for i := req.Start; i < total; i++ {
			if i > req.Start {
				if !yield(Token{Kind: KindSeparator, Index: i, Total: total, Text: Separator}, nil) {
					return
				}
			}
			if !yield(Token{Kind: KindChunkStart, Index: i, Total: total}, nil) {
				return
			}
			if !r.streamChunk(ctx, req, i, yield) {
				return
			}
		}
	}
}

// streamChunk streams chunk i and reports whether the sequence should go on.
func (r *Rewriter) streamChunk(ctx context.Context, req Request, i int, yield func(Token, error) bool) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := len(req.Chunks)
	c := req.Chunks[i]
	system := req.SystemPrompt
	if req.PartNote != "" {
		system += "\n\n" + Expand(req.PartNote, i, total)
	}
	ch, err := r.llm.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: system + "\n\n" + CompletenessInstruction,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: req.UserPrefix + c.Text}},
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	})
	if err != nil {
		yield(Token{}, fmt.Errorf("rewrite: chunk %d/%d: %w", i+1, total, err))
		return false
	}

	for part := range ch {
		if part.FinishReason == llm.FinishReasonError {
			yield(Token{}, fmt.Errorf("rewrite: chunk %d/%d: %w: %s", i+1, total, ErrStream, part.Text))
			return false
		}
		if part.Text == "" {
			continue
		}
		if !yield(Token{Kind: KindText, Index: i, Total: total, Text: part.Text}, nil) {
			return false
		}
	}
	if err := ctx.Err(); err != nil {
		yield(Token{}, fmt.Errorf("rewrite: chunk %d/%d: %w", i+1, total, err))
		return false
	}

	if r.metrics != nil {
		r.metrics.RecordChunkRewritten(ctx, req.Mode)
	}
	return true
}

// Expand replaces {{chunk}} with the 1-based number of chunk i and
// {{total}} with total.
func Expand(template string, i, total int) string {
	return strings.NewReplacer(
		"{{chunk}}", strconv.Itoa(i+1),
		"{{total}}", strconv.Itoa(total),
	).Replace(template)
}

// Collect drains seq and returns the concatenated text of every text and
// separator token.
func Collect(seq iter.Seq2[Token, error]) (string, error) {
	var sb strings.Builder
	for tok, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		if tok.Kind != KindChunkStart {
			sb.WriteString(tok.Text)
		}
	}
	return sb.String(), nil
}
