package stream

import "context"

// Emitter delivers events to a channel until its context ends. After that
// every emit is dropped and returns false. It is safe for concurrent use as
// long as the channel is not closed while emits are in progress.
type Emitter struct {
	ctx context.Context
	ch  chan<- Event
}

// NewEmitter returns an Emitter writing to ch for as long as ctx is live.
func NewEmitter(ctx context.Context, ch chan<- Event) *Emitter {
	return &Emitter{ctx: ctx, ch: ch}
}

// Emit sends ev, blocking until the receiver takes it or ctx ends. It reports
// whether ev was delivered.
func (e *Emitter) Emit(ev Event) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case <-e.ctx.Done():
		return false
	case e.ch <- ev:
		return true
	}
}

// Status emits a status line.
func (e *Emitter) Status(s string) bool { return e.Emit(Event{Type: TypeStatus, Content: s}) }

// Prompt emits the current system prompt.
func (e *Emitter) Prompt(p string) bool { return e.Emit(Event{Type: TypePrompt, Content: p}) }

// Content emits generated text.
func (e *Emitter) Content(s string) bool { return e.Emit(Event{Type: TypeContent, Content: s}) }

// SearchQuery announces a tool call.
func (e *Emitter) SearchQuery(q string) bool { return e.Emit(Event{Type: TypeSearchQuery, Content: q}) }

// SearchDone reports a finished tool call.
func (e *Emitter) SearchDone(q string) bool { return e.Emit(Event{Type: TypeSearchDone, Content: q}) }

// Thinking announces synthesis.
func (e *Emitter) Thinking() bool { return e.Emit(Event{Type: TypeThinking}) }

// Summarizing announces the merge.
func (e *Emitter) Summarizing() bool { return e.Emit(Event{Type: TypeSummarizing}) }

// Progress emits analysis progress.
func (e *Emitter) Progress(done, total int) bool { return e.Emit(ProgressEvent(done, total)) }
