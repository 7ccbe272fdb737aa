package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// Encoder writes events as newline-delimited JSON.
type Encoder struct {
	enc   *json.Encoder
	flush func() error
}

// NewEncoder returns an Encoder writing to w. flush, if non-nil, is called
// after every event so that each line reaches the client immediately.
func NewEncoder(w io.Writer, flush func() error) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc, flush: flush}
}

// Encode writes ev followed by a newline.
func (e *Encoder) Encode(ev Event) error {
	if err := e.enc.Encode(ev); err != nil {
		return fmt.Errorf("stream: encode %s event: %w", ev.Type, err)
	}
	if e.flush != nil {
		if err := e.flush(); err != nil {
			return fmt.Errorf("stream: flush: %w", err)
		}
	}
	return nil
}

// Read yields the events of an NDJSON stream until EOF. A decode failure is
// yielded once and ends the sequence.
func Read(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := json.NewDecoder(r)
		for {
			var ev Event
			err := dec.Decode(&ev)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, fmt.Errorf("stream: decode: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Pump writes every event received from events until the channel is closed.
// When write fails, cancel is called so the producer stops, the remaining
// events are discarded and the first write error is returned.
func Pump(events <-chan Event, write func(Event) error, cancel func()) error {
	var first error
	for ev := range events {
		if first != nil {
			continue
		}
		if err := write(ev); err != nil {
			first = err
			if cancel != nil {
				cancel()
			}
		}
	}
	return first
}
