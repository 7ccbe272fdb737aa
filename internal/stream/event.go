// Package stream is the event protocol between a pipeline run and its
// transport.
//
// A run writes typed [Event] values to a channel through an [Emitter]. The
// transport drains the channel and writes each event as one JSON object per
// line ({"type":..., "content":...}) or as one WebSocket message. The stream
// has no end marker: it ends when the channel is closed, normally right after
// a "Completed" or "Error occurred" status.
package stream

import (
	"encoding/json"
	"fmt"
)

// Type identifies what an event carries.
type Type string

const (
	// TypeStatus carries a human-readable progress line.
	TypeStatus Type = "status"

	// TypePrompt carries the complete current system prompt. It is re-sent
	// whenever the prompt changes so that a client can resume with it.
	TypePrompt Type = "prompt"

	// TypeContent carries generated text.
	TypeContent Type = "content"

	// TypeSearchQuery announces a tool call, with its query as content.
	TypeSearchQuery Type = "search-query"

	// TypeSearchDone reports that the announced tool call returned.
	TypeSearchDone Type = "search-done"

	// TypeThinking announces the synthesis request after searches.
	TypeThinking Type = "thinking"

	// TypeSummarizing announces the merge of the per-chunk pools.
	TypeSummarizing Type = "summarizing"

	// TypeAnalysisProgress carries {"done":n,"total":m} after each analysed chunk.
	TypeAnalysisProgress Type = "analysis-progress"
)

// Status lines.
const (
	StatusAnalyzing = "Analyzing context..."
	StatusCompleted = "Completed"
)

// StatusProcessing is the status line before chunk i (0-based) of n.
func StatusProcessing(i, n int) string {
	return fmt.Sprintf("Processing chunk %d/%d", i+1, n)
}

// StatusError is the status line sent before a failed stream closes.
func StatusError(reason string) string {
	return "Error occurred: " + reason
}

// Event is one element of the stream.
type Event struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

// Progress is the content of a [TypeAnalysisProgress] event.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// ProgressEvent builds an analysis progress event.
func ProgressEvent(done, total int) Event {
	b, _ := json.Marshal(Progress{Done: done, Total: total})
	return Event{Type: TypeAnalysisProgress, Content: string(b)}
}

// ParseProgress decodes the content of a progress event.
func ParseProgress(ev Event) (Progress, error) {
	var p Progress
	if ev.Type != TypeAnalysisProgress {
		return p, fmt.Errorf("stream: %s event is not analysis progress", ev.Type)
	}
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return p, fmt.Errorf("stream: decode progress: %w", err)
	}
	return p, nil
}
