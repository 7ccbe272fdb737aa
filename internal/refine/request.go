package refine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest is returned for malformed caller input before any event
// is produced.
var ErrInvalidRequest = errors.New("refine: invalid request")

// Request is the body of a refine call.
type Request struct {
	// Text is the transcript. Required.
	Text string `json:"text"`

	// BasePrompt is background information for the analysis or, with
	// SkipContextAnalysis, the complete context prompt for the rewrite.
	BasePrompt string `json:"basePrompt,omitempty"`

	// StartChunkIndex is the first processing chunk to rewrite.
	StartChunkIndex int `json:"startChunkIndex,omitempty"`

	// SkipContextAnalysis uses BasePrompt as is instead of analysing Text.
	SkipContextAnalysis bool `json:"skipContextAnalysis,omitempty"`
}

// Validate reports caller errors wrapped in ErrInvalidRequest.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if r.StartChunkIndex < 0 {
		return fmt.Errorf("%w: startChunkIndex must not be negative", ErrInvalidRequest)
	}
	return nil
}

// TranslateRequest is the body of a translate call.
type TranslateRequest struct {
	Text            string `json:"text"`
	StartChunkIndex int    `json:"startChunkIndex,omitempty"`

	// TargetLanguage defaults to prompt.DefaultTargetLanguage.
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// Validate reports caller errors wrapped in ErrInvalidRequest.
func (r TranslateRequest) Validate() error {
	return Request{Text: r.Text, StartChunkIndex: r.StartChunkIndex}.Validate()
}
