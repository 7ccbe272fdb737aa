package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/refinery/pkg/provider/llm"
	"github.com/MrWong99/refinery/pkg/provider/search"
)

// WebSearchName is the tool name offered to models for web search.
const WebSearchName = "web_search"

// WebSearchArgs is the argument object of the web search tool.
type WebSearchArgs struct {
	Query string `json:"query"`
}

// WebSearchDefinition describes the web search tool to a model.
var WebSearchDefinition = llm.ToolDefinition{
	Name: WebSearchName,
	Description: "Search the web for people, companies, products or technical terms mentioned in the transcript. " +
		"Use it to confirm the correct spelling of proper nouns and to resolve likely speech-recognition errors.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query, e.g. a company name together with the product it makes.",
			},
		},
		"required": []string{"query"},
	},
}

// WebSearch returns a builtin that answers web_search calls with p. The
// handler itself never fails for backend errors: those are rendered into the
// result text by search.Result.Text.
func WebSearch(p search.Provider, timeout time.Duration) Builtin {
	return Builtin{
		Definition: WebSearchDefinition,
		Timeout:    timeout,
		Handler: func(ctx context.Context, args string) (string, error) {
			q, err := ParseQuery(args)
			if err != nil {
				return "", err
			}
			return p.Search(ctx, q).Text(), nil
		},
	}
}

// ParseQuery extracts the query from web_search arguments.
func ParseQuery(args string) (string, error) {
	var a WebSearchArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("invalid web_search arguments: %w", err)
	}
	if a.Query = strings.TrimSpace(a.Query); a.Query == "" {
		return "", fmt.Errorf("invalid web_search arguments: query is required")
	}
	return a.Query, nil
}

// Describe returns a short human-readable label for a tool call: the query
// for web searches, otherwise the tool name with its raw arguments.
func Describe(call llm.ToolCall) string {
	if call.Name == WebSearchName {
		if q, err := ParseQuery(call.Arguments); err == nil {
			return q
		}
	}
	args := strings.TrimSpace(call.Arguments)
	if args == "" || args == "{}" {
		return call.Name
	}
	return call.Name + " " + args
}
