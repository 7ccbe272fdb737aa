package extract

import (
	"fmt"
	"strings"

	"github.com/MrWong99/refinery/internal/chunk"
	"github.com/MrWong99/refinery/internal/toolloop"
	"github.com/MrWong99/refinery/internal/tools"
)

const analysisTemplate = `You are an expert analyst of speech-to-text transcripts. Your task is to extract the key context of a conversation. Do not overthink.
%s
Analyse the following text (part %d/%d) and return the extracted information as JSON:

{
  "characters": [
    {"identifier": "name or label of the speaker or entity", "role": "role description", "description": "further details (optional)"}
  ],
  "terminology": [
    {"term": "term or proper noun", "explanation": "explanation (optional)", "category": "one of company/product/technical/other"}
  ],
  "corrections": [
    {"original": "misrecognised expression", "corrected": "correct expression", "reason": "reason (optional)"}
  ],
  "notes": ["other important observations (optional)"]
}

Notes:
1. The text is an automatic transcription of audio and may contain many recognition errors. Watch out for them.
2. When a proper noun, company name or technical term is uncertain, verify it with the search tool. A misheard company name can sound like a different real company; think before searching so you do not confirm the wrong one.
3. Limit corrections to nouns (people, companies, products, figures). Grammar and wording are fixed in a later step.
4. Return plain JSON with no other text.`

// SystemPrompt renders the analysis instructions for chunk c.
func SystemPrompt(c chunk.Chunk, background string) string {
	bg := ""
	if b := strings.TrimSpace(background); b != "" {
		bg = "\nBackground provided by the user:\n" + b + "\n"
	}
	total := max(c.Total, 1)
	return fmt.Sprintf(analysisTemplate, bg, c.Index+1, total)
}

// SynthesisMessage lists every tool query with its raw result and asks for
// the final JSON.
func SynthesisMessage(invocations []toolloop.Invocation) string {
	var sb strings.Builder
	sb.WriteString("Here are the search results. Use them to complete the analysis:\n\n")
	for i, inv := range invocations {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Search: %s]\n%s", tools.Describe(inv.Call), inv.Output)
	}
	sb.WriteString("\n\nBased on these search results and the original text, output the analysis as JSON. Do not overthink.")
	return sb.String()
}
