package prompt

import (
	"fmt"
	"strings"
)

// RefineInstruction tells the rewrite backend how to clean up a chunk.
const RefineInstruction = `This is a speech-to-text transcript of a conversation. The recording may contain errors such as wrong word order and misrecognised words, and parts may be unclear because of the audio quality. Infer unclear passages from the surrounding context.

Correct the following text:
1. Fix word order errors.
2. Fix misrecognised words, using the corrections table from the context.
3. Fix the spelling of proper nouns, using the terminology from the context.
4. Infer and repair unclear passages from the context.
5. Keep the original formatting and speaker labels.
6. Do not add explanations or comments; output only the corrected text.
7. Remove or smooth over filler words, verbal tics and repetitions.`

// TranslateTemplate is the system prompt of the translation stream.
const TranslateTemplate = `You are a professional business translator. Translate the following conversation into %s.

Format rules, follow them strictly:
1. Speaker names stay untranslated on a line of their own, written as "Name : " and followed by a line break.
2. The speech follows directly after the speaker line, keeping the paragraph structure and line breaks of the source.
3. Do not add numbering, bullets or other decoration.
4. Separate different speakers with one blank line, as in the source.`

// TranslatePart tells the translation backend which chunk it is given.
// The rewriter expands {{chunk}} and {{total}}.
const TranslatePart = "This is part {{chunk}}/{{total}} of the content."

// TranslatePrefix is prepended to every chunk sent for translation.
const TranslatePrefix = "Translate strictly in the format above and output only the translation:\n\n"

// DefaultTargetLanguage is used when a translation request names none.
const DefaultTargetLanguage = "Simplified Chinese"

// Refine joins the context prompt with the rewrite instruction. An empty
// context yields the instruction alone.
func Refine(context string) string {
	if strings.TrimSpace(context) == "" {
		return RefineInstruction
	}
	return context + "\n\n" + RefineInstruction
}

// Translate returns the translation system prompt for language.
func Translate(language string) string {
	if language = strings.TrimSpace(language); language == "" {
		language = DefaultTargetLanguage
	}
	return fmt.Sprintf(TranslateTemplate, language)
}
