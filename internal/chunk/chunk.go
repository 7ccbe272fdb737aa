// Package chunk splits long transcripts into bounded pieces along semantic
// boundaries.
//
// Two strategies exist. Analysis chunks are large and split on paragraphs so a
// context extractor sees coherent passages. Processing chunks are smaller and
// keep speaker turns intact so a rewrite never separates a speaker label from
// what was said.
//
// All sizes are measured in runes. Chunks are trimmed at their edges; apart
// from that whitespace, concatenating the chunks of a sequence reproduces the
// input's content exactly.
package chunk

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects a chunking strategy.
type Mode int

const (
	// Analysis splits on blank-line paragraphs.
	Analysis Mode = iota
	// Processing splits on speaker turns.
	Processing
)

// Default maximum chunk sizes in runes.
const (
	DefaultAnalysisSize   = 4000
	DefaultProcessingSize = 2000
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Analysis:
		return "analysis"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// Chunk is one bounded piece of a transcript.
type Chunk struct {
	// Index is the zero-based position in the sequence.
	Index int
	// Total is the sequence length.
	Total int
	Text  string
}

// speakerLine matches a speaker label line: a name of latin letters or Han
// characters, optionally wrapped in ** and followed by a timestamp
// ("Alice 01:23", "张总(1:02:03)") and a colon.
var speakerLine = regexp.MustCompile(`^(\*\*)?[A-Za-z\p{Han}]+(\*\*)?(\s+\d{1,2}:\d{2}(:\d{2})?|\s*\(\d{1,2}:\d{2}(:\d{2})?\))?[：:]?\s*$`)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// IsSpeakerLine reports whether line is a speaker label.
func IsSpeakerLine(line string) bool {
	return speakerLine.MatchString(line)
}

// Split divides text into chunks of at most maxSize runes using mode. A
// maxSize of zero or less selects the mode's default. Empty or whitespace-only
// input produces an empty (nil) sequence.
func Split(text string, maxSize int, mode Mode) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var parts []string
	switch mode {
	case Processing:
		if maxSize <= 0 {
			maxSize = DefaultProcessingSize
		}
		parts = splitTurns(text, maxSize)
	default:
		if maxSize <= 0 {
			maxSize = DefaultAnalysisSize
		}
		parts = splitParagraphs(text, maxSize)
	}

	out := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Chunk{Index: len(out), Text: p})
	}
	for i := range out {
		out[i].Total = len(out)
	}
	return out
}

// Texts returns the text of each chunk.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// ─── Analysis strategy ──────────────────────────────────────────────────────

func splitParagraphs(text string, maxSize int) []string {
	var pieces []string
	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if runeLen(p) <= maxSize {
			pieces = append(pieces, p)
			continue
		}
		pieces = append(pieces, splitOversized(p, maxSize, levelLines)...)
	}
	return pack(pieces, "\n\n", maxSize)
}

// Fallback levels for an oversized paragraph, tried in order.
const (
	levelLines = iota
	levelSentences
	levelRunes
)

// splitOversized breaks s into pieces of at most maxSize runes. Each level is
// applied only to the pieces the previous level left too large.
func splitOversized(s string, maxSize, level int) []string {
	var (
		parts []string
		sep   string
	)
	switch level {
	case levelLines:
		parts, sep = strings.Split(s, "\n"), "\n"
	case levelSentences:
		parts, sep = splitSentences(s), ""
	default:
		return hardSlice(s, maxSize)
	}

	var pieces []string
	for _, p := range parts {
		if runeLen(p) <= maxSize {
			pieces = append(pieces, p)
			continue
		}
		pieces = append(pieces, splitOversized(p, maxSize, level+1)...)
	}
	return pack(pieces, sep, maxSize)
}

// splitSentences cuts s after sentence punctuation. Full-width marks always
// end a sentence; ASCII marks only when followed by whitespace or the end of
// input, so decimals and abbreviations inside words stay intact. Joining the
// result with "" reproduces s.
func splitSentences(s string) []string {
	var (
		out   []string
		start int
	)
	for i, r := range s {
		end := i + utf8.RuneLen(r)
		switch r {
		case '。', '！', '？':
		case '.', '!', '?':
			if end < len(s) {
				next, _ := utf8.DecodeRuneInString(s[end:])
				if !unicode.IsSpace(next) {
					continue
				}
			}
		default:
			continue
		}
		out = append(out, s[start:end])
		start = end
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func hardSlice(s string, maxSize int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := min(maxSize, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// pack greedily joins pieces with sep into strings of at most maxSize runes.
// Every piece must already fit.
func pack(pieces []string, sep string, maxSize int) []string {
	var (
		out    []string
		cur    strings.Builder
		curLen int
	)
	sepLen := runeLen(sep)
	for _, p := range pieces {
		if strings.TrimSpace(p) == "" {
			continue
		}
		n := runeLen(p)
		if curLen > 0 && curLen+sepLen+n > maxSize {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString(sep)
			curLen += sepLen
		}
		cur.WriteString(p)
		curLen += n
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}

// ─── Processing strategy ────────────────────────────────────────────────────

// splitTurns groups lines into speaker turns and packs whole turns into chunks.
// Lines before the first speaker label are independent units. A turn that
// alone exceeds maxSize is split line by line.
func splitTurns(text string, maxSize int) []string {
	var (
		units []string
		turn  []string
	)
	flush := func() {
		if len(turn) > 0 {
			units = append(units, strings.Join(turn, "\n"))
			turn = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		switch {
		case IsSpeakerLine(line):
			flush()
			turn = []string{line}
		case turn != nil:
			turn = append(turn, line)
		default:
			units = append(units, line)
		}
	}
	flush()

	var pieces []string
	for _, u := range units {
		if runeLen(u) <= maxSize {
			pieces = append(pieces, u)
			continue
		}
		var lines []string
		for _, l := range strings.Split(u, "\n") {
			if runeLen(l) <= maxSize {
				lines = append(lines, l)
				continue
			}
			lines = append(lines, hardSlice(l, maxSize)...)
		}
		pieces = append(pieces, pack(lines, "\n", maxSize)...)
	}
	return pack(pieces, "\n", maxSize)
}
