// Package pool defines the context pool: the structured knowledge extracted
// from a transcript (who is speaking, which terms appear, which transcription
// errors to fix) that drives the final rewrite prompt.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Parse when model output does not contain a
// valid pool object.
var ErrMalformed = errors.New("pool: malformed model output")

// Category classifies a terminology entry.
type Category string

const (
	CategoryCompany   Category = "company"
	CategoryProduct   Category = "product"
	CategoryTechnical Category = "technical"
	CategoryOther     Category = "other"
)

// Categories lists the known categories in display order.
var Categories = []Category{CategoryCompany, CategoryProduct, CategoryTechnical, CategoryOther}

// Known reports whether c is one of the four defined categories.
func (c Category) Known() bool {
	switch c {
	case CategoryCompany, CategoryProduct, CategoryTechnical, CategoryOther:
		return true
	}
	return false
}

// Character is a person appearing in the transcript.
type Character struct {
	// Identifier is the name or speaker label used in the transcript.
	Identifier  string `json:"identifier"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

// Term is a domain term worth preserving verbatim.
type Term struct {
	Term        string   `json:"term"`
	Explanation string   `json:"explanation,omitempty"`
	Category    Category `json:"category,omitempty"`
}

// Correction maps a mis-transcribed proper noun or term to its fix.
type Correction struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Reason    string `json:"reason,omitempty"`
}

// Pool is the extracted context for one chunk or a merged transcript.
// Collections are never nil once a Pool has passed through Empty, Parse,
// Concat or Normalize.
type Pool struct {
	Characters  []Character  `json:"characters"`
	Terminology []Term       `json:"terminology"`
	Corrections []Correction `json:"corrections"`
	Notes       []string     `json:"notes"`
}

// Empty returns a pool with empty, non-nil collections.
func Empty() Pool {
	return Pool{
		Characters:  []Character{},
		Terminology: []Term{},
		Corrections: []Correction{},
		Notes:       []string{},
	}
}

// Normalize replaces nil collections with empty ones.
func (p Pool) Normalize() Pool {
	if p.Characters == nil {
		p.Characters = []Character{}
	}
	if p.Terminology == nil {
		p.Terminology = []Term{}
	}
	if p.Corrections == nil {
		p.Corrections = []Correction{}
	}
	if p.Notes == nil {
		p.Notes = []string{}
	}
	return p
}

// Len returns the total number of entries across all collections.
func (p Pool) Len() int {
	return len(p.Characters) + len(p.Terminology) + len(p.Corrections) + len(p.Notes)
}

// IsEmpty reports whether the pool has no entries.
func (p Pool) IsEmpty() bool { return p.Len() == 0 }

// Concat flattens pools into one, keeping every entry in input order. It is
// the merge fallback when a model merge cannot be used.
func Concat(pools ...Pool) Pool {
	out := Empty()
	for _, p := range pools {
		out.Characters = append(out.Characters, p.Characters...)
		out.Terminology = append(out.Terminology, p.Terminology...)
		out.Corrections = append(out.Corrections, p.Corrections...)
		out.Notes = append(out.Notes, p.Notes...)
	}
	return out
}

// JSON returns the pool encoded as indented JSON.
func (p Pool) JSON() string {
	b, err := json.MarshalIndent(p.Normalize(), "", "  ")
	if err != nil {
		// Pool has only string fields; marshalling cannot fail.
		panic(fmt.Sprintf("pool: marshal: %v", err))
	}
	return string(b)
}

// Parse extracts the first balanced JSON object from model output and
// validates it as a Pool.
//
// A wrong shape (for example "characters" being a string) yields ErrMalformed.
// Individual entries missing their required field are dropped, unknown
// categories become CategoryOther, and blank notes are removed.
func Parse(text string) (Pool, error) {
	obj, ok := FirstObject(text)
	if !ok {
		return Empty(), fmt.Errorf("%w: no JSON object found", ErrMalformed)
	}

	var raw Pool
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sanitize(raw), nil
}

func sanitize(raw Pool) Pool {
	out := Empty()
	for _, c := range raw.Characters {
		if c.Identifier = strings.TrimSpace(c.Identifier); c.Identifier == "" {
			continue
		}
		c.Role = strings.TrimSpace(c.Role)
		c.Description = strings.TrimSpace(c.Description)
		out.Characters = append(out.Characters, c)
	}
	for _, t := range raw.Terminology {
		if t.Term = strings.TrimSpace(t.Term); t.Term == "" {
			continue
		}
		t.Category = Category(strings.ToLower(strings.TrimSpace(string(t.Category))))
		if !t.Category.Known() {
			t.Category = CategoryOther
		}
		t.Explanation = strings.TrimSpace(t.Explanation)
		out.Terminology = append(out.Terminology, t)
	}
	for _, c := range raw.Corrections {
		c.Original = strings.TrimSpace(c.Original)
		c.Corrected = strings.TrimSpace(c.Corrected)
		if c.Original == "" || c.Corrected == "" {
			continue
		}
		c.Reason = strings.TrimSpace(c.Reason)
		out.Corrections = append(out.Corrections, c)
	}
	for _, n := range raw.Notes {
		if n = strings.TrimSpace(n); n != "" {
			out.Notes = append(out.Notes, n)
		}
	}
	return out
}

// FirstObject returns the first balanced {...} region of text. Braces inside
// JSON string literals are ignored. It reports false if no balanced region
// exists.
func FirstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
