// Package prompt renders context pools and instructions into the system
// prompts used by the rewrite and translation phases.
package prompt

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/refinery/internal/pool"
)

// ContextHeader introduces the rendered pool.
const ContextHeader = "[Context]"

// categoryTitles maps the known terminology categories to section titles, in
// display order.
var categoryTitles = []struct {
	cat   pool.Category
	title string
}{
	{pool.CategoryCompany, "Companies / Organizations"},
	{pool.CategoryProduct, "Products / Services"},
	{pool.CategoryTechnical, "Technical Terms"},
	{pool.CategoryOther, "Other Terms"},
}

// Format renders p and the user's background text as the context part of a
// system prompt.
//
// The background block comes first. The context header is written only when
// at least one section has entries, and empty sections are omitted entirely.
// Format is pure and safe for concurrent use.
func Format(p pool.Pool, background string) string {
	var sections []string

	if bg := strings.TrimSpace(background); bg != "" {
		sections = append(sections, "[Background provided by the user]\n"+bg)
	}

	var body []string
	if s := formatPeople(p.Characters); s != "" {
		body = append(body, s)
	}
	body = append(body, formatTerminology(p.Terminology)...)
	if s := formatCorrections(p.Corrections); s != "" {
		body = append(body, s)
	}
	if s := formatNotes(p.Notes); s != "" {
		body = append(body, s)
	}

	if len(body) > 0 {
		sections = append(sections, ContextHeader)
		sections = append(sections, body...)
	}
	return strings.Join(sections, "\n\n")
}

// ─────────────────────────────────────────────────────────────────────────────
// Sections
// ─────────────────────────────────────────────────────────────────────────────

func formatPeople(chars []pool.Character) string {
	if len(chars) == 0 {
		return ""
	}
	lines := []string{"People:"}
	for _, c := range chars {
		line := fmt.Sprintf("- %s - %s", c.Identifier, c.Role)
		if c.Description != "" {
			line += fmt.Sprintf(" (%s)", c.Description)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// formatTerminology returns one section per category: the known categories in
// fixed order, then any others sorted by name. Terms without a category count
// as other.
func formatTerminology(terms []pool.Term) []string {
	if len(terms) == 0 {
		return nil
	}

	byCat := make(map[pool.Category][]pool.Term)
	for _, t := range terms {
		cat := t.Category
		if cat == "" {
			cat = pool.CategoryOther
		}
		byCat[cat] = append(byCat[cat], t)
	}

	var out []string
	for _, ct := range categoryTitles {
		if ts, ok := byCat[ct.cat]; ok {
			out = append(out, termSection(ct.title, ts))
			delete(byCat, ct.cat)
		}
	}
	rest := make([]string, 0, len(byCat))
	for cat := range byCat {
		rest = append(rest, string(cat))
	}
	slices.Sort(rest)
	for _, cat := range rest {
		out = append(out, termSection(cat, byCat[pool.Category(cat)]))
	}
	return out
}

func termSection(title string, terms []pool.Term) string {
	lines := []string{title + ":"}
	for _, t := range terms {
		line := "- " + t.Term
		if t.Explanation != "" {
			line += ": " + t.Explanation
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatCorrections(corrections []pool.Correction) string {
	if len(corrections) == 0 {
		return ""
	}
	lines := []string{"Corrections:"}
	for _, c := range corrections {
		line := fmt.Sprintf("- [%s] → [%s]", c.Original, c.Corrected)
		if c.Reason != "" {
			line += fmt.Sprintf(" (%s)", c.Reason)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatNotes(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	lines := []string{"Notes:"}
	for _, n := range notes {
		lines = append(lines, "- "+n)
	}
	return strings.Join(lines, "\n")
}
