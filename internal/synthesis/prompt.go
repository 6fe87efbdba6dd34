// Package synthesis composes retrieved fragments into LLM prompts and
// returns synthesized answers together with the fragments used, for audit.
package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

const defaultMaxContextTokens = 4000

const focusedSystemPrompt = "You are a knowledge assistant. Answer the question " +
	"using only the provided context fragments. If the fragments do not contain " +
	"the answer, say so plainly instead of guessing."

const categorySystemPrompt = "You are a knowledge assistant producing a category " +
	"report. Write one section per category, in the given order, using the section " +
	"headers exactly as provided. Each section must be 2-4 sentences based only on " +
	"that category's fragments. For a category marked [no data], write exactly: " +
	"no data available for this category. Never blend facts from one category " +
	"into another."

// buildFocusedPrompt assembles the user prompt for focused mode: fragments
// sorted by score descending, trimmed to the token budget by dropping the
// lowest-scoring ones first.
func buildFocusedPrompt(query string, fragments []retrieval.ScoredDocument, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = defaultMaxContextTokens
	}

	sorted := make([]retrieval.ScoredDocument, len(fragments))
	copy(sorted, fragments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var sb strings.Builder
	sb.WriteString("[Context]\n")
	remaining := maxTokens - EstimateTokens(sb.String())
	for _, frag := range sorted {
		entry := formatFragment(frag)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}

	sb.WriteString("\n[Question]\n")
	sb.WriteString(query)
	return sb.String()
}

// buildCategoryPrompt assembles the user prompt for all-categories mode:
// one block per taxonomy section in order, with an explicit [no data]
// marker for empty sections so the model never fills a gap with another
// category's content.
func buildCategoryPrompt(query string, sections []retrieval.CategorySection) string {
	var sb strings.Builder
	for _, section := range sections {
		fmt.Fprintf(&sb, "## %s\n", section.Category)
		if section.Empty() {
			sb.WriteString("[no data]\n\n")
			continue
		}
		for _, frag := range section.Documents {
			sb.WriteString(formatFragment(frag))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("[Question]\n")
	sb.WriteString(query)
	return sb.String()
}

func formatFragment(frag retrieval.ScoredDocument) string {
	src := frag.SourceURL
	if src == "" {
		src = frag.ID
	}
	return fmt.Sprintf("(Score: %.2f, Source: %s)\n%s\n\n", frag.Score, src, frag.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
