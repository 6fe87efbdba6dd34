package synthesis

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/19paoletto10-hub/twilio-sub000/internal/llm"
	"github.com/19paoletto10-hub/twilio-sub000/internal/resilience"
	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

// Chatter abstracts the LLM chat call for the synthesis step.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (string, error)
}

// Answer is a synthesized response plus the fragments actually used.
// CharacterCount lets the messaging transport decide how to split the text
// for delivery; the synthesizer itself never truncates.
type Answer struct {
	Text           string                      `json:"text"`
	CharacterCount int                         `json:"character_count"`
	Fragments      []retrieval.ScoredDocument  `json:"fragments"`
	Sections       []retrieval.CategorySection `json:"sections,omitempty"`
}

// Error is returned when the LLM call fails. It carries the raw retrieval
// result so the caller can degrade gracefully (show fragments without
// prose) instead of silently returning an empty answer.
type Error struct {
	Fragments []retrieval.ScoredDocument
	Sections  []retrieval.CategorySection
	Err       error
}

func (e *Error) Error() string { return fmt.Sprintf("synthesis failed: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Synthesizer composes prompts and runs a single-pass LLM call per answer.
type Synthesizer struct {
	chat             Chatter
	model            string
	caller           *resilience.Caller
	maxContextTokens int
}

// New creates a Synthesizer using the given Chatter and model name.
// If maxContextTokens <= 0, the default (4000) is used.
func New(chat Chatter, model string, maxContextTokens int) *Synthesizer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Synthesizer{
		chat:             chat,
		model:            model,
		caller:           resilience.NewCaller("synthesis"),
		maxContextTokens: maxContextTokens,
	}
}

// Answer is the focused mode: one coherent answer from plain top-k
// retrieval, plus the list of fragments used.
func (s *Synthesizer) Answer(ctx context.Context, query string, fragments []retrieval.ScoredDocument) (Answer, error) {
	prompt := buildFocusedPrompt(query, fragments, s.maxContextTokens)

	text, err := s.complete(ctx, focusedSystemPrompt, prompt)
	if err != nil {
		return Answer{}, &Error{Fragments: fragments, Err: err}
	}

	return Answer{
		Text:           text,
		CharacterCount: utf8.RuneCountInString(text),
		Fragments:      fragments,
	}, nil
}

// AnswerAllCategories is the all-categories mode: one section per taxonomy
// category in order, 2-4 sentences each, with an explicit "no data" line
// for empty sections and an instruction never to blend facts across
// categories.
func (s *Synthesizer) AnswerAllCategories(ctx context.Context, query string, sections []retrieval.CategorySection) (Answer, error) {
	prompt := buildCategoryPrompt(query, sections)

	text, err := s.complete(ctx, categorySystemPrompt, prompt)
	if err != nil {
		return Answer{}, &Error{Sections: sections, Err: err}
	}

	var fragments []retrieval.ScoredDocument
	for _, section := range sections {
		fragments = append(fragments, section.Documents...)
	}

	return Answer{
		Text:           text,
		CharacterCount: utf8.RuneCountInString(text),
		Fragments:      fragments,
		Sections:       sections,
	}, nil
}

func (s *Synthesizer) complete(ctx context.Context, system, user string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	var text string
	err := s.caller.Do(ctx, func() error {
		var chatErr error
		text, chatErr = s.chat.Chat(ctx, s.model, messages)
		return chatErr
	})
	return text, err
}
