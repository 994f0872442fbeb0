package orchestrator

import "strings"

// DefaultMarker opens a response that declares the task finished
const DefaultMarker = "TASK COMPLETE:"

// DefaultPendingPhrases suggest the model still intends to do work
var DefaultPendingPhrases = []string{
	"let me",
	"i'll check",
	"i will",
	"going to",
	"about to",
	"need to check",
	"let's check",
	"i should",
	"need to find",
	"let me see",
	"i'll look",
	"let me search",
	"let me find",
}

// DefaultActionEndings are trailing words of a response that is still mid-action
var DefaultActionEndings = []string{
	"checking",
	"searching",
	"looking",
	"finding",
	"reading",
	"analyzing",
}

// CompletionPolicy decides when a response ends the turn
type CompletionPolicy interface {
	// Detect reports whether text opens with the completion marker and returns
	// the text without it.
	Detect(text string) (body string, ok bool)
	// PendingIntention reports whether a completion at this iteration looks premature.
	PendingIntention(text string, iteration int) bool
	// CompletionMarker returns the marker, for prompts that ask the model to use it.
	CompletionMarker() string
}

// PhrasePolicy matches the marker and rejects early completions that announce
// more work.
type PhrasePolicy struct {
	Marker        string
	Phrases       []string
	ActionEndings []string
	MaxIteration  int
}

// DefaultCompletionPolicy returns a PhrasePolicy with the built-in phrases
func DefaultCompletionPolicy() *PhrasePolicy {
	return &PhrasePolicy{
		Marker:        DefaultMarker,
		Phrases:       DefaultPendingPhrases,
		ActionEndings: DefaultActionEndings,
		MaxIteration:  1,
	}
}

func (p *PhrasePolicy) CompletionMarker() string {
	return markerOrDefault(p.Marker)
}

func (p *PhrasePolicy) Detect(text string) (string, bool) {
	return detectMarker(p.Marker, text)
}

func (p *PhrasePolicy) PendingIntention(text string, iteration int) bool {
	if iteration > p.MaxIteration {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range p.Phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	trimmed := strings.TrimRight(lower, " \t\r\n.")
	for _, ending := range p.ActionEndings {
		if strings.HasSuffix(trimmed, ending) {
			return true
		}
	}
	return false
}

// NoPendingIntention accepts every completion that carries the marker
type NoPendingIntention struct {
	Marker string
}

func (p NoPendingIntention) CompletionMarker() string {
	return markerOrDefault(p.Marker)
}

func (p NoPendingIntention) Detect(text string) (string, bool) {
	return detectMarker(p.Marker, text)
}

func (NoPendingIntention) PendingIntention(string, int) bool {
	return false
}

func markerOrDefault(marker string) string {
	if marker == "" {
		return DefaultMarker
	}
	return marker
}

func detectMarker(marker, text string) (string, bool) {
	marker = markerOrDefault(marker)
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, marker) {
		return text, false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, marker)), true
}
