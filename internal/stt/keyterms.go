package stt

import (
	"strings"
	"unicode"
)

// MaxKeyterms is the largest keyterm list sent with a connection
const MaxKeyterms = 100

// titleStopwords are dropped from meeting titles before they become keyterms
var titleStopwords = map[string]struct{}{
	"and": {}, "the": {}, "for": {}, "with": {}, "sync": {}, "call": {},
	"meeting": {}, "weekly": {}, "daily": {}, "chat": {}, "from": {}, "into": {},
}

// BuildKeyterms assembles recognition hints from the meeting title, attendee
// names and a static core list. Entries are deduplicated case-insensitively
// and the result is capped at MaxKeyterms.
func BuildKeyterms(title string, attendees []string, core []string) []string {
	var terms []string
	seen := make(map[string]struct{})

	add := func(term string) {
		term = strings.TrimSpace(term)
		if term == "" || len(terms) >= MaxKeyterms {
			return
		}
		key := strings.ToLower(term)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		terms = append(terms, term)
	}

	for _, tok := range tokenize(title) {
		if len([]rune(tok)) < 3 {
			continue
		}
		if _, stop := titleStopwords[strings.ToLower(tok)]; stop {
			continue
		}
		add(tok)
	}

	for _, name := range attendees {
		// Calendar entries are often addresses; keep the local part
		if at := strings.IndexByte(name, '@'); at > 0 {
			name = strings.NewReplacer(".", " ", "_", " ").Replace(name[:at])
		}
		for _, tok := range tokenize(name) {
			if len([]rune(tok)) >= 2 {
				add(tok)
			}
		}
	}

	for _, term := range core {
		add(term)
	}

	return terms
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}
