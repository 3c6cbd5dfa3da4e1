// Package match routes detected changes to the subscribers who asked for
// them. Matching is pure: it takes the run's changes and the subscriber
// list and returns (subscriber, change) pairs, leaving delivery and
// dedup to the notifier.
package match

import (
	"strings"

	"agendawatch/internal/config"
	"agendawatch/internal/store"
)

// Pair is one change a subscriber should be told about.
type Pair struct {
	Subscriber config.Subscriber
	Change     store.Change
}

// Match filters the run's changes per subscriber. A subscriber with no
// source filter watches every source; one with no keywords matches every
// change from their sources. Keywords are OR-ed and compared
// case-insensitively against the change title and summary. Paused
// subscribers receive nothing.
func Match(changes []store.Change, subscribers []config.Subscriber, mode string) []Pair {
	var pairs []Pair
	for _, sub := range subscribers {
		if sub.Status != config.StatusActive {
			continue
		}
		for _, change := range changes {
			if !watchesSource(sub, change.SourceID) {
				continue
			}
			if !matchesKeywords(sub.Keywords, change, mode) {
				continue
			}
			pairs = append(pairs, Pair{Subscriber: sub, Change: change})
		}
	}
	return pairs
}

func watchesSource(sub config.Subscriber, sourceID string) bool {
	if len(sub.Sources) == 0 {
		return true
	}
	for _, id := range sub.Sources {
		if id == sourceID {
			return true
		}
	}
	return false
}

func matchesKeywords(keywords []string, change store.Change, mode string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(change.Title + " " + change.Summary)
	var tokens map[string]bool
	if mode == config.MatchToken {
		tokens = tokenize(haystack)
	}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if mode == config.MatchToken {
			if matchesTokens(tokens, kw) {
				return true
			}
			continue
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !isWordRune(r)
	}) {
		tokens[tok] = true
	}
	return tokens
}

// matchesTokens requires every word of a multi-word keyword to be present
// as a whole token, so "park" no longer matches "parking".
func matchesTokens(tokens map[string]bool, kw string) bool {
	words := strings.Fields(kw)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !tokens[w] {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
