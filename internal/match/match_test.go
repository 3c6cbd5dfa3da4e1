package match

import (
	"strings"
	"testing"

	"agendawatch/internal/config"
	"agendawatch/internal/store"
)

func change(sourceID, title, summary string) store.Change {
	return store.Change{
		EventID:  "ev-" + sourceID + "-" + title,
		ItemID:   "item-" + title,
		SourceID: sourceID,
		Type:     store.ChangeAdded,
		Title:    title,
		Summary:  summary,
	}
}

func subscriber(id string, keywords, sources []string) config.Subscriber {
	return config.Subscriber{
		ID:       id,
		Email:    id + "@example.org",
		Keywords: keywords,
		Sources:  sources,
		Status:   config.StatusActive,
	}
}

func TestKeywordMatchingIsCaseInsensitive(t *testing.T) {
	changes := []store.Change{
		change("council", "Housing Committee Agenda", "affordable units"),
		change("council", "Transportation Plan", "bus lanes"),
	}
	subs := []config.Subscriber{subscriber("ana", []string{"housing"}, nil)}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1: %+v", len(pairs), pairs)
	}
	if pairs[0].Change.Title != "Housing Committee Agenda" {
		t.Errorf("matched %q, want the housing change", pairs[0].Change.Title)
	}
}

func TestKeywordsAreORed(t *testing.T) {
	changes := []store.Change{
		change("council", "Housing Committee Agenda", ""),
		change("council", "Transportation Plan", ""),
		change("council", "Library Budget", ""),
	}
	subs := []config.Subscriber{subscriber("ana", []string{"housing", "transportation"}, nil)}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
}

func TestEmptyKeywordsMatchEverything(t *testing.T) {
	changes := []store.Change{
		change("council", "Housing Committee Agenda", ""),
		change("planning", "Zoning Update", ""),
	}
	subs := []config.Subscriber{subscriber("ana", nil, nil)}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 2 {
		t.Fatalf("empty-keyword subscriber got %d pairs, want 2", len(pairs))
	}
}

func TestSourceFilter(t *testing.T) {
	changes := []store.Change{
		change("council", "Housing Committee Agenda", ""),
		change("planning", "Housing Element Update", ""),
	}
	subs := []config.Subscriber{subscriber("ana", []string{"housing"}, []string{"planning"})}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if pairs[0].Change.SourceID != "planning" {
		t.Errorf("matched source %q, want planning", pairs[0].Change.SourceID)
	}
}

func TestPausedSubscribersGetNothing(t *testing.T) {
	changes := []store.Change{change("council", "Housing Committee Agenda", "")}
	sub := subscriber("ana", []string{"housing"}, nil)
	sub.Status = config.StatusPaused

	pairs := Match(changes, []config.Subscriber{sub}, config.MatchSubstring)
	if len(pairs) != 0 {
		t.Fatalf("paused subscriber got %d pairs, want 0", len(pairs))
	}
}

func TestSubstringMatchesInsideWords(t *testing.T) {
	changes := []store.Change{change("council", "Parking Enforcement Update", "")}
	subs := []config.Subscriber{subscriber("ana", []string{"park"}, nil)}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 1 {
		t.Fatalf("substring mode got %d pairs, want 1", len(pairs))
	}
}

func TestTokenModeRequiresWholeWords(t *testing.T) {
	changes := []store.Change{
		change("council", "Parking Enforcement Update", ""),
		change("council", "New Park Opening", ""),
	}
	subs := []config.Subscriber{subscriber("ana", []string{"park"}, nil)}

	pairs := Match(changes, subs, config.MatchToken)
	if len(pairs) != 1 {
		t.Fatalf("token mode got %d pairs, want 1: %+v", len(pairs), pairs)
	}
	if pairs[0].Change.Title != "New Park Opening" {
		t.Errorf("matched %q, want the whole-word hit", pairs[0].Change.Title)
	}
}

func TestTokenModeMultiWordKeyword(t *testing.T) {
	changes := []store.Change{
		change("council", "Affordable Housing Bond Measure", ""),
		change("council", "Housing Report", ""),
	}
	subs := []config.Subscriber{subscriber("ana", []string{"affordable housing"}, nil)}

	pairs := Match(changes, subs, config.MatchToken)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if pairs[0].Change.Title != "Affordable Housing Bond Measure" {
		t.Errorf("matched %q", pairs[0].Change.Title)
	}
}

func TestKeywordDeepInLongSummary(t *testing.T) {
	// Whole-page items carry the full normalized text; a keyword far into
	// it must still match.
	summary := strings.Repeat("procedural boilerplate ", 40) + "zoning variance request"
	changes := []store.Change{change("council", "Council Agenda page", summary)}
	subs := []config.Subscriber{subscriber("ana", []string{"zoning"}, nil)}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
}

func TestKeywordMatchesSummaryToo(t *testing.T) {
	changes := []store.Change{change("council", "Consent Calendar", "item 4: housing trust fund allocation")}
	subs := []config.Subscriber{subscriber("ana", []string{"housing"}, nil)}

	pairs := Match(changes, subs, config.MatchSubstring)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
}
