// Package diff compares the current run's item set against a source's
// persisted baseline and emits the changes not yet seen. Item ids are pure
// content fingerprints, so a content edit shows up as a new id; the differ
// pairs it back to the vanished id by (source, title) and reports a single
// "modified" change instead of an added/removed pair.
package diff

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"agendawatch/internal/config"
	"agendawatch/internal/parse"
	"agendawatch/internal/store"
)

// Differ computes per-source change sets against the store's baseline.
type Differ struct {
	st     *store.Store
	policy string
}

// New creates a Differ. policy selects the modified-pairing heuristic.
func New(st *store.Store, policy string) *Differ {
	if policy == "" {
		policy = config.ModifiedPolicySourceTitle
	}
	return &Differ{st: st, policy: policy}
}

// DiffSource diffs one source's current items against its baseline, records
// the new changes, and persists the current set as the next baseline.
//
// First run for a source is a cold start: the items become the baseline and
// no changes are emitted, so a fresh install never alerts on "everything
// added". Re-running an identical snapshot emits nothing: the ids match the
// baseline and any replayed events are dropped by the change log's
// event-id key.
func (d *Differ) DiffSource(sourceID string, current []store.Item, now time.Time) ([]store.Change, error) {
	previous, hasBaseline, err := d.st.GetBaseline(sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline for %s: %w", sourceID, err)
	}

	stamp := now.UTC().Format("2006-01-02T15:04:05Z")
	current = stampSeen(current, previous, stamp)

	if !hasBaseline {
		if err := d.st.ReplaceBaseline(sourceID, current); err != nil {
			return nil, fmt.Errorf("persisting cold-start baseline for %s: %w", sourceID, err)
		}
		return nil, nil
	}

	changes := d.compare(previous, current, stamp)

	var recorded []store.Change
	for _, c := range changes {
		inserted, err := d.st.InsertChange(c)
		if err != nil {
			return nil, fmt.Errorf("recording change for %s: %w", sourceID, err)
		}
		if inserted {
			recorded = append(recorded, c)
		}
	}

	if err := d.st.ReplaceBaseline(sourceID, current); err != nil {
		return nil, fmt.Errorf("persisting baseline for %s: %w", sourceID, err)
	}
	return recorded, nil
}

// compare computes added/removed/modified between two item sets.
func (d *Differ) compare(previous, current []store.Item, stamp string) []store.Change {
	prevByID := make(map[string]store.Item, len(previous))
	for _, item := range previous {
		prevByID[item.ID] = item
	}
	curByID := make(map[string]store.Item, len(current))
	for _, item := range current {
		curByID[item.ID] = item
	}

	var added []store.Item
	for _, item := range current {
		if _, ok := prevByID[item.ID]; !ok {
			added = append(added, item)
		}
	}

	removed := make(map[string]store.Item)
	for _, item := range previous {
		if _, ok := curByID[item.ID]; !ok {
			removed[item.ID] = item
		}
	}

	var changes []store.Change

	for _, item := range added {
		if prior, ok := d.pairModified(item, removed); ok {
			delete(removed, prior.ID)
			changes = append(changes, newChange(store.ChangeModified, item, stamp))
			continue
		}
		changes = append(changes, newChange(store.ChangeAdded, item, stamp))
	}

	// Deterministic order for the leftover removals.
	removedIDs := make([]string, 0, len(removed))
	for id := range removed {
		removedIDs = append(removedIDs, id)
	}
	sort.Strings(removedIDs)
	for _, id := range removedIDs {
		changes = append(changes, newChange(store.ChangeRemoved, removed[id], stamp))
	}

	return changes
}

// pairModified finds the previous item a new id should be treated as an
// edit of. Policy source_title: same source and normalized title; when
// several candidates exist the most recently seen one wins.
func (d *Differ) pairModified(item store.Item, removed map[string]store.Item) (store.Item, bool) {
	if d.policy != config.ModifiedPolicySourceTitle {
		return store.Item{}, false
	}

	key := parse.TitleKey(item.Title)
	var candidates []store.Item
	for _, prior := range removed {
		if prior.SourceID == item.SourceID && parse.TitleKey(prior.Title) == key {
			candidates = append(candidates, prior)
		}
	}
	if len(candidates) == 0 {
		return store.Item{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastSeen != candidates[j].LastSeen {
			return candidates[i].LastSeen > candidates[j].LastSeen
		}
		if candidates[i].FirstSeen != candidates[j].FirstSeen {
			return candidates[i].FirstSeen > candidates[j].FirstSeen
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// stampSeen carries first-seen times forward from the baseline and marks
// everything as seen now.
func stampSeen(current, previous []store.Item, stamp string) []store.Item {
	firstSeen := make(map[string]string, len(previous))
	for _, item := range previous {
		firstSeen[item.ID] = item.FirstSeen
	}

	stamped := make([]store.Item, len(current))
	for i, item := range current {
		if prior, ok := firstSeen[item.ID]; ok && prior != "" {
			item.FirstSeen = prior
		} else {
			item.FirstSeen = stamp
		}
		item.LastSeen = stamp
		stamped[i] = item
	}
	return stamped
}

func newChange(changeType string, item store.Item, stamp string) store.Change {
	return store.Change{
		EventID:    eventID(changeType, item),
		ItemID:     item.ID,
		SourceID:   item.SourceID,
		Type:       changeType,
		Title:      item.Title,
		Summary:    item.Summary,
		DetectedAt: stamp,
	}
}

// eventID is a stable hash of the change identity, used to drop replayed
// events across runs.
func eventID(changeType string, item store.Item) string {
	sum := sha256.Sum256([]byte(changeType + ":" + item.ID + ":" + item.Title))
	return fmt.Sprintf("%x", sum[:8])
}
