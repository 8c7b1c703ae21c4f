package media

import (
	"strings"
	"time"
)

// State is the derived lifecycle position of an item. It is computed from
// attributes on every evaluation and never persisted as a free field, so a
// partial write can never strand an item in a stale state.
type State string

const (
	StateUnknown    State = "Unknown"
	StateRequested  State = "Requested"
	StateIndexed    State = "Indexed"
	StateScraped    State = "Scraped"
	StateDownloaded State = "Downloaded"
	StateSymlinked  State = "Symlinked"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StatePaused     State = "Paused"
	StateOngoing    State = "Ongoing"
	StateUnreleased State = "Unreleased"
)

// stageOrder positions the pipeline states for folding parent state over
// leaves. Non-pipeline states (Failed, Paused, Ongoing, Unreleased, Unknown)
// are handled separately.
var stageOrder = map[State]int{
	StateRequested:  1,
	StateIndexed:    2,
	StateScraped:    3,
	StateDownloaded: 4,
	StateSymlinked:  5,
	StateCompleted:  6,
}

// StateAt derives the item's state at the given instant.
func (i *Item) StateAt(now time.Time) State {
	if i.Paused {
		return StatePaused
	}
	if i.FailedReason != "" {
		return StateFailed
	}
	if i.IsLeaf() {
		return i.leafState(now)
	}
	return i.foldState(now)
}

// State derives the item's state now.
func (i *Item) State() State {
	return i.StateAt(time.Now())
}

func (i *Item) leafState(now time.Time) State {
	if !i.IsReleased(now) {
		return StateUnreleased
	}
	registered := false
	for _, e := range i.FilesystemEntries {
		if e.Registered() {
			registered = true
			break
		}
	}
	// External ids live on the tree root; an episode is identified through
	// its show.
	root := i.Root()
	switch {
	case registered && i.PostProcessedAt != nil:
		return StateCompleted
	case registered:
		return StateSymlinked
	case len(i.FilesystemEntries) > 0:
		return StateDownloaded
	case i.ScrapedAt != nil && len(i.NonBlacklistedStreams()) > 0:
		return StateScraped
	case root.HasIdentifiers() && i.Title != "":
		return StateIndexed
	case !i.RequestedAt.IsZero() || root.HasIdentifiers():
		return StateRequested
	default:
		return StateUnknown
	}
}

// foldState folds a container's state over its leaves. All leaves Completed
// folds to Completed; a mix of Completed and Unreleased is an Ongoing show;
// otherwise the earliest pipeline stage among released leaves wins, so the
// scheduler always routes the container to the service its furthest-behind
// leaf needs.
func (i *Item) foldState(now time.Time) State {
	leaves := i.Leaves()
	if len(leaves) == 0 {
		// A container without leaves has not been through the indexer yet,
		// whatever metadata the request carried.
		if !i.RequestedAt.IsZero() || i.HasIdentifiers() {
			return StateRequested
		}
		return StateUnknown
	}

	var (
		unreleased int
		failed     int
		paused     int
		earliest   = stageOrder[StateCompleted] + 1
		completed  int
		active     int
	)
	for _, leaf := range leaves {
		s := leaf.StateAt(now)
		switch s {
		case StateUnreleased:
			unreleased++
			continue
		case StateFailed:
			failed++
			continue
		case StatePaused:
			paused++
			continue
		case StateUnknown:
			continue
		}
		active++
		if s == StateCompleted {
			completed++
		}
		if ord := stageOrder[s]; ord < earliest {
			earliest = ord
		}
	}

	switch {
	case unreleased == len(leaves):
		return StateUnreleased
	case active == 0 && failed > 0:
		return StateFailed
	case active == 0 && paused > 0:
		return StatePaused
	case active == 0:
		return StateUnknown
	case completed == active && unreleased > 0:
		return StateOngoing
	case completed == active:
		return StateCompleted
	}

	// Streams found for a container (a show-level or season-level scrape)
	// live on the container, not its leaves. While any of those candidates
	// is still unmaterialized the container routes to the downloader; once
	// every candidate is held or blacklisted the leaf fold shows through
	// again.
	if earliest <= stageOrder[StateIndexed] && i.ScrapedAt != nil && i.hasPendingStreams() {
		return StateScraped
	}

	for s, ord := range stageOrder {
		if ord == earliest {
			return s
		}
	}
	return StateUnknown
}

// hasPendingStreams reports whether any non-blacklisted candidate stream is
// not yet materialized as a filesystem entry anywhere in the subtree.
func (i *Item) hasPendingStreams() bool {
	if len(i.Streams) == 0 {
		return false
	}
	held := make(map[string]struct{})
	for _, leaf := range i.Leaves() {
		for _, e := range leaf.FilesystemEntries {
			if e.Infohash != "" {
				held[strings.ToLower(e.Infohash)] = struct{}{}
			}
		}
	}
	for _, s := range i.NonBlacklistedStreams() {
		if _, ok := held[strings.ToLower(s.Infohash)]; !ok {
			return true
		}
	}
	return false
}
