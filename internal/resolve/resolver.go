// Package resolve compares two manifests and decides, per document, whether
// content moves and in which direction. The plan it produces is deterministic:
// both peers running it over the same pair of manifests reach the same
// resolved state without further communication.
package resolve

import (
	"sort"

	"trosync.dev/go/trosync/internal/manifest"
)

// Transfer reasons, recorded for logging and the sync summary
const (
	ReasonMissingRemote = "missing_remote"
	ReasonMissingLocal  = "missing_local"
	ReasonCausal        = "causally_newer"
	ReasonLWW           = "last_write_wins"
	ReasonTombstone     = "tombstone"
	ReasonAlign         = "vector_align"
)

// Transfer moves one document's content and installs the resolved entry
type Transfer struct {
	DocID  string
	Reason string
	Entry  manifest.Entry
}

// Conflict is a concurrent edit of a critical document. No automatic
// resolution happens; both versions are kept as siblings and the external
// layer is notified.
type Conflict struct {
	DocID  string
	Local  manifest.Entry
	Remote manifest.Entry
}

// TextMerge is a concurrent edit of a document opted into text merging.
// Entry carries the resolved vector; the content hash is filled in after the
// merge runs. A failed merge falls back to the manual Conflict path.
type TextMerge struct {
	DocID  string
	Local  manifest.Entry
	Remote manifest.Entry
	Entry  manifest.Entry
}

// Plan is the full outcome of a manifest comparison
type Plan struct {
	Pulls     []Transfer
	Pushes    []Transfer
	Aligns    []manifest.Entry
	Merges    []TextMerge
	Conflicts []Conflict
	Locked    []string
}

// Empty reports whether the plan requires no work at all
func (p Plan) Empty() bool {
	return len(p.Pulls) == 0 && len(p.Pushes) == 0 && len(p.Aligns) == 0 &&
		len(p.Merges) == 0 && len(p.Conflicts) == 0
}

// DocCount returns the number of documents moving in either direction
func (p Plan) DocCount() int {
	return len(p.Pulls) + len(p.Pushes)
}

// BuildPlan compares the local and remote manifests and classifies every
// document known to either side. localID and remoteID are the two node ids,
// used for the deterministic LWW tie-break and for resolved vector bumps.
func BuildPlan(localID, remoteID string, local, remote []manifest.Entry) Plan {
	var plan Plan

	localByID := make(map[string]manifest.Entry, len(local))
	for _, e := range local {
		localByID[e.DocID] = e
	}
	remoteByID := make(map[string]manifest.Entry, len(remote))
	for _, e := range remote {
		remoteByID[e.DocID] = e
	}

	ids := make([]string, 0, len(localByID)+len(remoteByID))
	for id := range localByID {
		ids = append(ids, id)
	}
	for id := range remoteByID {
		if _, ok := localByID[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		l, haveLocal := localByID[id]
		r, haveRemote := remoteByID[id]

		switch {
		case !haveRemote:
			plan.Pushes = append(plan.Pushes, Transfer{DocID: id, Reason: ReasonMissingRemote, Entry: l})
		case !haveLocal:
			plan.Pulls = append(plan.Pulls, Transfer{DocID: id, Reason: ReasonMissingLocal, Entry: r})
		default:
			classifyPair(&plan, localID, remoteID, l, r)
		}
	}

	return plan
}

// classifyPair handles a document present on both sides
func classifyPair(plan *Plan, localID, remoteID string, l, r manifest.Entry) {
	id := l.DocID

	// A document locked for manual resolution is never touched automatically.
	if l.Conflicted {
		plan.Locked = append(plan.Locked, id)
		return
	}

	// Hash is authoritative for "same content", but only when both sides
	// agree on liveness: a tombstone and a live entry must still be ordered
	// causally even if the hash matches.
	if l.ContentHash == r.ContentHash && l.Deleted == r.Deleted {
		if manifest.Compare(l.Vector, r.Vector) != manifest.Equal {
			aligned := l.Clone()
			aligned.Vector = l.Vector.Merge(r.Vector)
			plan.Aligns = append(plan.Aligns, aligned)
		}
		return
	}

	switch manifest.Compare(l.Vector, r.Vector) {
	case manifest.Dominates:
		plan.Pushes = append(plan.Pushes, Transfer{DocID: id, Reason: causalReason(l), Entry: l})
	case manifest.Dominated:
		plan.Pulls = append(plan.Pulls, Transfer{DocID: id, Reason: causalReason(r), Entry: r})
	default:
		// Equal vectors with different hashes violate the hash invariant;
		// treat it like a concurrent edit so it resolves deterministically.
		classifyConcurrent(plan, localID, remoteID, l, r)
	}
}

// classifyConcurrent resolves a genuine concurrent edit
func classifyConcurrent(plan *Plan, localID, remoteID string, l, r manifest.Entry) {
	id := l.DocID

	// Tombstones are sticky: a concurrent delete beats any timestamp.
	// Only a vector that dominates the tombstone (handled above) undeletes.
	if l.Deleted != r.Deleted {
		if l.Deleted {
			e := resolved(l, l.Vector, r.Vector, localID)
			plan.Pushes = append(plan.Pushes, Transfer{DocID: id, Reason: ReasonTombstone, Entry: e})
		} else {
			e := resolved(r, l.Vector, r.Vector, remoteID)
			plan.Pulls = append(plan.Pulls, Transfer{DocID: id, Reason: ReasonTombstone, Entry: e})
		}
		return
	}

	if l.Critical || r.Critical {
		plan.Conflicts = append(plan.Conflicts, Conflict{DocID: id, Local: l, Remote: r})
		return
	}

	if l.MergeText && r.MergeText {
		winner := localID
		if remoteID < localID {
			winner = remoteID
		}
		e := resolved(l, l.Vector, r.Vector, winner)
		e.ContentHash = ""
		plan.Merges = append(plan.Merges, TextMerge{DocID: id, Local: l, Remote: r, Entry: e})
		return
	}

	// Last-Write-Wins by updated_at, ties broken by the lexicographically
	// smaller node id so both peers pick the same winner independently.
	localWins := l.UpdatedAt.After(r.UpdatedAt)
	if l.UpdatedAt.Equal(r.UpdatedAt) {
		localWins = localID < remoteID
	}

	if localWins {
		e := resolved(l, l.Vector, r.Vector, localID)
		plan.Pushes = append(plan.Pushes, Transfer{DocID: id, Reason: ReasonLWW, Entry: e})
	} else {
		e := resolved(r, l.Vector, r.Vector, remoteID)
		plan.Pulls = append(plan.Pulls, Transfer{DocID: id, Reason: ReasonLWW, Entry: e})
	}
}

// resolved builds the post-resolution entry: the winner's content and
// metadata under the element-wise maximum of both vectors, with the winning
// node's component incremented so the result is a causal descendant of both
// inputs. Both peers compute this identically.
func resolved(winner manifest.Entry, a, b manifest.Vector, winnerNode string) manifest.Entry {
	e := winner.Clone()
	e.Vector = a.Merge(b)
	e.Vector.Increment(winnerNode)
	return e
}

func causalReason(e manifest.Entry) string {
	if e.Deleted {
		return ReasonTombstone
	}
	return ReasonCausal
}
