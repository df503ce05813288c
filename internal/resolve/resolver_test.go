package resolve

import (
	"bytes"
	"testing"
	"time"

	"trosync.dev/go/trosync/internal/manifest"
)

func entry(id string, v manifest.Vector, hash string, at time.Time) manifest.Entry {
	return manifest.Entry{DocID: id, Vector: v, ContentHash: hash, UpdatedAt: at}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBuildPlanMissing(t *testing.T) {
	local := []manifest.Entry{entry("a", manifest.Vector{"H": 1}, "h1", t0)}
	remote := []manifest.Entry{entry("b", manifest.Vector{"D": 1}, "h2", t0)}

	plan := BuildPlan("H", "D", local, remote)

	if len(plan.Pushes) != 1 || plan.Pushes[0].DocID != "a" || plan.Pushes[0].Reason != ReasonMissingRemote {
		t.Fatalf("pushes = %+v", plan.Pushes)
	}
	if len(plan.Pulls) != 1 || plan.Pulls[0].DocID != "b" || plan.Pulls[0].Reason != ReasonMissingLocal {
		t.Fatalf("pulls = %+v", plan.Pulls)
	}
}

func TestBuildPlanIdentical(t *testing.T) {
	docs := []manifest.Entry{entry("a", manifest.Vector{"H": 2, "D": 1}, "h1", t0)}
	plan := BuildPlan("H", "D", docs, docs)
	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestBuildPlanCausal(t *testing.T) {
	local := []manifest.Entry{entry("a", manifest.Vector{"H": 2, "D": 1}, "h2", t0.Add(time.Minute))}
	remote := []manifest.Entry{entry("a", manifest.Vector{"H": 1, "D": 1}, "h1", t0)}

	plan := BuildPlan("H", "D", local, remote)
	if len(plan.Pushes) != 1 || plan.Pushes[0].Reason != ReasonCausal {
		t.Fatalf("pushes = %+v", plan.Pushes)
	}
	// The dominant entry travels unchanged, no vector bump.
	if got := plan.Pushes[0].Entry.Vector; manifest.Compare(got, manifest.Vector{"H": 2, "D": 1}) != manifest.Equal {
		t.Errorf("vector = %v", got)
	}

	// Flip the direction.
	plan = BuildPlan("D", "H", remote, local)
	if len(plan.Pulls) != 1 || plan.Pulls[0].Reason != ReasonCausal {
		t.Fatalf("pulls = %+v", plan.Pulls)
	}
}

func TestBuildPlanConcurrentLWW(t *testing.T) {
	// Hub wrote at t0, Dept wrote later. Dept's write wins and both sides
	// must compute the same resolved vector: max of both plus a bump for
	// the winner, Dept.
	hub := entry("doc1", manifest.Vector{"H": 3}, "hh", t0)
	dept := entry("doc1", manifest.Vector{"H": 1, "D": 1}, "hd", t0.Add(time.Minute))
	want := manifest.Vector{"H": 3, "D": 2}

	fromHub := BuildPlan("H", "D", []manifest.Entry{hub}, []manifest.Entry{dept})
	if len(fromHub.Pulls) != 1 || fromHub.Pulls[0].Reason != ReasonLWW {
		t.Fatalf("hub plan = %+v", fromHub)
	}
	if got := fromHub.Pulls[0].Entry; manifest.Compare(got.Vector, want) != manifest.Equal || got.ContentHash != "hd" {
		t.Errorf("hub resolved entry = %+v", got)
	}

	fromDept := BuildPlan("D", "H", []manifest.Entry{dept}, []manifest.Entry{hub})
	if len(fromDept.Pushes) != 1 || fromDept.Pushes[0].Reason != ReasonLWW {
		t.Fatalf("dept plan = %+v", fromDept)
	}
	if got := fromDept.Pushes[0].Entry; manifest.Compare(got.Vector, want) != manifest.Equal || got.ContentHash != "hd" {
		t.Errorf("dept resolved entry = %+v", got)
	}
}

func TestBuildPlanLWWTieBreak(t *testing.T) {
	// Identical timestamps: the lexicographically smaller node id wins on
	// both sides.
	a := entry("doc", manifest.Vector{"A": 1}, "ha", t0)
	b := entry("doc", manifest.Vector{"B": 1}, "hb", t0)

	plan := BuildPlan("A", "B", []manifest.Entry{a}, []manifest.Entry{b})
	if len(plan.Pushes) != 1 || plan.Pushes[0].Entry.ContentHash != "ha" {
		t.Fatalf("expected A to win locally, plan = %+v", plan)
	}

	plan = BuildPlan("B", "A", []manifest.Entry{b}, []manifest.Entry{a})
	if len(plan.Pulls) != 1 || plan.Pulls[0].Entry.ContentHash != "ha" {
		t.Fatalf("expected A to win remotely, plan = %+v", plan)
	}
}

func TestBuildPlanCriticalConflict(t *testing.T) {
	l := entry("doc", manifest.Vector{"A": 1}, "ha", t0.Add(time.Hour))
	l.Critical = true
	r := entry("doc", manifest.Vector{"B": 1}, "hb", t0)

	plan := BuildPlan("A", "B", []manifest.Entry{l}, []manifest.Entry{r})
	if len(plan.Conflicts) != 1 || plan.DocCount() != 0 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Conflicts[0].Local.ContentHash != "ha" || plan.Conflicts[0].Remote.ContentHash != "hb" {
		t.Errorf("conflict = %+v", plan.Conflicts[0])
	}
}

func TestBuildPlanLockedSkipped(t *testing.T) {
	l := entry("doc", manifest.Vector{"A": 1}, "ha", t0)
	l.Conflicted = true
	r := entry("doc", manifest.Vector{"B": 1}, "hb", t0.Add(time.Hour))

	plan := BuildPlan("A", "B", []manifest.Entry{l}, []manifest.Entry{r})
	if plan.DocCount() != 0 || len(plan.Conflicts) != 0 {
		t.Fatalf("locked doc must not move: %+v", plan)
	}
	if len(plan.Locked) != 1 || plan.Locked[0] != "doc" {
		t.Errorf("locked = %v", plan.Locked)
	}
}

func TestBuildPlanTombstoneSticky(t *testing.T) {
	// Concurrent delete vs. a later edit: the tombstone wins.
	dead := entry("doc", manifest.Vector{"A": 2}, "ha", t0)
	dead.Deleted = true
	live := entry("doc", manifest.Vector{"A": 1, "B": 1}, "hb", t0.Add(time.Hour))

	plan := BuildPlan("A", "B", []manifest.Entry{dead}, []manifest.Entry{live})
	if len(plan.Pushes) != 1 || plan.Pushes[0].Reason != ReasonTombstone {
		t.Fatalf("plan = %+v", plan)
	}
	e := plan.Pushes[0].Entry
	if !e.Deleted {
		t.Error("resolved entry must stay deleted")
	}
	if manifest.Compare(e.Vector, manifest.Vector{"A": 3, "B": 1}) != manifest.Equal {
		t.Errorf("vector = %v", e.Vector)
	}
}

func TestBuildPlanUndeleteByDominance(t *testing.T) {
	// An edit that causally dominates the tombstone revives the document.
	dead := entry("doc", manifest.Vector{"A": 2}, "ha", t0)
	dead.Deleted = true
	revived := entry("doc", manifest.Vector{"A": 2, "B": 1}, "hb", t0.Add(time.Minute))

	plan := BuildPlan("A", "B", []manifest.Entry{dead}, []manifest.Entry{revived})
	if len(plan.Pulls) != 1 || plan.Pulls[0].Reason != ReasonCausal {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Pulls[0].Entry.Deleted {
		t.Error("dominating live entry must undelete")
	}
}

func TestBuildPlanVectorAlign(t *testing.T) {
	// Same content, diverged vectors: no transfer, local vector converges
	// to the element-wise max.
	l := entry("doc", manifest.Vector{"A": 2}, "same", t0)
	r := entry("doc", manifest.Vector{"A": 1, "B": 1}, "same", t0)

	plan := BuildPlan("A", "B", []manifest.Entry{l}, []manifest.Entry{r})
	if plan.DocCount() != 0 || len(plan.Aligns) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	if got := plan.Aligns[0].Vector; manifest.Compare(got, manifest.Vector{"A": 2, "B": 1}) != manifest.Equal {
		t.Errorf("aligned vector = %v", got)
	}
}

func TestBuildPlanMergeText(t *testing.T) {
	l := entry("notes", manifest.Vector{"A": 1}, "ha", t0)
	l.MergeText = true
	r := entry("notes", manifest.Vector{"B": 1}, "hb", t0.Add(time.Second))
	r.MergeText = true

	plan := BuildPlan("A", "B", []manifest.Entry{l}, []manifest.Entry{r})
	if len(plan.Merges) != 1 || plan.DocCount() != 0 {
		t.Fatalf("plan = %+v", plan)
	}
	m := plan.Merges[0]
	if m.Entry.ContentHash != "" {
		t.Error("merge entry hash must be unset until the merge runs")
	}
	// Winner of the vector bump is the smaller node id on both sides.
	want := manifest.Vector{"A": 2, "B": 1}
	if manifest.Compare(m.Entry.Vector, want) != manifest.Equal {
		t.Errorf("vector = %v", m.Entry.Vector)
	}

	flipped := BuildPlan("B", "A", []manifest.Entry{r}, []manifest.Entry{l})
	if len(flipped.Merges) != 1 {
		t.Fatalf("flipped plan = %+v", flipped)
	}
	if manifest.Compare(flipped.Merges[0].Entry.Vector, want) != manifest.Equal {
		t.Errorf("flipped vector = %v", flipped.Merges[0].Entry.Vector)
	}
}

func TestPlanIdempotent(t *testing.T) {
	// Applying the resolved entry on both sides leaves nothing to do.
	hub := entry("doc1", manifest.Vector{"H": 3}, "hh", t0)
	dept := entry("doc1", manifest.Vector{"H": 1, "D": 1}, "hd", t0.Add(time.Minute))

	plan := BuildPlan("H", "D", []manifest.Entry{hub}, []manifest.Entry{dept})
	resolvedEntry := plan.Pulls[0].Entry

	again := BuildPlan("H", "D", []manifest.Entry{resolvedEntry}, []manifest.Entry{resolvedEntry})
	if !again.Empty() {
		t.Fatalf("second round not empty: %+v", again)
	}
}

func TestMergeTextSymmetric(t *testing.T) {
	a := []byte("alpha\nbravo\n")
	b := []byte("alpha\ncharlie\n")

	ab, err := MergeText(a, b)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	ba, err := MergeText(b, a)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatalf("asymmetric merge: %q vs %q", ab, ba)
	}
	for _, line := range []string{"alpha\n", "bravo\n", "charlie\n"} {
		if !bytes.Contains(ab, []byte(line)) {
			t.Errorf("merged output missing %q: %q", line, ab)
		}
	}
}

func TestMergeTextIdentical(t *testing.T) {
	a := []byte("same\ncontent\n")
	out, err := MergeText(a, a)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !bytes.Equal(out, a) {
		t.Fatalf("identical merge changed content: %q", out)
	}
}

func TestMergeTextRejectsBinary(t *testing.T) {
	if _, err := MergeText([]byte{0xff, 0xfe, 0x00}, []byte("text")); err == nil {
		t.Fatal("expected error for non-UTF-8 input")
	}
}
