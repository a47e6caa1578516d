package registry

import "testing"

func TestAddRemoveClearsBothIndices(t *testing.T) {
	r := New()
	ts := &TargetState{TargetID: "t1", SessionID: "s1"}
	r.Add(ts)

	if _, ok := r.ByTargetID("t1"); !ok {
		t.Fatalf("expected target indexed by target-id")
	}
	if _, ok := r.BySessionID("s1"); !ok {
		t.Fatalf("expected target indexed by session-id")
	}

	removed, ok := r.Remove("t1")
	if !ok || removed != ts {
		t.Fatalf("expected Remove to return the same TargetState")
	}

	if _, ok := r.ByTargetID("t1"); ok {
		t.Fatalf("target-id index should be cleared after Remove")
	}
	if _, ok := r.BySessionID("s1"); ok {
		t.Fatalf("session-id index should be cleared after Remove")
	}
}

func TestRemoveUnknownTarget(t *testing.T) {
	r := New()
	if _, ok := r.Remove("missing"); ok {
		t.Fatalf("expected Remove of unknown target to report not-found")
	}
}

func TestMutateIsAtomicPerTarget(t *testing.T) {
	r := New()
	r.Add(&TargetState{TargetID: "t1", SessionID: "s1"})

	ok := r.Mutate("t1", func(ts *TargetState) {
		ts.ConsecutiveEmptyDrains++
	})
	if !ok {
		t.Fatalf("expected Mutate to find t1")
	}
	ts, _ := r.ByTargetID("t1")
	if ts.ConsecutiveEmptyDrains != 1 {
		t.Fatalf("expected counter to be mutated in place")
	}
}

func TestIframeLinking(t *testing.T) {
	r := New()
	r.LinkIframe(&IframeLink{
		IframeTargetID:  "if1",
		IframeSessionID: "ifs1",
		ParentSessionID: "parentsess",
	})

	parent, ok := r.ParentOfIframeSession("ifs1")
	if !ok || parent != "parentsess" {
		t.Fatalf("expected iframe session to resolve to parent session")
	}

	r.UnlinkIframesForParent("parentsess")
	if _, ok := r.ParentOfIframeSession("ifs1"); ok {
		t.Fatalf("expected iframe link to be removed with its parent")
	}
}

func TestTargetIDsIsSorted(t *testing.T) {
	r := New()
	r.Add(&TargetState{TargetID: "charlie", SessionID: "sc"})
	r.Add(&TargetState{TargetID: "alpha", SessionID: "sa"})
	r.Add(&TargetState{TargetID: "bravo", SessionID: "sb"})

	got := r.TargetIDs()
	want := []string{"alpha", "bravo", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted order %v, got %v", want, got)
		}
	}
}

func TestCountReflectsAddAndRemove(t *testing.T) {
	r := New()
	r.Add(&TargetState{TargetID: "a", SessionID: "sa"})
	r.Add(&TargetState{TargetID: "b", SessionID: "sb"})
	if got := r.Count(); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	r.Remove("a")
	if got := r.Count(); got != 1 {
		t.Fatalf("expected count 1 after remove, got %d", got)
	}
}
