package replaystore

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStopTabReplayPersistsAndReturnsVideo(t *testing.T) {
	s := openTestStore(t)

	r := Replay{
		ID:         "replay-1",
		TrackingID: "tid-1",
		StartedAt:  time.Now().Add(-10 * time.Second),
		EndedAt:    time.Now(),
		Duration:   10 * time.Second,
		EventCount: 42,
		TargetID:   "tgt-1",
	}

	res := s.StopTabReplay(context.Background(), r, 5)
	if !res.IsOk() {
		t.Fatalf("expected ok result, got err: %v", res.Err)
	}
	if res.Value.FrameCount != 5 {
		t.Fatalf("expected frame count 5, got %d", res.Value.FrameCount)
	}
}

// TestStopTabReplayDeclinesInactiveTab covers the "store declines ... return
// null" path from spec §4.4 step 4.
func TestStopTabReplayDeclinesInactiveTab(t *testing.T) {
	s := openTestStore(t)

	res := s.StopTabReplay(context.Background(), Replay{ID: "replay-empty"}, 0)
	if !res.IsOk() {
		t.Fatalf("decline should not be an error result: %v", res.Err)
	}
	if res.Value != nil {
		t.Fatalf("expected nil video for a declined inactive tab")
	}
}

func TestDeleteVideoReportsNotFound(t *testing.T) {
	s := openTestStore(t)

	res := s.DeleteVideo(context.Background(), "does-not-exist")
	if !res.IsOk() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Value {
		t.Fatalf("expected false for a video that was never created")
	}
}

func TestDeleteVideoRemovesExisting(t *testing.T) {
	s := openTestStore(t)
	s.StopTabReplay(context.Background(), Replay{ID: "replay-2", EventCount: 1}, 3)

	res := s.DeleteVideo(context.Background(), "replay-2")
	if !res.IsOk() || !res.Value {
		t.Fatalf("expected successful delete, got %+v", res)
	}

	res2 := s.DeleteVideo(context.Background(), "replay-2")
	if !res2.IsOk() || res2.Value {
		t.Fatalf("expected second delete to report not-found, got %+v", res2)
	}
}
