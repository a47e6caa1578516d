package coordinator

import (
	"context"
	"testing"
)

// TestArchivePDFRejectsUnreadableData exercises ArchivePDF's validation
// path: fakeConn auto-replies every command with an empty {} result, so
// the decoded PDF payload is empty and pdf.NewReader must reject it.
func TestArchivePDFRejectsUnreadableData(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	if _, err := c.ArchivePDF(context.Background(), "t1"); err == nil {
		t.Fatalf("expected an error decoding an empty PDF archive")
	}
}

func TestArchivePDFUnknownTargetErrors(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.ArchivePDF(context.Background(), "missing"); err == nil {
		t.Fatalf("expected an error for an unknown target")
	}
}
