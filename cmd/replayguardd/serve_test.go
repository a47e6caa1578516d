package main

import "testing"

func TestPageDebuggerURLReplacesPath(t *testing.T) {
	got, err := pageDebuggerURL("ws://127.0.0.1:9222/devtools/browser/abc-123", "target-7")
	if err != nil {
		t.Fatalf("pageDebuggerURL: %v", err)
	}
	want := "ws://127.0.0.1:9222/devtools/page/target-7"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPageDebuggerURLRejectsUnparseableURL(t *testing.T) {
	if _, err := pageDebuggerURL("://not-a-url", "target-7"); err == nil {
		t.Fatalf("expected an error for an unparseable browser ws url")
	}
}
