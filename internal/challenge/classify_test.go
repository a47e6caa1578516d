package challenge

import "testing"

func TestClassifyManagedFromCType(t *testing.T) {
	typ, ok := Classify(DetectionReport{CType: "managed"}, false)
	if !ok || typ != TypeManaged {
		t.Fatalf("got %q, %v", typ, ok)
	}
}

func TestClassifyRayIDFooterWithIframe(t *testing.T) {
	typ, ok := Classify(DetectionReport{Method: "ray_id_footer"}, true)
	if !ok || typ != TypeTurnstile {
		t.Fatalf("expected turnstile with iframe present, got %q", typ)
	}
}

func TestClassifyRayIDFooterWithoutIframe(t *testing.T) {
	typ, ok := Classify(DetectionReport{Method: "ray_id_footer"}, false)
	if !ok || typ != TypeInterstitial {
		t.Fatalf("expected interstitial without iframe, got %q", typ)
	}
}

func TestClassifyBlockNeverSolved(t *testing.T) {
	typ, ok := Classify(DetectionReport{Method: "cf_error_page"}, false)
	if !ok || typ != TypeBlock {
		t.Fatalf("got %q, %v", typ, ok)
	}
}

func TestClassifyIframeOnlyIsTurnstile(t *testing.T) {
	typ, ok := Classify(DetectionReport{}, true)
	if !ok || typ != TypeTurnstile {
		t.Fatalf("got %q, %v", typ, ok)
	}
}

func TestClassifyNoSignalFails(t *testing.T) {
	_, ok := Classify(DetectionReport{}, false)
	if ok {
		t.Fatalf("expected no classification without any signal")
	}
}
