package challenge

import "context"

// Evaluator runs a page-side script on behalf of the detector/solver and
// decodes its JSON-serializable return value. The Session Coordinator
// implements this over `Runtime.evaluate` against either the per-page or
// browser WebSocket per spec §4.1's routing rules; this package is
// transport-agnostic.
type Evaluator interface {
	Evaluate(ctx context.Context, targetID string, script string) (DetectionReport, error)
}

// WidgetProbe is the narrower evaluator used by the runtime-poll path
// (spec §4.6.1 item 3), which additionally reports whether a token is
// already present so the fast path can skip the solve pipeline.
type WidgetProbe interface {
	ProbeWidget(ctx context.Context, targetID string) (present bool, solved bool, tokenLength int, err error)
}

// IsSolvedProbe implements the four-signal `isSolved` predicate preserved
// verbatim from spec §9's second open question: inspects both
// window.__turnstileSolved and the hidden input value, and distinguishes
// confirmed_error from error_text by token presence.
type IsSolvedProbe interface {
	IsSolved(ctx context.Context, targetID string) (solved bool, tokenLength int, err error)
	WidgetError(ctx context.Context, targetID string) (hasError bool, confirmedError bool, err error)
}
