package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/browserless-labs/replayguard/internal/challenge"
)

// runtimeEvaluateResultWire decodes Runtime.evaluate's {result:{value:...}}
// envelope; value itself carries whatever JSON the page-side script
// returned, per spec §4.6.1's detection/probe scripts.
type runtimeEvaluateResultWire struct {
	Result struct {
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

// evaluate runs script on the page identified by cdpSessionID and decodes
// its returned value into v.
func (c *Coordinator) evaluate(ctx context.Context, cdpSessionID, script string, v interface{}) error {
	raw, err := c.transport.Send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    script,
		"returnByValue": true,
		"awaitPromise":  false,
	}, cdpSessionID)
	if err != nil {
		return err
	}
	var wire runtimeEvaluateResultWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	if wire.ExceptionDetails != nil {
		return fmt.Errorf("coordinator: page script exception: %s", wire.ExceptionDetails.Text)
	}
	if v == nil || len(wire.Result.Value) == 0 {
		return nil
	}
	return json.Unmarshal(wire.Result.Value, v)
}

func (c *Coordinator) sessionIDFor(targetID string) (string, bool) {
	ts, ok := c.registry.ByTargetID(targetID)
	if !ok {
		return "", false
	}
	return ts.SessionID, true
}

// pageEvaluator adapts the Coordinator to challenge.Evaluator for the
// navigation-poll detection path (spec §4.6.1 item 1).
type pageEvaluator struct{ c *Coordinator }

type detectionReportWire struct {
	Detected  bool   `json:"detected"`
	CType     string `json:"cType"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	IframeURL string `json:"iframeUrl"`
	CRay      string `json:"cRay"`
}

func (p pageEvaluator) Evaluate(ctx context.Context, targetID string, script string) (challenge.DetectionReport, error) {
	sessionID, ok := p.c.sessionIDFor(targetID)
	if !ok {
		return challenge.DetectionReport{}, fmt.Errorf("coordinator: no session for target %s", targetID)
	}
	var w detectionReportWire
	if err := p.c.evaluate(ctx, sessionID, script, &w); err != nil {
		return challenge.DetectionReport{}, err
	}
	return challenge.DetectionReport{
		Detected:  w.Detected,
		CType:     w.CType,
		Method:    w.Method,
		URL:       w.URL,
		IframeURL: w.IframeURL,
		CRay:      w.CRay,
	}, nil
}

// pageClickFinder adapts the Coordinator to challenge.ClickTargetFinder.
type pageClickFinder struct{ c *Coordinator }

type clickTargetWire struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Method string  `json:"m"`
	Debug  string  `json:"d"`
}

func (p pageClickFinder) FindClickTarget(ctx context.Context, targetID string, aggressive bool) (challenge.ClickTarget, error) {
	sessionID, ok := p.c.sessionIDFor(targetID)
	if !ok {
		return challenge.ClickTarget{}, fmt.Errorf("coordinator: no session for target %s", targetID)
	}
	script := fmt.Sprintf("(%s)(%t)", challenge.ClickTargetScript, aggressive)
	var w clickTargetWire
	if err := p.c.evaluate(ctx, sessionID, script, &w); err != nil {
		return challenge.ClickTarget{}, err
	}
	return challenge.ClickTarget{X: w.X, Y: w.Y, Method: w.Method, Debug: w.Debug}, nil
}

// pageWidgetProbe adapts the Coordinator to challenge.WidgetProbe for the
// runtime-poll detection path (spec §4.6.1 item 3).
type pageWidgetProbe struct{ c *Coordinator }

type widgetProbeWire struct {
	Present     bool `json:"present"`
	Solved      bool `json:"solved"`
	TokenLength int  `json:"tokenLength"`
}

func (p pageWidgetProbe) ProbeWidget(ctx context.Context, targetID string) (bool, bool, int, error) {
	sessionID, ok := p.c.sessionIDFor(targetID)
	if !ok {
		return false, false, 0, fmt.Errorf("coordinator: no session for target %s", targetID)
	}
	var w widgetProbeWire
	if err := p.c.evaluate(ctx, sessionID, widgetProbeScript, &w); err != nil {
		return false, false, 0, err
	}
	return w.Present, w.Solved, w.TokenLength, nil
}

// pageIsSolvedProbe adapts the Coordinator to challenge.IsSolvedProbe,
// preserving the four-signal predicate from spec §9's second open
// question: window.__turnstileSolved, the hidden input value, and the
// confirmed_error/error_text distinction gated on token presence.
type pageIsSolvedProbe struct{ c *Coordinator }

type isSolvedWire struct {
	Solved      bool `json:"solved"`
	TokenLength int  `json:"tokenLength"`
}

type widgetErrorWire struct {
	HasError       bool `json:"hasError"`
	ConfirmedError bool `json:"confirmedError"`
}

func (p pageIsSolvedProbe) IsSolved(ctx context.Context, targetID string) (bool, int, error) {
	sessionID, ok := p.c.sessionIDFor(targetID)
	if !ok {
		return false, 0, fmt.Errorf("coordinator: no session for target %s", targetID)
	}
	var w isSolvedWire
	if err := p.c.evaluate(ctx, sessionID, isSolvedScript, &w); err != nil {
		return false, 0, err
	}
	return w.Solved, w.TokenLength, nil
}

func (p pageIsSolvedProbe) WidgetError(ctx context.Context, targetID string) (bool, bool, error) {
	sessionID, ok := p.c.sessionIDFor(targetID)
	if !ok {
		return false, false, fmt.Errorf("coordinator: no session for target %s", targetID)
	}
	var w widgetErrorWire
	if err := p.c.evaluate(ctx, sessionID, widgetErrorScript, &w); err != nil {
		return false, false, err
	}
	return w.HasError, w.ConfirmedError, nil
}

// pageSender adapts one page's transport routing to humanizer.Sender.
type pageSender struct {
	c         *Coordinator
	sessionID string
}

func (p pageSender) Send(ctx context.Context, method string, params map[string]interface{}) error {
	_, err := p.c.transport.Send(ctx, method, params, p.sessionID)
	return err
}

const widgetProbeScript = `(() => {
	const el = document.querySelector('.cf-turnstile, [data-sitekey], iframe[src*="challenges.cloudflare.com"]');
	const input = document.querySelector('input[name="cf-turnstile-response"]');
	const tokenLen = input && input.value ? input.value.length : 0;
	return {present: !!el, solved: tokenLen > 0, tokenLength: tokenLen};
})()`

// isSolvedScript preserves the four-signal predicate verbatim: checks
// both window.__turnstileSolved and the hidden input value.
const isSolvedScript = `(() => {
	const input = document.querySelector('input[name="cf-turnstile-response"]');
	const tokenLen = input && input.value ? input.value.length : 0;
	const flagged = !!window.__turnstileSolved;
	return {solved: flagged || tokenLen > 0, tokenLength: tokenLen};
})()`

const widgetErrorScript = `(() => {
	const input = document.querySelector('input[name="cf-turnstile-response"]');
	const tokenPresent = !!(input && input.value);
	const errEl = document.querySelector('[data-state="error"], .cf-turnstile-error');
	return {hasError: !!errEl, confirmedError: !!errEl && !tokenPresent};
})()`
