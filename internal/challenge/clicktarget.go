package challenge

import "context"

// ClickTarget is the decoded {x, y, m, d} result of the click-target
// finder script (spec §4.6.3). Method "none" means no candidate was
// found by any of the 12 cascade steps.
type ClickTarget struct {
	X      float64
	Y      float64
	Method string
	Debug  string
}

// Found reports whether the finder located a usable target.
func (c ClickTarget) Found() bool { return c.Method != "" && c.Method != "none" }

// ClickTargetFinder runs the page-side 12-method priority cascade and
// returns its result. The Session Coordinator implements this over
// Runtime.evaluate with ClickTargetScript.
type ClickTargetFinder interface {
	FindClickTarget(ctx context.Context, targetID string, aggressive bool) (ClickTarget, error)
}

// ClickTargetScript implements the 12-method cascade from spec §4.6.3.
// Methods 0-5 are safe on any page (embedded widgets); methods 6-9 are
// gated behind aggressive (the page's challenge marker being present) and
// scan the body more broadly. All candidates are scrollIntoView-ed before
// measurement; the hit point is offset (x+30, y+height/2) to bias away
// from decorative left-edge icons.
const ClickTargetScript = `(function(aggressive) {
	function rect(el) {
		el.scrollIntoView({block: "center", inline: "center"});
		const r = el.getBoundingClientRect();
		return {x: r.left + 30, y: r.top + r.height / 2, w: r.width, h: r.height};
	}
	function near(w, h, tw, th, tol) {
		return Math.abs(w - tw) <= tol && Math.abs(h - th) <= tol;
	}

	// 0: iframe by src containing challenge host / widget name prefix (no bordered-box search)
	let el = document.querySelector('iframe[src*="challenges.cloudflare.com"], iframe[src*="turnstile"]');
	if (el) { const r = rect(el); return {x: r.x, y: r.y, m: "iframe_src", d: el.src}; }
	el = document.querySelector('iframe[name^="cf-chl-widget"]');
	if (el) { const r = rect(el); return {x: r.x, y: r.y, m: "iframe_name_prefix", d: el.name}; }

	// 1: ancestor of the response-input element, strict then relaxed size.
	const input = document.querySelector('input[name="cf-turnstile-response"], input[name="g-recaptcha-response"]');
	if (input) {
		let node = input.parentElement;
		for (let i = 0; i < 6 && node; i++, node = node.parentElement) {
			const r = rect(node);
			if (near(r.w, r.h, 300, 70, 10)) return {x: r.x, y: r.y, m: "input_ancestor_strict", d: ""};
		}
		node = input.parentElement;
		for (let i = 0; i < 6 && node; i++, node = node.parentElement) {
			const r = rect(node);
			if (r.w >= 200 && r.h >= 40) return {x: r.x, y: r.y, m: "input_ancestor_relaxed", d: ""};
		}
	}

	// 2: iframe by strict size, then any widget-class wrapper.
	for (const f of document.querySelectorAll("iframe")) {
		const r = rect(f);
		if (near(r.w, r.h, 300, 70, 10)) return {x: r.x, y: r.y, m: "iframe_strict_size", d: ""};
	}
	el = document.querySelector(".cf-turnstile, [class*=turnstile]");
	if (el) { el.style.width = "300px"; const r = rect(el); return {x: r.x, y: r.y, m: "widget_class_wrapper", d: ""}; }

	// 3/4/5: shadow-host leaf inside [data-sitekey] / .cf-turnstile / <form>.
	function scoreLeaf(container) {
		const candidates = [];
		container.querySelectorAll("div").forEach(d => { if (d.shadowRoot) candidates.push(d); });
		if (candidates.length === 0) return null;
		const parentWidth = container.getBoundingClientRect().width;
		candidates.sort((a, b) => {
			const am = getComputedStyle(a).margin === "0px" && getComputedStyle(a).padding === "0px" ? 0 : 1;
			const bm = getComputedStyle(b).margin === "0px" && getComputedStyle(b).padding === "0px" ? 0 : 1;
			if (am !== bm) return am - bm;
			// Tie-break: prefer the candidate whose width most closely
			// matches the container's, the widget itself rather than a
			// narrower decorative child.
			const aw = Math.abs(a.getBoundingClientRect().width - parentWidth);
			const bw = Math.abs(b.getBoundingClientRect().width - parentWidth);
			return aw - bw;
		});
		return candidates[0];
	}
	for (const sel of [".cf-turnstile[data-sitekey]", "[data-sitekey]", "form"]) {
		const c = document.querySelector(sel);
		if (!c) continue;
		const leaf = scoreLeaf(c);
		if (leaf) { const r = rect(leaf); return {x: r.x, y: r.y, m: "shadow_leaf_" + sel, d: ""}; }
	}

	if (!aggressive) return {m: "none", d: ""};

	// 6-9: gated, body-wide scans.
	let best = scoreLeaf(document.body);
	if (best) { const r = rect(best); return {x: r.x, y: r.y, m: "body_shadow_scan", d: ""}; }
	for (const d of document.querySelectorAll("div")) {
		if (d.shadowRoot) { const r = rect(d); return {x: r.x, y: r.y, m: "any_shadow_div", d: ""}; }
	}
	for (const d of document.querySelectorAll("div")) {
		const r = rect(d);
		if (r.w >= 280 && r.w <= 500 && r.h >= 50 && r.h <= 120) {
			return {x: r.x, y: r.y, m: "bordered_box_scan", d: ""};
		}
	}
	for (const f of document.querySelectorAll("iframe")) {
		const r = rect(f);
		if (r.w >= 100 && r.h >= 40) return {x: r.x, y: r.y, m: "visible_iframe_scan", d: ""};
	}
	return {m: "none", d: ""};
})`
