package coordinator

import (
	"context"
	"encoding/json"
	"strings"
)

// onIframeObservedEvent implements the Iframe Event Bridge (spec §4.5):
// Network/Runtime events observed on a cross-origin challenge iframe
// session are translated into synthetic recording events pushed into the
// parent page's buffer, plus activity counters consumed as a heartbeat by
// external clients.
func (c *Coordinator) onIframeObservedEvent(iframeSessionID, method string, raw json.RawMessage) {
	parentSessionID, ok := c.registry.ParentOfIframeSession(iframeSessionID)
	if !ok {
		return
	}

	switch method {
	case "Network.requestWillBeSent":
		c.bridgeRequest(parentSessionID, raw)
	case "Network.responseReceived":
		c.bridgeResponse(parentSessionID, raw)
	case "Runtime.consoleAPICalled":
		c.bridgeConsole(parentSessionID, raw)
	}
}

type requestWillBeSentWire struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL    string `json:"url"`
		Method string `json:"method"`
	} `json:"request"`
}

func (c *Coordinator) bridgeRequest(parentSessionID string, raw json.RawMessage) {
	var ev requestWillBeSentWire
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	c.pushMarker(parentSessionID, "network.request", map[string]interface{}{
		"id":     "iframe-" + ev.RequestID,
		"url":    ev.Request.URL,
		"method": ev.Request.Method,
		"type":   "iframe",
	})

	if strings.Contains(ev.Request.URL, c.challengeHost()) {
		c.bumpActivityCounter(parentSessionID)
	}
}

type responseReceivedWire struct {
	RequestID string `json:"requestId"`
	Response  struct {
		URL        string            `json:"url"`
		Status     int               `json:"status"`
		StatusText string            `json:"statusText"`
		Headers    map[string]string `json:"headers"`
	} `json:"response"`
}

func (c *Coordinator) bridgeResponse(parentSessionID string, raw json.RawMessage) {
	var ev responseReceivedWire
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	contentType := ev.Response.Headers["content-type"]
	c.pushMarker(parentSessionID, "network.response", map[string]interface{}{
		"id":          "iframe-" + ev.RequestID,
		"url":         ev.Response.URL,
		"status":      ev.Response.Status,
		"statusText":  ev.Response.StatusText,
		"contentType": contentType,
	})

	if strings.Contains(ev.Response.URL, "/pat/") {
		c.bumpPatCounter(parentSessionID, ev.Response.Status >= 200 && ev.Response.Status < 300)
	}
}

type consoleAPICalledWire struct {
	Type string `json:"type"`
	Args []struct {
		Value json.RawMessage `json:"value"`
	} `json:"args"`
	StackTrace struct {
		CallFrames []struct {
			FunctionName string `json:"functionName"`
			URL          string `json:"url"`
			LineNumber   int    `json:"lineNumber"`
		} `json:"callFrames"`
	} `json:"stackTrace"`
}

func (c *Coordinator) bridgeConsole(parentSessionID string, raw json.RawMessage) {
	var ev consoleAPICalledWire
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	args := make([]json.RawMessage, 0, len(ev.Args))
	for i, a := range ev.Args {
		if i >= 6 {
			break
		}
		args = append(args, a.Value)
	}
	frames := make([]map[string]interface{}, 0, len(ev.StackTrace.CallFrames))
	for i, f := range ev.StackTrace.CallFrames {
		if i >= 4 {
			break
		}
		frames = append(frames, map[string]interface{}{
			"functionName": f.FunctionName, "url": f.URL, "lineNumber": f.LineNumber,
		})
	}
	c.pushMarker(parentSessionID, "", map[string]interface{}{
		"plugin": "rrweb/console@1",
		"payload": map[string]interface{}{
			"level": ev.Type, "payload": args, "trace": frames, "source": "iframe",
		},
	})
}

func (c *Coordinator) pushMarker(sessionID, tag string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var script string
	if tag != "" {
		script = "window.__replayGuardBuffer && window.__replayGuardBuffer.push({tag:" + jsonQuote(tag) + ",payload:" + string(body) + "})"
	} else {
		// consoleAPICalled's synthetic event carries its own {plugin,payload}
		// envelope rather than a {tag,payload} one -- the console marker has
		// no top-level "tag" in spec §4.5's table.
		script = "window.__replayGuardBuffer && window.__replayGuardBuffer.push(" + string(body) + ")"
	}
	_, _ = c.transport.Send(context.Background(), "Runtime.evaluate", map[string]interface{}{"expression": script}, sessionID)
}

// bumpActivityCounter increments __turnstileCFActivity{count,last} on the
// parent page, used externally as a heartbeat signal (spec §4.5).
func (c *Coordinator) bumpActivityCounter(parentSessionID string) {
	const script = `(() => {
		const c = window.__turnstileCFActivity || {count:0, last:0};
		c.count++; c.last = Date.now();
		window.__turnstileCFActivity = c;
	})()`
	_, _ = c.transport.Send(context.Background(), "Runtime.evaluate", map[string]interface{}{"expression": script}, parentSessionID)
}

// bumpPatCounter increments pat.attempts, and on success pat.successes.
func (c *Coordinator) bumpPatCounter(parentSessionID string, success bool) {
	script := `(() => {
		const p = window.pat || {attempts:0, successes:0};
		p.attempts++;
		if (` + boolLit(success) + `) p.successes++;
		window.pat = p;
	})()`
	_, _ = c.transport.Send(context.Background(), "Runtime.evaluate", map[string]interface{}{"expression": script}, parentSessionID)
}

func boolLit(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
