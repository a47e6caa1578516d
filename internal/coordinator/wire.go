package coordinator

import "encoding/json"

// The structs below decode the well-known wire shape of the CDP Target
// domain events directly via encoding/json, the same command-construction
// convention internal/transport and internal/humanizer use (plain
// maps/structs over cdproto's generated per-domain builders -- see
// DESIGN.md's "Command construction" note). Field names mirror the CDP
// spec's own JSON property names.

type targetInfoWire struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	OpenerID         string `json:"openerId"`
	BrowserContextID string `json:"browserContextId"`
}

type attachedToTargetWire struct {
	SessionID          string         `json:"sessionId"`
	TargetInfo         targetInfoWire `json:"targetInfo"`
	WaitingForDebugger bool           `json:"waitingForDebugger"`
}

type targetCreatedWire struct {
	TargetInfo targetInfoWire `json:"targetInfo"`
}

type targetInfoChangedWire struct {
	TargetInfo targetInfoWire `json:"targetInfo"`
}

type targetDestroyedWire struct {
	TargetID string `json:"targetId"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
