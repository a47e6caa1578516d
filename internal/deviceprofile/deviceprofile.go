// Package deviceprofile holds a short table of device emulation presets,
// in the same shape chromedp's device package uses for chromedp.Emulate.
// The upstream devices table is code-generated (device/gen.go) and only the
// generator, not its output, was available to port, so a small hand-picked
// set of presets covers the replayguard use case (optional UA/viewport
// emulation at session start) instead.
package deviceprofile

// Info describes one device preset.
type Info struct {
	Name      string
	UserAgent string
	Width     int64
	Height    int64
	Scale     float64
	Mobile    bool
	Touch     bool
	Landscape bool
}

// Presets is the small set of named device profiles replayguard ships with.
var Presets = map[string]Info{
	"desktop": {
		Name:      "Desktop 1920x1080",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Width:     1920,
		Height:    1080,
		Scale:     1,
	},
	"iphone-13": {
		Name:      "iPhone 13",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1",
		Width:     390,
		Height:    844,
		Scale:     3,
		Mobile:    true,
		Touch:     true,
	},
	"pixel-5": {
		Name:      "Pixel 5",
		UserAgent: "Mozilla/5.0 (Linux; Android 11; Pixel 5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		Width:     393,
		Height:    851,
		Scale:     2.75,
		Mobile:    true,
		Touch:     true,
	},
}

// DeviceMetricsParams builds Emulation.setDeviceMetricsOverride params.
func (i Info) DeviceMetricsParams() map[string]interface{} {
	return map[string]interface{}{
		"width":             i.Width,
		"height":            i.Height,
		"deviceScaleFactor": i.Scale,
		"mobile":            i.Mobile,
	}
}

// TouchParams builds Emulation.setTouchEmulationEnabled params.
func (i Info) TouchParams() map[string]interface{} {
	return map[string]interface{}{
		"enabled": i.Touch,
	}
}

// UserAgentParams builds Network.setUserAgentOverride params.
func (i Info) UserAgentParams() map[string]interface{} {
	return map[string]interface{}{
		"userAgent": i.UserAgent,
	}
}
