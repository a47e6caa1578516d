// Package keys holds the handful of DOM key definitions the mouse humanizer
// needs for its Tab+Space keyboard fallback. chromedp's own kb package is
// generated from Chromium source by kb/gen.go, and only the generator was
// available, not the generated table, so only the keys we actually dispatch
// are hand-defined here in the same shape.
package keys

// Key describes one keyboard key the way Input.dispatchKeyEvent expects it:
// a DOM "code", a DOM "key", and the native/Windows virtual key codes.
type Key struct {
	Code    string
	Key     string
	Text    string
	Native  int64
	Windows int64
}

var (
	// Tab is the Tab key.
	Tab = Key{Code: "Tab", Key: "Tab", Native: 0x09, Windows: 0x09}

	// Space is the Space key.
	Space = Key{Code: "Space", Key: " ", Text: " ", Native: 0x20, Windows: 0x20}

	// Enter is the Enter key.
	Enter = Key{Code: "Enter", Key: "Enter", Text: "\r", Native: 0x0D, Windows: 0x0D}
)

// DownParams builds the Input.dispatchKeyEvent params for a keyDown event.
func (k Key) DownParams() map[string]interface{} {
	return k.params("keyDown")
}

// UpParams builds the Input.dispatchKeyEvent params for a keyUp event.
func (k Key) UpParams() map[string]interface{} {
	return k.params("keyUp")
}

func (k Key) params(typ string) map[string]interface{} {
	p := map[string]interface{}{
		"type":                  typ,
		"key":                   k.Key,
		"code":                  k.Code,
		"windowsVirtualKeyCode": k.Windows,
		"nativeVirtualKeyCode":  k.Native,
	}
	if k.Text != "" && typ == "keyDown" {
		p["text"] = k.Text
	}
	return p
}
