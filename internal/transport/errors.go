package transport

// Error is a transport sentinel error, following chromedp's errors.go
// idiom: a string type satisfying the error interface via const values.
type Error string

// Error satisfies the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors.
const (
	// ErrInvalidWebsocketMessage is returned when a non-text WS frame
	// arrives where a CDP message was expected.
	ErrInvalidWebsocketMessage Error = "invalid websocket message"

	// ErrSessionClosed is returned by Send, and every pending command is
	// rejected with it, once the owning WebSocket has closed (spec §4.1's
	// "Send contract").
	ErrSessionClosed Error = "session closed"

	// ErrPingTimeout names the keepalive pong timeout (30s ping, 5s grace).
	// keepalive closes the socket when it happens, so pending commands
	// reject with ErrSessionClosed; no function in this package returns
	// ErrPingTimeout.
	ErrPingTimeout Error = "ping timeout"

	// ErrReconnectAlreadyAttempted names the per-page reconnect latch that
	// Session keeps per cdp-session-id. Session.Send falls back to the
	// browser socket once the latch is set; no function in this package
	// returns ErrReconnectAlreadyAttempted.
	ErrReconnectAlreadyAttempted Error = "per-page reconnect already attempted"
)

// CommandError mirrors a CDP protocol error response ({code, message}).
type CommandError struct {
	Code    int64
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// TimeoutError is returned when a command doesn't resolve within its
// deadline (default 30s, per spec §4.1/§5).
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return "timeout waiting for " + e.Method
}
