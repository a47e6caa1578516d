// Package transport implements one browser-wide CDP WebSocket, one
// WebSocket per attached page target, command-id demultiplexing,
// keepalive, and the per-page routing contract.
//
// Conn is adapted from chromedp's conn.go: gorilla/websocket for the wire,
// mailru/easyjson to (de)serialize cdproto.Message without an allocation
// per frame. Read's signature is the pointer-return form chromedp's modern
// call sites (browser.go/target.go) actually use, not the pointer-output
// form conn.go itself declares. Conn also carries a frame-byte counter
// (onFrame) that chromedp's conn.go has no equivalent of: the
// browserless_replay_estimated_bytes gauge needs a real number from
// somewhere, and the wire layer is the one place that sees every byte in
// and out without re-serializing anything.
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	// DefaultReadBufferSize is the default maximum read buffer size.
	DefaultReadBufferSize = 25 * 1024 * 1024

	// DefaultWriteBufferSize is the default maximum write buffer size.
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// WireConn is the common interface to send/receive CDP messages.
type WireConn interface {
	Read() (*cdproto.Message, error)
	Write(*cdproto.Message) error
	io.Closer
}

// Conn wraps a gorilla/websocket.Conn connection.
type Conn struct {
	*websocket.Conn

	buf bytes.Buffer

	lexer  jlexer.Lexer
	writer jwriter.Writer

	dbgf    func(string, ...interface{})
	onFrame func(n int)
}

// DialContext dials the specified websocket URL using gorilla/websocket.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}

	conn, _, err := d.DialContext(ctx, urlstr, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{Conn: conn}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Conn) bufReadAll(r io.Reader) ([]byte, error) {
	c.buf.Reset()
	_, err := c.buf.ReadFrom(r)
	return c.buf.Bytes(), err
}

// Read reads and decodes the next message.
func (c *Conn) Read() (*cdproto.Message, error) {
	typ, r, err := c.NextReader()
	if err != nil {
		return nil, err
	}
	if typ != websocket.TextMessage {
		return nil, ErrInvalidWebsocketMessage
	}

	buf, err := c.bufReadAll(r)
	if err != nil {
		return nil, err
	}
	if c.onFrame != nil {
		c.onFrame(len(buf))
	}
	if c.dbgf != nil {
		c.dbgf("<- %s", buf)
	}

	c.lexer = jlexer.Lexer{Data: buf}
	msg := new(cdproto.Message)
	msg.UnmarshalEasyJSON(&c.lexer)
	if err := c.lexer.Error(); err != nil {
		return nil, err
	}

	// buf is reused across reads; copy Result so later frames can't race it.
	msg.Result = append([]byte{}, msg.Result...)
	return msg, nil
}

// Write encodes and writes a message.
func (c *Conn) Write(msg *cdproto.Message) error {
	w, err := c.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	defer w.Close()

	c.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.writer)
	if err := c.writer.Error; err != nil {
		return err
	}

	if c.dbgf != nil || c.onFrame != nil {
		buf, _ := c.writer.BuildBytes()
		if c.dbgf != nil {
			c.dbgf("-> %s", buf)
		}
		if c.onFrame != nil {
			c.onFrame(len(buf))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	} else {
		if _, err := c.writer.DumpTo(w); err != nil {
			return err
		}
	}
	return w.Close()
}

// ForceIP forces the host component in urlstr to be an IP address, since
// Chrome 66+ rejects CDP connections whose Host header isn't an IP or
// "localhost".
func ForceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme)+3:], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}

// DialOption is a dial option.
type DialOption func(*Conn)

// WithConnDebugf is a dial option to set a protocol logger.
func WithConnDebugf(f func(string, ...interface{})) DialOption {
	return func(c *Conn) {
		c.dbgf = f
	}
}

// WithFrameByteCounter is a dial option that reports the byte length of
// every frame read or written, for the browserless_replay_estimated_bytes
// gauge.
func WithFrameByteCounter(f func(n int)) DialOption {
	return func(c *Conn) {
		c.onFrame = f
	}
}

// SetFrameByteCounter wires (or replaces) the frame-byte callback after
// dial, for callers that only get a *Conn back from a generic WireConn
// factory and can't thread a DialOption through.
func (c *Conn) SetFrameByteCounter(f func(n int)) {
	c.onFrame = f
}
