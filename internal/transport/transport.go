package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is the default CDP command timeout (spec §4.1/§5).
const DefaultTimeout = 30 * time.Second

// pingInterval/pongGrace implement the keepalive contract from spec §4.1:
// "every open WS pings every 30s and terminates if no pong arrives within
// 5s."
const (
	pingInterval = 30 * time.Second
	pongGrace    = 5 * time.Second
)

// perPageEligible is the set of methods allowed to route over a per-page
// WebSocket (spec §4.1): everything else must go over the browser WS, since
// events only arrive on the connection whose session enabled them.
var perPageEligible = map[string]bool{
	"Runtime.evaluate":                     true,
	"Page.addScriptToEvaluateOnNewDocument": true,
}

// EventHandler is invoked for every inbound CDP event, demultiplexed by
// cdp-session-id (empty for events on the browser's own session).
type EventHandler func(sessionID, method string, params json.RawMessage)

type pendingCommand struct {
	resp  chan *cdproto.Message
	timer *time.Timer
}

// Socket is one CDP WebSocket connection -- either the browser-wide socket
// or one page's dedicated socket -- with id-demultiplexed command dispatch,
// grounded on chromedp's browser.go run() dual-goroutine pattern (a read
// loop feeding a dispatch loop over channels) generalized to the single
// Socket type both sockets share.
type Socket struct {
	conn WireConn
	log  *logrus.Entry

	nextID   int64
	idOffset int64

	mu      sync.Mutex
	pending map[int64]*pendingCommand
	closed  bool

	onEvent EventHandler

	bytesTransferred int64

	cancel context.CancelFunc
}

// frameByteCounter is implemented by *Conn; it lets newSocket wire byte
// accounting into a WireConn without every WireConn implementation (e.g.
// test fakes) needing to support it.
type frameByteCounter interface {
	SetFrameByteCounter(func(int))
}

func newSocket(ctx context.Context, conn WireConn, idOffset int64, onEvent EventHandler, log *logrus.Entry) *Socket {
	ctx, cancel := context.WithCancel(ctx)
	s := &Socket{
		conn:     conn,
		log:      log,
		idOffset: idOffset,
		pending:  make(map[int64]*pendingCommand),
		onEvent:  onEvent,
		cancel:   cancel,
	}
	if fc, ok := conn.(frameByteCounter); ok {
		fc.SetFrameByteCounter(func(n int) { atomic.AddInt64(&s.bytesTransferred, int64(n)) })
	}
	go s.readLoop(ctx)
	go s.keepalive(ctx)
	return s
}

// BytesTransferred reports the cumulative frame bytes read and written on
// this socket, for the browserless_replay_estimated_bytes gauge.
func (s *Socket) BytesTransferred() int64 {
	return atomic.LoadInt64(&s.bytesTransferred)
}

func (s *Socket) readLoop(ctx context.Context) {
	for {
		msg, err := s.conn.Read()
		if err != nil {
			s.log.WithError(err).Debug("transport: read loop exiting")
			s.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch {
		case msg.ID != 0:
			s.resolve(msg)
		case msg.Method != "":
			if s.onEvent != nil {
				s.onEvent(string(msg.SessionID), string(msg.Method), json.RawMessage(msg.Params))
			}
		default:
			s.log.Debug("transport: ignoring malformed message (no id or method)")
		}
	}
}

func (s *Socket) resolve(msg *cdproto.Message) {
	s.mu.Lock()
	pc, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pc.timer.Stop()
	select {
	case pc.resp <- msg:
	default:
	}
	close(pc.resp)
}

// keepalive pings every 30s and closes the socket if no pong arrives within
// the grace window, per spec §4.1.
func (s *Socket) keepalive(ctx context.Context) {
	pinger, ok := s.conn.(interface {
		WriteControl(int, []byte, time.Time) error
		SetPongHandler(func(string) error)
	})
	if !ok {
		return
	}
	pongCh := make(chan struct{}, 1)
	pinger.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pinger.WriteControl(9 /* PingMessage */, nil, time.Now().Add(5*time.Second)); err != nil {
				s.log.WithError(err).Debug("transport: ping failed")
				s.Close()
				return
			}
			select {
			case <-pongCh:
			case <-time.After(pongGrace):
				s.log.Warn("transport: pong timeout, closing socket")
				s.Close()
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Send issues a CDP command and waits for its response, per the send
// contract in spec §4.1.
func (s *Socket) Send(ctx context.Context, method string, params map[string]interface{}, sessionID string, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := atomic.AddInt64(&s.nextID, 1) + s.idOffset

	var raw []byte
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	pc := &pendingCommand{
		resp:  make(chan *cdproto.Message, 1),
		timer: time.AfterFunc(timeout, func() { s.timeoutCommand(id) }),
	}
	s.pending[id] = pc
	s.mu.Unlock()

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: raw,
	}
	if sessionID != "" {
		msg.SessionID = target.SessionID(sessionID)
	}

	if err := s.conn.Write(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		pc.timer.Stop()
		return nil, err
	}

	select {
	case resp, ok := <-pc.resp:
		if !ok || resp == nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				// Only timeoutCommand rejects a command on an open socket.
				return nil, &TimeoutError{Method: method}
			}
			return nil, ErrSessionClosed
		}
		if resp.Error != nil {
			return nil, &CommandError{Code: int64(resp.Error.Code), Message: resp.Error.Message}
		}
		return json.RawMessage(resp.Result), nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Socket) timeoutCommand(id int64) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.resp <- nil:
	default:
	}
	close(pc.resp)
}

// Close eagerly clears keepalive state, rejects every pending command with
// ErrSessionClosed, and closes the underlying connection -- the
// Termination contract in spec §4.1.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[int64]*pendingCommand)
	s.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		select {
		case pc.resp <- nil:
		default:
		}
		close(pc.resp)
	}
	s.cancel()
	return s.conn.Close()
}

// Session owns the browser-wide socket and the set of per-page sockets for
// one Session Coordinator, implementing the per-page routing contract from
// spec §4.1: eligible methods (Runtime.evaluate,
// Page.addScriptToEvaluateOnNewDocument) transparently prefer an open
// per-page socket; everything else -- and anything on a session with no
// open per-page socket -- goes over the browser socket with sessionId
// attached.
type Session struct {
	browser *Socket

	mu              sync.Mutex
	pages           map[string]*Socket // keyed by cdp-session-id
	pageTargets     map[string]string  // cdp-session-id -> target-id, for reconnect
	pageOnEvent     map[string]EventHandler
	failedReconnect map[string]bool

	// rootCtx is the Session's own lifetime context, used for socket read
	// loops so a reconnected per-page socket outlives the short per-command
	// ctx that triggered the reconnect.
	rootCtx context.Context

	dialPage func(ctx context.Context, targetID string) (WireConn, error)

	log *logrus.Entry
}

// NewSession opens the browser-wide socket and wires an event dispatcher.
func NewSession(ctx context.Context, browserWSURL string, onEvent EventHandler, dialPage func(ctx context.Context, targetID string) (WireConn, error), log *logrus.Entry) (*Session, error) {
	conn, err := DialContext(ctx, ForceIP(browserWSURL))
	if err != nil {
		return nil, err
	}
	return NewSessionFromConn(ctx, conn, onEvent, dialPage, log), nil
}

// NewSessionFromConn wires a Session around an already-established browser
// connection, splitting dial from socket setup so callers (and tests) can
// supply a fake WireConn in place of a real WebSocket dial.
func NewSessionFromConn(ctx context.Context, conn WireConn, onEvent EventHandler, dialPage func(ctx context.Context, targetID string) (WireConn, error), log *logrus.Entry) *Session {
	sess := &Session{
		pages:           make(map[string]*Socket),
		pageTargets:     make(map[string]string),
		pageOnEvent:     make(map[string]EventHandler),
		failedReconnect: make(map[string]bool),
		rootCtx:         ctx,
		dialPage:        dialPage,
		log:             log,
	}
	sess.browser = newSocket(ctx, conn, 0, onEvent, log.WithField("socket", "browser"))
	return sess
}

// pagePerPageIDOffset disjoins per-page command ids from the browser
// socket's numbering, per spec §4.1 ("disjoint numeric space, e.g. offset
// by 100000").
const pagePerPageIDOffset = 100000

// OpenPageSocket opens the per-page WebSocket for a newly attached target,
// non-blocking from the caller's perspective (spec §4.2 step 7): failures
// are logged and simply leave the session routing every command over the
// browser socket.
func (s *Session) OpenPageSocket(ctx context.Context, targetID, sessionID string, onEvent EventHandler) {
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		conn, err := s.dialPage(dialCtx, targetID)
		if err != nil {
			s.log.WithError(err).WithField("target_id", targetID).Debug("transport: per-page socket open failed")
			return
		}
		sock := newSocket(ctx, conn, pagePerPageIDOffset, onEvent, s.log.WithField("socket", "page:"+targetID))
		s.mu.Lock()
		s.pages[sessionID] = sock
		s.pageTargets[sessionID] = targetID
		s.pageOnEvent[sessionID] = onEvent
		s.mu.Unlock()
	}()
}

// ClosePageSocket closes and forgets the per-page socket for sessionID, if
// any is open.
func (s *Session) ClosePageSocket(sessionID string) {
	s.mu.Lock()
	sock, ok := s.pages[sessionID]
	delete(s.pages, sessionID)
	delete(s.pageTargets, sessionID)
	delete(s.pageOnEvent, sessionID)
	delete(s.failedReconnect, sessionID)
	s.mu.Unlock()
	if ok {
		_ = sock.Close()
	}
}

// Send implements the routing contract described on Session.
func (s *Session) Send(ctx context.Context, method string, params map[string]interface{}, sessionID string) (json.RawMessage, error) {
	if perPageEligible[method] && sessionID != "" {
		s.mu.Lock()
		sock, ok := s.pages[sessionID]
		s.mu.Unlock()
		if ok {
			res, err := sock.Send(ctx, method, params, "", DefaultTimeout)
			if err == nil {
				return res, nil
			}
			s.handlePageSocketFailure(ctx, sessionID, onEventNoop)
		}
	}
	return s.browser.Send(ctx, method, params, sessionID, DefaultTimeout)
}

// SendToBrowser forces routing over the browser socket regardless of
// method eligibility -- used by the drain loop, per spec §4.3: "the
// drain's evaluate must route through the browser WS ... the one
// Runtime.evaluate that opts out of per-page routing."
func (s *Session) SendToBrowser(ctx context.Context, method string, params map[string]interface{}, sessionID string) (json.RawMessage, error) {
	return s.browser.Send(ctx, method, params, sessionID, DefaultTimeout)
}

func onEventNoop(string, string, json.RawMessage) {}

// handlePageSocketFailure drops a dead per-page socket and attempts exactly
// one reconnect, per spec §4.1's failed-reconnect latch: if the redial
// succeeds the page keeps its per-page socket, but a second failure ever
// after trips the latch for good and every further command for this session
// falls back to the browser socket.
func (s *Session) handlePageSocketFailure(ctx context.Context, sessionID string, onEvent EventHandler) {
	s.mu.Lock()
	if s.failedReconnect[sessionID] {
		s.mu.Unlock()
		return
	}
	s.failedReconnect[sessionID] = true
	sock, ok := s.pages[sessionID]
	delete(s.pages, sessionID)
	targetID := s.pageTargets[sessionID]
	storedOnEvent := s.pageOnEvent[sessionID]
	s.mu.Unlock()
	if ok {
		_ = sock.Close()
	}
	if storedOnEvent != nil {
		onEvent = storedOnEvent
	}
	if targetID == "" || s.dialPage == nil {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := s.dialPage(dialCtx, targetID)
	if err != nil {
		s.log.WithError(err).WithField("target_id", targetID).Debug("transport: per-page socket reconnect failed, falling back to browser socket")
		return
	}
	newSock := newSocket(s.rootCtx, conn, pagePerPageIDOffset, onEvent, s.log.WithField("socket", "page:"+targetID))
	s.mu.Lock()
	s.pages[sessionID] = newSock
	s.mu.Unlock()
}

// Close implements the session-level Termination sequence: stop timers
// first (handled by each Socket.Close), reject all pending commands, close
// every per-page socket and the browser socket.
func (s *Session) Close() error {
	s.mu.Lock()
	pages := s.pages
	s.pages = make(map[string]*Socket)
	s.mu.Unlock()

	for _, sock := range pages {
		_ = sock.Close()
	}
	return s.browser.Close()
}

// OpenPageSocketCount reports how many per-page sockets are currently open,
// for the browserless_replay_ws_connections gauge.
func (s *Session) OpenPageSocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// EstimatedBytes sums frame bytes transferred over the browser socket and
// every open per-page socket, for the browserless_replay_estimated_bytes
// gauge.
func (s *Session) EstimatedBytes() int64 {
	s.mu.Lock()
	pages := make([]*Socket, 0, len(s.pages))
	for _, sock := range s.pages {
		pages = append(pages, sock)
	}
	s.mu.Unlock()

	total := s.browser.BytesTransferred()
	for _, sock := range pages {
		total += sock.BytesTransferred()
	}
	return total
}
