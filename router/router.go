package router

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/futil"
	"github.com/geoffjay/plantd/fleet/transport"
)

// Router exposes Listen/Request/Respond/Close over direct framed TCP
// connections, emitting request/response/disconnect/log events on a single
// channel. It owns every socket it opens or accepts; nothing else in the
// fleet touches a net.Conn directly.
type Router struct {
	Events chan Event

	socketTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	out       map[string]*outConn
	in        map[int64]*inConn
	requester *futil.Counter
}

// New builds a Router. socketTimeout is the idle timeout applied to
// outbound connections; inbound connections use twice this value to avoid
// a simultaneous-close race with the peer that dialed them.
func New(socketTimeout time.Duration) *Router {
	return &Router{
		Events:        make(chan Event, 64),
		socketTimeout: socketTimeout,
		out:           make(map[string]*outConn),
		in:            make(map[int64]*inConn),
		requester:     futil.NewCounter(0),
	}
}

// Listen opens a server socket bound to host on an OS-assigned port and
// reports the effective bound host and port back. The caller (the broker's
// Start sequence) treats a bound host that differs from the requested one
// as a startup failure.
func (r *Router) Listen(host string) (string, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", 0, ferrors.NewUnreachable("", host, err)
	}

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return "", 0, ferrors.NewProtocol(fmt.Sprintf("unexpected listener address type %T", ln.Addr()), nil)
	}

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	go r.acceptLoop(ln)

	return addr.IP.String(), addr.Port, nil
}

func (r *Router) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		go r.handleInbound(conn)
	}
}

func (r *Router) handleInbound(conn net.Conn) {
	requesterID := r.requester.Next()

	ic := &inConn{
		requesterID: requesterID,
		conn:        conn,
		reader:      bufio.NewReader(conn),
	}

	r.mu.Lock()
	r.in[requesterID] = ic
	r.mu.Unlock()

	idleTimeout := 2 * r.socketTimeout

	defer func() {
		r.mu.Lock()
		delete(r.in, requesterID)
		r.mu.Unlock()
		conn.Close()
		r.emit(Event{Kind: EventDisconnect, RemoteAddress: conn.RemoteAddr().String()})
	}()

	for {
		if idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		payload, err := transport.ReadFrame(ic.reader)
		if err != nil {
			return
		}

		r.emit(Event{Kind: EventRequest, Payload: payload, RequesterID: requesterID})
	}
}

// Request sends payload to the peer at address. If no outbound connection
// exists, one is opened and payload queued until the dial completes; if an
// existing connection is closing or closed, it is discarded and a fresh one
// opened. On an open connection Request returns once the payload has been
// written to the socket (not once the peer has read it), with any write
// error. While the connection is still opening it returns nil as soon as
// the payload is queued; a later dial or flush failure is not reported to
// the caller.
func (r *Router) Request(address string, payload []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ferrors.New(ferrors.Unreachable, "router is closed", nil)
	}
	oc, ok := r.out[address]
	if ok {
		oc.mu.Lock()
		stale := oc.state == stateClosing || oc.state == stateClosed
		oc.mu.Unlock()
		if stale {
			delete(r.out, address)
			ok = false
		}
	}
	if !ok {
		oc = newOutConn(address)
		r.out[address] = oc
		go r.dial(oc)
	}
	r.mu.Unlock()

	oc.mu.Lock()
	switch oc.state {
	case stateOpening:
		oc.pending = append(oc.pending, payload)
		oc.mu.Unlock()
		return nil
	case stateOpen:
		err := transport.WriteFrame(oc.conn, payload)
		oc.mu.Unlock()
		if err != nil {
			r.failOutConn(oc, err)
			return err
		}
		return nil
	default:
		oc.mu.Unlock()
		return ferrors.NewUnreachable("", address, nil)
	}
}

func (r *Router) dial(oc *outConn) {
	conn, err := net.Dial("tcp", oc.address)
	if err != nil {
		oc.mu.Lock()
		oc.state = stateClosed
		pending := oc.pending
		oc.pending = nil
		oc.mu.Unlock()

		r.mu.Lock()
		delete(r.out, oc.address)
		r.mu.Unlock()

		for range pending {
			// Queued payloads are dropped: each gets one warning carrying
			// the dial error, and their Request calls already returned nil.
			r.emit(Event{Kind: EventLog, Level: LogLevelWarn, Message: fmt.Sprintf("dial %s failed: %v", oc.address, err)})
		}
		return
	}

	oc.mu.Lock()
	oc.conn = conn
	oc.state = stateOpen
	pending := oc.pending
	oc.pending = nil
	oc.mu.Unlock()

	for _, payload := range pending {
		oc.mu.Lock()
		werr := transport.WriteFrame(conn, payload)
		oc.mu.Unlock()
		if werr != nil {
			r.failOutConn(oc, werr)
			return
		}
	}

	go r.readResponses(oc)
}

func (r *Router) readResponses(oc *outConn) {
	reader := bufio.NewReader(oc.conn)

	defer func() {
		r.mu.Lock()
		if r.out[oc.address] == oc {
			delete(r.out, oc.address)
		}
		r.mu.Unlock()
		oc.conn.Close()
		oc.mu.Lock()
		oc.state = stateClosed
		oc.mu.Unlock()
		r.emit(Event{Kind: EventDisconnect, RemoteAddress: oc.address})
	}()

	for {
		if r.socketTimeout > 0 {
			_ = oc.conn.SetReadDeadline(time.Now().Add(r.socketTimeout))
		}

		payload, err := transport.ReadFrame(reader)
		if err != nil {
			oc.mu.Lock()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle timeout: pass through closing on the way down so a
				// Request racing this teardown discards the connection.
				oc.state = stateClosing
			}
			oc.mu.Unlock()
			return
		}

		r.emit(Event{Kind: EventResponse, Payload: payload})
	}
}

// failOutConn marks oc closed after a write error and drops any payloads
// still queued on it, emitting one warning carrying the socket error for
// each; the callers that queued them are not notified. Callers must not
// hold oc.mu.
func (r *Router) failOutConn(oc *outConn, err error) {
	oc.mu.Lock()
	oc.state = stateClosed
	pending := oc.pending
	oc.pending = nil
	oc.mu.Unlock()

	r.mu.Lock()
	if r.out[oc.address] == oc {
		delete(r.out, oc.address)
	}
	r.mu.Unlock()

	for range pending {
		r.emit(Event{Kind: EventLog, Level: LogLevelWarn, Message: fmt.Sprintf("connection to %s failed: %v", oc.address, err)})
	}
}

// Respond looks up the inbound connection that carried a prior request
// (identified by requesterID) and writes payload back on it. If the
// connection is no longer known, the response is dropped silently and
// logged.
func (r *Router) Respond(requesterID int64, payload []byte) error {
	r.mu.Lock()
	ic, ok := r.in[requesterID]
	r.mu.Unlock()

	if !ok {
		r.emit(Event{Kind: EventLog, Level: LogLevelWarn, Message: fmt.Sprintf("respond: no inbound connection for requester %d", requesterID)})
		return nil
	}

	return transport.WriteFrame(ic.conn, payload)
}

// Close destroys every client and server connection and stops accepting.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	if r.listener != nil {
		_ = r.listener.Close()
	}

	for _, oc := range r.out {
		oc.mu.Lock()
		oc.state = stateClosed
		if oc.conn != nil {
			oc.conn.Close()
		}
		oc.mu.Unlock()
	}
	r.out = make(map[string]*outConn)

	for _, ic := range r.in {
		ic.conn.Close()
	}
	r.in = make(map[int64]*inConn)
	r.mu.Unlock()

	return nil
}

func (r *Router) emit(e Event) {
	select {
	case r.Events <- e:
	default:
		// A slow consumer must not block routing; drop the oldest
		// behavior is the caller's to implement if it matters.
	}
}
