package router

import (
	"bufio"
	"net"
	"sync"
)

// connState is the per-outbound-connection lifecycle: a connection is
// opening while the TCP dial is in flight (requests queue), open once
// established, closing once the idle timeout fires, and closed once torn
// down. A failed dial or write moves it straight to closed.
type connState int

const (
	stateOpening connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// outConn is an outbound connection to a single peer address, reused across
// every Request to that address until it idles out or errors.
type outConn struct {
	mu      sync.Mutex
	address string
	state   connState
	conn    net.Conn
	pending [][]byte
}

func newOutConn(address string) *outConn {
	return &outConn{
		address: address,
		state:   stateOpening,
	}
}

// inConn is an inbound, server-accepted connection tagged with the
// requesterId assigned when it was accepted.
type inConn struct {
	requesterID int64
	conn        net.Conn
	reader      *bufio.Reader
}
