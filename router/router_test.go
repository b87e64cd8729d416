package router

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, events chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestListenReturnsBoundPort(t *testing.T) {
	r := New(time.Second)
	defer r.Close()

	host, port, err := r.Listen("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Greater(t, port, 0)
}

func TestRequestDeliversPayloadAsInboundRequestEvent(t *testing.T) {
	server := New(time.Second)
	defer server.Close()

	_, port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)

	client := New(time.Second)
	defer client.Close()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, client.Request(addr, []byte("hello")))

	evt := waitForEvent(t, server.Events, EventRequest, 2*time.Second)
	assert.Equal(t, []byte("hello"), evt.Payload)
}

func TestRespondWritesBackToRequester(t *testing.T) {
	server := New(time.Second)
	defer server.Close()

	_, port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)

	client := New(time.Second)
	defer client.Close()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, client.Request(addr, []byte("ping")))

	reqEvt := waitForEvent(t, server.Events, EventRequest, 2*time.Second)
	require.NoError(t, server.Respond(reqEvt.RequesterID, []byte("pong")))

	respEvt := waitForEvent(t, client.Events, EventResponse, 2*time.Second)
	assert.Equal(t, []byte("pong"), respEvt.Payload)
}

func TestRequestReusesExistingConnection(t *testing.T) {
	server := New(time.Second)
	defer server.Close()

	_, port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)

	client := New(time.Second)
	defer client.Close()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, client.Request(addr, []byte("first")))
	waitForEvent(t, server.Events, EventRequest, 2*time.Second)

	require.NoError(t, client.Request(addr, []byte("second")))
	waitForEvent(t, server.Events, EventRequest, 2*time.Second)

	client.mu.Lock()
	n := len(client.out)
	client.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestRequestAfterCloseIsRejected(t *testing.T) {
	server := New(time.Second)
	_, port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)
	defer server.Close()

	client := New(time.Second)
	require.NoError(t, client.Close())

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	err = client.Request(addr, []byte("late"))
	assert.Error(t, err)

	client.mu.Lock()
	n := len(client.out)
	client.mu.Unlock()
	assert.Equal(t, 0, n, "a closed router must not open new connections")
}

func TestCloseTearsDownConnections(t *testing.T) {
	server := New(time.Second)
	_, port, err := server.Listen("127.0.0.1")
	require.NoError(t, err)

	client := New(time.Second)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, client.Request(addr, []byte("x")))
	waitForEvent(t, server.Events, EventRequest, 2*time.Second)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}
