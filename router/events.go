// Package router layers request/response correlation over direct framed TCP
// connections between peers: an outbound connection per remote address,
// reused across requests, and a server socket accepting inbound connections
// tagged with a monotonic requesterId so responses can be routed back.
package router

// EventKind identifies which of the four kinds of event a Router emits on
// its single Events channel.
type EventKind int

const (
	// EventRequest fires when an inbound connection delivers a payload.
	EventRequest EventKind = iota
	// EventResponse fires when an outbound connection delivers a payload
	// in reply to a Request.
	EventResponse
	// EventDisconnect fires when a connection (inbound or outbound) is
	// torn down.
	EventDisconnect
	// EventLog fires for levelled diagnostic messages a caller may want
	// to forward into its own logger.
	EventLog
)

// LogLevel mirrors logrus's level names without importing logrus into this
// package, so router stays free to be driven by any logging backend.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Event is delivered on Router.Events for every request, response,
// disconnect, and log message the router produces.
type Event struct {
	Kind EventKind

	// Set on EventRequest and EventResponse.
	Payload []byte
	// Set on EventRequest: identifies the inbound connection a Respond
	// call should write back on.
	RequesterID int64

	// Set on EventDisconnect.
	RemoteAddress string

	// Set on EventLog.
	Level   LogLevel
	Message string
}
