package tunnel

import (
	"context"
	"net"
)

// Owner is supplied by the embedding application. The Session calls these
// hooks synchronously from whichever goroutine is driving it (RecvBytes,
// Tick, or a channel/listener pump); none of them may block for long. Every
// hook is called with the Session's internal mutex released, so a hook may
// call back into the Session (e.g. Disconnect, Stop or SendClientError).
type Owner interface {
	// OnNewListener reports a listener the peer asked to open, after the
	// core has already bound it. Returning false rejects it; the core closes
	// the bound socket and replies listen-rp{problem=E}.
	OnNewListener(ctx context.Context, portName, bindAddr string, port uint16) bool

	// OnNewChannel reports a freshly accepted local connection before
	// raise-rq is sent. Returning false rejects it; the core closes conn
	// without raising a channel.
	OnNewChannel(ctx context.Context, portName string, conn net.Conn) bool

	// OnEndChannel reports a channel that has been torn down. It fires
	// after the channel's local socket (conn) is closed and the channel is
	// removed from the Session; it is not called before the close.
	OnEndChannel(ctx context.Context, portName string, conn net.Conn)

	// OnDisconnect reports the session disconnecting: on a stop message, a
	// protocol failure, or a dropped transport. It fires at most once per
	// Session. reconnectSecret is empty when no reconnect is possible.
	OnDisconnect(ctx context.Context, reconnectSecret string, reason string)

	// OnSendNeeded fires whenever the Session gains new serializable
	// data after previously having none, so the embedder's writer can
	// wake up and call DrainOut.
	OnSendNeeded(ctx context.Context)
}
