package tunnel

import (
	"context"
	"net"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

// Listener is a local listening socket the peer asked to open, named by a
// server-assigned portName (§3/§4.5).
type Listener struct {
	PortName       string
	BindAddress    string
	BoundPort      uint16
	MaxConnections int // 0 or negative: unlimited (SPEC_FULL §5.3)
	singleUse      bool

	// ServerHost/ServerPort are the remote endpoint this listener's
	// channels ultimately reach, as decoded from listen-rq (§4.5). The
	// core never dials them itself — that happens on the server side of
	// the tunnel — they're kept only for an owner that wants to log or
	// display the forwarding target.
	ServerHost string
	ServerPort int32

	ln net.Listener

	raisedCount int
	closed      bool
}

// singleUseLocked reports whether this listener closes itself the moment
// its one permitted channel closes.
func (l *Listener) singleUseLocked() bool {
	return l.MaxConnections == 1
}

// handleListenRqImpl is the real listen-rq handler; registered from
// handlers.go. Split out so listener.go owns everything Listener-shaped.
func (s *Session) handleListenRqImpl(ctx context.Context, r *kvmsg.Reader) {
	clientPort, _ := r.Int32("clientPort")
	portName, err := r.String("portName")
	if err != nil {
		dlog.Errorf(ctx, "tunnel: listen-rq missing portName: %v", err)
		return
	}
	maxConnections, _ := r.Int32("maxConnections")
	cid, _ := r.Int32("cid")
	clientHost, _ := r.String("clientHost")
	if clientHost == "" {
		clientHost = "127.0.0.1"
	}
	serverHost, _ := r.String("serverHost")
	serverPort, _ := r.Int32("serverPort")

	bindPort := uint16(0)
	if clientPort > 0 {
		bindPort = uint16(clientPort)
	}

	s.mu.Lock()
	addr := formatHostPort(clientHost, bindPort)
	s.mu.Unlock()

	ln, lnErr := net.Listen("tcp", addr)
	if lnErr != nil {
		s.replyListenRp(ctx, cid, portName, clientHost, 0, "bind failed: "+lnErr.Error())
		return
	}
	boundPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	if !s.owner.OnNewListener(ctx, portName, clientHost, boundPort) {
		ln.Close()
		s.replyListenRp(ctx, cid, portName, clientHost, 0, "User Rejected")
		return
	}

	l := &Listener{
		PortName:       portName,
		BindAddress:    clientHost,
		BoundPort:      boundPort,
		MaxConnections: int(maxConnections),
		ServerHost:     serverHost,
		ServerPort:     serverPort,
		ln:             ln,
	}

	s.mu.Lock()
	s.listeners[portName] = l
	s.mu.Unlock()

	go s.acceptLoop(ctx, l)

	s.replyListenRp(ctx, cid, portName, clientHost, boundPort, "")
}

func (s *Session) replyListenRp(ctx context.Context, cid int32, portName, clientHost string, boundPort uint16, problem string) {
	w := kvmsg.NewWriter().
		WriteInt32("cid", cid).
		WriteString("portName", portName).
		WriteString("clientHost", clientHost).
		WriteInt32("clientPort", int32(boundPort))
	if problem != "" {
		w = w.WriteError("problem", problem)
	}
	s.enqueueMessage(ctx, "listen-rp", w.Encode())
}

// handleUnlistenRqImpl closes the named listener and replies unlisten-rp.
func (s *Session) handleUnlistenRqImpl(ctx context.Context, r *kvmsg.Reader) {
	portName, err := r.String("portName")
	if err != nil {
		dlog.Errorf(ctx, "tunnel: unlisten-rq missing portName: %v", err)
		return
	}
	s.mu.Lock()
	closeErr := s.closeListenerLocked(ctx, portName, false)
	s.mu.Unlock()

	w := kvmsg.NewWriter().WriteString("portName", portName)
	if closeErr != nil {
		w = w.WriteError("problem", closeErr.Error())
	}
	s.enqueueMessage(ctx, "unlisten-rp", w.Encode())
}

// closeListenerLocked tears down the listener named portName and every
// channel whose portName matches, in unspecified order (§4.5). Callers
// hold s.mu. When sendUnlistenRp is true (single-use auto-teardown), an
// unlisten-rp is queued for the peer once the close completes.
func (s *Session) closeListenerLocked(ctx context.Context, portName string, sendUnlistenRp bool) error {
	l, ok := s.listeners[portName]
	if !ok {
		return UnknownListener.Newf("no listener named %q", portName)
	}
	if l.closed {
		return nil
	}
	l.closed = true
	delete(s.listeners, portName)
	l.ln.Close()

	// Safe-iteration (§5): closeChannelLocked mutates s.channels, so
	// collect the ids up front rather than deleting out from under this
	// range.
	var toClose []uint32
	for id, ch := range s.channels {
		if ch.portName == portName {
			toClose = append(toClose, id)
		}
	}
	for _, id := range toClose {
		s.closeChannelLocked(ctx, id, true)
	}

	if sendUnlistenRp {
		body := kvmsg.NewWriter().WriteString("portName", portName).Encode()
		s.enqueueMessageLocked("unlisten-rp", body)
	}
	return nil
}

// acceptLoop is the per-listener accept goroutine, grounded on the
// teacher's dialer pattern of one goroutine per externally-driven socket
// boundary (pkg/connpool/dialer.go readLoop/writeLoop): a real OS socket
// genuinely blocks, so it gets a real goroutine, unlike the outer
// Transport boundary which stays purely reactive (§4.8).
func (s *Session) acceptLoop(ctx context.Context, l *Listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		s.onLocalAccept(ctx, l, conn)
	}
}
