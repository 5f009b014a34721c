package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/google/uuid"

	"github.com/datawire/rdpproxy/pkg/frame"
	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

// State is a Session's position in the top-level state machine (§3).
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateStarting
	StateAuthenticated
	StateReady
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	connectPath   = "/ice/tunnel"
	reconnectPath = "/ice/reconnect"

	// correlationID is the literal cid echoed back in please-init.
	correlationID = "1234"

	protoV1, protoV2, protoV3 = 3, 1, 4

	maxDataPayload      = 10240
	ackCatchUpThreshold = 4
	flowStopThreshold   = 16
	flowResumeThreshold = 4
)

// Session is one live (or reconnecting) tunnel instance. It owns the
// outbound queues, the listener set, and the channel set; nothing outside
// a Session mutates them. The teacher's source has no equivalent single
// object (connpool.Pool spreads this across Pool+dialer+Handler), so this
// type is grounded directly on spec.md §3/§4.3-4.8, built in the teacher's
// idiom: small mutex-guarded struct, dlog for diagnostics, multierror for
// aggregate teardown.
type Session struct {
	owner Owner

	// id is a per-process-lifetime correlation id, included in log lines
	// so multiple concurrent Sessions (e.g. several tunnels in one
	// embedding process) can be told apart, the same way the teacher's
	// cmd/edgectl/scout.go tags outbound telemetry with a generated
	// trace_id.
	id string

	mu sync.Mutex

	state           State
	serverURL       string
	capID           string
	reconnectSecret string
	hostIP          string
	hostName        string

	allowAutoReconnect   bool
	lostContactTimeout   time.Duration
	disconnectedTimeout  time.Duration

	lastChunkIDSent  uint32
	lastChunkIDSeen  uint32
	lastChunkAckSeen uint32
	lastChunkAckSent uint32

	outQueue    []frame.Chunk
	outNeedsAck []frame.Chunk
	flowStopped bool

	httpChunked bool
	parser      *frame.Parser
	inbound     bytes.Buffer
	outWire     bytes.Buffer

	dispatcher *dispatcher

	listeners    map[string]*Listener
	channels     map[uint32]*Channel
	maxChannelID uint32

	nextEchoDeadline        time.Time
	nextLostContactDeadline time.Time

	disconnectNotified bool
	stoppedReason       string

	pending []func(context.Context)
}

// NewSession constructs a Session bound to owner, ready to Connect. Inbound
// framing mode (httpChunked) matches what the transport adapter the caller
// will drive Session with actually does on the wire; it is fixed for the
// Session's lifetime, matching §4.1's boolean on both encode and decode
// paths.
func NewSession(owner Owner, serverURL string, httpChunked bool) *Session {
	s := &Session{
		owner:       owner,
		id:          uuid.New().String(),
		state:       StateIdle,
		serverURL:   serverURL,
		httpChunked: httpChunked,
		parser:      frame.NewParser(httpChunked),
		listeners:   make(map[string]*Listener),
		channels:    make(map[uint32]*Channel),
	}
	s.dispatcher = newDispatcher()
	s.registerDefaultHandlers()
	return s
}

// ID returns the Session's per-process correlation id, stable for its
// lifetime, useful for disambiguating log lines across concurrent Sessions.
func (s *Session) ID() string {
	return s.id
}

// State returns the Session's current position in the state machine.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RegisterHandler adds an additional (messageType, handler) registration
// after the default handlers, per §4.4/§9's "extension map for test hooks."
func (s *Session) RegisterHandler(messageType string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher.Register(messageType, fn)
}

// notifyLocked queues fn to run once s.mu is released by the current public
// entry point. Owner hooks that are pure notifications (not decisions) are
// always fired this way so the owner is free to call back into the Session
// from inside them without deadlocking on s.mu.
func (s *Session) notifyLocked(fn func(context.Context)) {
	s.pending = append(s.pending, fn)
}

func (s *Session) firePending(ctx context.Context) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn(ctx)
	}
}

func (s *Session) notifySendNeededLocked() {
	s.notifyLocked(func(ctx context.Context) {
		s.owner.OnSendNeeded(ctx)
	})
}

// Connect prepares the Session for a byte stream the caller is about to
// open (or has just reopened) to serverURL, and returns the URL the
// transport adapter should actually use, per §4.7 "Connect URL."
//
// Called from Idle, it performs a first connect: enqueues init and moves
// to Initializing. Called from Reconnecting, it requires a stored
// reconnectSecret, replays outNeedsAck, and moves directly to Ready
// without re-authenticating.
func (s *Session) Connect(ctx context.Context, hostIP, hostName string) (connectURL string, err error) {
	dlog.Debugf(ctx, "tunnel[%s]: connect from state %s", s.id, s.State())

	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.hostIP, s.hostName = hostIP, hostName
		s.enqueueInitLocked()
		s.state = StateInitializing
		connectURL = s.connectURLLocked()
	case StateReconnecting:
		if s.reconnectSecret == "" {
			s.mu.Unlock()
			return "", InvalidReconnect.New("connect called as reconnect without a valid reconnectSecret")
		}
		s.replayForReconnectLocked()
		s.state = StateReady
		connectURL = s.connectURLLocked()
	default:
		s.mu.Unlock()
		return "", Protocol.Newf("connect called in state %s", s.state)
	}
	s.mu.Unlock()
	s.firePending(ctx)
	return connectURL, nil
}

func (s *Session) connectURLLocked() string {
	if s.state == StateReady {
		// Reconnect.
		return fmt.Sprintf("%s%s?%s&%s", s.serverURL, reconnectPath, s.capID, s.reconnectSecret)
	}
	if s.capID == "" {
		return s.serverURL + connectPath
	}
	return fmt.Sprintf("%s%s?%s", s.serverURL, connectPath, s.capID)
}

func (s *Session) enqueueInitLocked() {
	body := kvmsg.NewWriter().
		WriteString("type", "C").
		WriteInt32("v1", protoV1).
		WriteInt32("v2", protoV2).
		WriteInt32("v3", protoV3).
		WriteString("cid", correlationID).
		Encode()
	s.enqueueLocked(&frame.Message{MessageType: "init", Body: body})
}

// Disconnect performs the generic cleanup primitive of §4.7: cancel timers,
// optionally close every listener (and so every channel), and optionally
// notify the owner. It does not by itself decide the resulting State;
// callers (the stop/transport-drop/fatal paths) set that separately.
func (s *Session) Disconnect(ctx context.Context, reason string, closeSockets, notify bool) error {
	s.mu.Lock()
	s.nextEchoDeadline = time.Time{}
	s.nextLostContactDeadline = time.Time{}

	var merr *multierror.Error
	if closeSockets {
		for portName := range s.listeners {
			if err := s.closeListenerLocked(ctx, portName, false); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if notify && !s.disconnectNotified {
		s.disconnectNotified = true
		secret := s.reconnectSecret
		s.notifyLocked(func(ctx context.Context) {
			dlog.Infof(ctx, logDisconnect, reason)
			s.owner.OnDisconnect(ctx, secret, reason)
		})
	}
	s.mu.Unlock()
	s.firePending(ctx)
	return merr.ErrorOrNil()
}

// transportDropped implements §4.7's failure-semantics decision tree for a
// dropped byte stream (read/write failure, or a lost-contact timeout
// treated as a drop).
func (s *Session) transportDropped(ctx context.Context, reason string) {
	s.mu.Lock()
	canReconnect := s.allowAutoReconnect && s.reconnectSecret != "" && s.state == StateReady
	if canReconnect {
		s.state = StateReconnecting
	} else {
		s.state = StateStopped
	}
	s.mu.Unlock()
	_ = s.Disconnect(ctx, reason, false, true)
}

// fatal implements §7's protocol-parse-error path: always Stopped, never a
// reconnect candidate.
func (s *Session) fatal(ctx context.Context, reason string) {
	s.mu.Lock()
	s.state = StateStopped
	s.reconnectSecret = ""
	s.mu.Unlock()
	_ = s.Disconnect(ctx, reason, true, true)
}

// Stop implements the stop message (§4.4): always a clean, terminal,
// non-reconnectable shutdown.
func (s *Session) Stop(ctx context.Context, reason string) {
	s.mu.Lock()
	s.state = StateStopped
	s.reconnectSecret = ""
	s.stoppedReason = reason
	s.notifyLocked(func(ctx context.Context) {
		dlog.Infof(ctx, logStopped, reason)
	})
	s.mu.Unlock()
	_ = s.Disconnect(ctx, reason, true, true)
}

// SendClientError enqueues the client-error message (SPEC_FULL §5.1): a
// locally fatal, non-protocol condition the server should be told about
// before (or without) tearing the session down.
func (s *Session) SendClientError(ctx context.Context, msg string) {
	s.mu.Lock()
	body := kvmsg.NewWriter().WriteError("msg", msg).Encode()
	s.enqueueLocked(&frame.Message{MessageType: "client-error", Body: body})
	s.mu.Unlock()
	s.firePending(ctx)
}

// RecvBytes feeds inbound bytes read from the transport into the Session.
// It parses as many whole chunks as are available, applies ack/replay
// bookkeeping to each, and dispatches MESSAGE chunks to the Dispatcher and
// DATA chunks to their Channel. A parse failure is session-fatal per §7 and
// is returned as a Protocol-categorized error after the Session has already
// transitioned to Stopped. now is the caller's current wall-clock time,
// used only to rearm the echo/lost-contact timers (§5). The default
// handlers do read time.Now() themselves: authenticated arms both timers
// from it, and the start reply takes its t1 from it.
func (s *Session) RecvBytes(ctx context.Context, data []byte, now time.Time) error {
	s.mu.Lock()
	s.inbound.Write(data)
	buf := s.inbound.Bytes()
	chunks, consumed, perr := s.parser.Parse(buf)
	if consumed > 0 {
		s.inbound.Next(consumed)
	}
	if perr != nil {
		s.inbound.Reset()
		s.mu.Unlock()
		s.fatal(ctx, "protocol error")
		return Protocol.Newf("malformed chunk: %w", perr)
	}
	if len(chunks) > 0 {
		s.resetContactTimersLocked(now)
	}
	s.mu.Unlock()

	for _, c := range chunks {
		s.mu.Lock()
		accept := s.onInboundChunk(c)
		s.mu.Unlock()
		if !accept {
			continue
		}
		switch v := c.(type) {
		case *frame.Message:
			s.dispatcher.Dispatch(ctx, s, v)
		case *frame.Data:
			s.deliverData(ctx, v)
		}
	}
	if len(chunks) > 0 {
		s.mu.Lock()
		s.maybeEnqueueStandaloneAck()
		s.mu.Unlock()
	}
	s.firePending(ctx)
	return nil
}

// DrainOut serializes queued chunks into an internal buffer until either
// dst is full or nothing more is currently eligible to send (because
// outQueue is empty or every remaining entry is a DATA chunk held back by
// flow control), then copies as much of that buffer into dst as fits. Bytes
// serialized but not yet copied out carry over to the next call, so a chunk
// is never re-serialized (and never double-assigned a chunkId).
func (s *Session) DrainOut(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.outWire.Len() < len(dst) {
		if !s.serializeNextLocked() {
			break
		}
	}
	n := copy(dst, s.outWire.Bytes())
	if n > 0 {
		s.outWire.Next(n)
	}
	return n
}

// SendNeeded reports whether DrainOut would currently produce any bytes.
func (s *Session) SendNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSendableLocked()
}

// Tick drives the cooperative echo and lost-contact timers. The caller
// (the embedder's event loop, per Design Note 9) decides how often to call
// it; Tick itself never blocks or sleeps.
func (s *Session) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	if !s.nextLostContactDeadline.IsZero() && !now.Before(s.nextLostContactDeadline) {
		s.mu.Unlock()
		s.transportDropped(ctx, "lost contact")
		return
	}
	fireEcho := !s.nextEchoDeadline.IsZero() && !now.Before(s.nextEchoDeadline)
	if fireEcho {
		s.armEchoTimerLocked(now)
		body := kvmsg.NewWriter().WriteInt64("now", now.UnixMilli()).Encode()
		s.enqueueLocked(&frame.Message{MessageType: "echo-rq", Body: body})
	}
	s.mu.Unlock()
	s.firePending(ctx)
}

// resetContactTimersLocked rearms both the echo and lost-contact deadlines
// relative to now whenever an inbound chunk is successfully parsed, per §5
// "Both timers are reset/rearmed whenever any inbound chunk is successfully
// parsed." It needs a reference "now", which callers pass in: RecvBytes
// passes its caller's now, and the authenticated handler passes time.Now().
func (s *Session) resetContactTimersLocked(now time.Time) {
	if s.lostContactTimeout <= 0 {
		return
	}
	s.nextEchoDeadline = now.Add(s.lostContactTimeout / 3)
	s.nextLostContactDeadline = now.Add(s.lostContactTimeout)
}

func (s *Session) armEchoTimerLocked(now time.Time) {
	if s.lostContactTimeout > 0 {
		s.nextEchoDeadline = now.Add(s.lostContactTimeout / 3)
	}
}

func formatHostPort(host string, port uint16) string {
	return host + ":" + strconv.Itoa(int(port))
}
