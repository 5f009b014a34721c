package tunnel

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/rdpproxy/pkg/frame"
	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

// registerDefaultHandlers installs the ~12 control-message handlers every
// Session starts with (§4.4's table), in the order the table lists them.
// They are ordinary methods on Session per Design Note 9 ("default
// handlers are ordinary methods on Session"), wrapped as HandlerFunc here.
func (s *Session) registerDefaultHandlers() {
	s.dispatcher.Register("please-init", s.onPleaseInit)
	s.dispatcher.Register("authenticated", s.onAuthenticated)
	s.dispatcher.Register("ready", s.onReady)
	s.dispatcher.Register("echo-rq", s.onEchoRq)
	s.dispatcher.Register("echo-rp", s.onEchoRp)
	s.dispatcher.Register("stop", s.onStop)
	s.dispatcher.Register("sysmsg", s.onSysMsg)
	s.dispatcher.Register("error", s.onError)
	s.dispatcher.Register("listen-rq", s.onListenRq)
	s.dispatcher.Register("unlisten-rq", s.onUnlistenRq)
	s.dispatcher.Register("raise-rp", s.onRaiseRp)
	s.dispatcher.Register("lower", s.onLower)
}

func parseBody(msg *frame.Message) (*kvmsg.Reader, error) {
	return kvmsg.Parse(msg.Body)
}

// onPleaseInit replies with start once the server asks for it. A mismatched
// correlation id is logged, not fatal (SPEC_FULL §5.4, resolving what
// would otherwise be an Open Question the way original_source/ actually
// behaves).
func (s *Session) onPleaseInit(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed please-init: %v", err)
		return true
	}
	if cid, cerr := r.String("cid"); cerr == nil && cid != correlationID {
		dlog.Warnf(ctx, "tunnel: please-init cid %q does not match %q", cid, correlationID)
	}

	s.mu.Lock()
	s.state = StateStarting
	body := kvmsg.NewWriter().
		WriteString("ipaddress", s.hostIP).
		WriteString("hostaddress", s.hostName).
		WriteString("capID", s.capID).
		WriteString("type", "C").
		WriteInt64("t1", time.Now().UnixMilli()).
		Encode()
	s.enqueueMessageLocked("start", body)
	s.mu.Unlock()
	return true
}

// onAuthenticated reads the server's authentication result and arms the
// echo/lost-contact timers.
func (s *Session) onAuthenticated(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed authenticated: %v", err)
		return true
	}
	allow, _ := r.Bool("allowAutoReconnection")
	capID, _ := r.String("capID")
	lostContactSec, _ := r.Int64("lostContactTimeout")
	disconnectedSec, _ := r.Int64("disconnectedTimeout")

	s.mu.Lock()
	s.state = StateAuthenticated
	s.allowAutoReconnect = allow
	s.capID = capID
	s.lostContactTimeout = time.Duration(lostContactSec) * time.Second
	s.disconnectedTimeout = time.Duration(disconnectedSec) * time.Second
	if allow {
		if secret, serr := r.String("reconnectSecret"); serr == nil {
			s.reconnectSecret = secret
		}
	}
	s.resetContactTimersLocked(time.Now())
	s.mu.Unlock()
	return true
}

// onReady marks the session usable for channel traffic.
func (s *Session) onReady(ctx context.Context, _ *Session, msg *frame.Message) bool {
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	dlog.Info(ctx, logReady)
	return true
}

// onEchoRq replies with an empty echo-rp (the original's echo-rp handler
// is a no-op, so the client never computes round-trip time from it;
// SPEC_FULL §5.2).
func (s *Session) onEchoRq(ctx context.Context, _ *Session, msg *frame.Message) bool {
	s.mu.Lock()
	s.enqueueMessageLocked("echo-rp", nil)
	s.mu.Unlock()
	return true
}

// onEchoRp is a no-op by design (SPEC_FULL §5.2).
func (s *Session) onEchoRp(ctx context.Context, _ *Session, msg *frame.Message) bool {
	return true
}

func (s *Session) onStop(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	reason := ""
	if err == nil {
		reason, _ = r.String("reason")
	}
	s.Stop(ctx, reason)
	return true
}

func (s *Session) onSysMsg(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed sysmsg: %v", err)
		return true
	}
	text, _ := r.String("msg")
	dlog.Infof(ctx, logSysMsg, text)
	return true
}

func (s *Session) onError(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed error: %v", err)
		return true
	}
	text, _ := r.String("msg")
	dlog.Errorf(ctx, logError, text)
	return true
}

func (s *Session) onListenRq(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed listen-rq: %v", err)
		return true
	}
	s.handleListenRqImpl(ctx, r)
	return true
}

func (s *Session) onUnlistenRq(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed unlisten-rq: %v", err)
		return true
	}
	s.handleUnlistenRqImpl(ctx, r)
	return true
}

func (s *Session) onRaiseRp(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed raise-rp: %v", err)
		return true
	}
	s.handleRaiseRpImpl(ctx, r)
	return true
}

func (s *Session) onLower(ctx context.Context, _ *Session, msg *frame.Message) bool {
	r, err := parseBody(msg)
	if err != nil {
		dlog.Errorf(ctx, "tunnel: malformed lower: %v", err)
		return true
	}
	s.handleLowerImpl(ctx, r)
	return true
}
