package tunnel

import (
	"context"
	"net"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/rdpproxy/pkg/frame"
	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

// Channel is one local TCP connection multiplexed through the tunnel,
// identified by channelId (§3/§4.6).
type Channel struct {
	ID       uint32
	portName string
	conn     net.Conn

	raised bool
	closed bool

	// writeQueue carries inbound DATA payloads destined for the local
	// socket from RecvBytes's goroutine to this channel's write pump.
	writeQueue chan []byte
}

// onLocalAccept assigns a channelId to a freshly accepted local connection,
// asks the owner whether to allow it, and — if so — sends raise-rq and
// waits for raise-rp before reading from the socket (§4.5/§4.6).
func (s *Session) onLocalAccept(ctx context.Context, l *Listener, conn net.Conn) {
	if !s.owner.OnNewChannel(ctx, l.PortName, conn) {
		conn.Close()
		return
	}

	s.mu.Lock()
	if l.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if l.MaxConnections > 0 && l.raisedCount >= l.MaxConnections {
		s.mu.Unlock()
		conn.Close()
		return
	}
	l.raisedCount++

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	s.maxChannelID++
	id := s.maxChannelID
	ch := &Channel{
		ID:         id,
		portName:   l.PortName,
		conn:       conn,
		writeQueue: make(chan []byte, 16),
	}
	s.channels[id] = ch
	go s.writePump(ctx, ch)

	body := kvmsg.NewWriter().
		WriteInt32("chanID", int32(id)).
		WriteString("portName", l.PortName).
		Encode()
	s.enqueueLocked(&frame.Message{MessageType: "raise-rq", Body: body})
	s.mu.Unlock()
	s.firePending(ctx)
}

// handleRaiseRpImpl confirms or rejects a channel once the server answers
// raise-rq (§4.4).
func (s *Session) handleRaiseRpImpl(ctx context.Context, r *kvmsg.Reader) {
	chanID, err := r.Int32("chanID")
	if err != nil {
		dlog.Errorf(ctx, "tunnel: raise-rp missing chanID: %v", err)
		return
	}
	id := uint32(chanID)
	if problem, perr := r.Error("problem"); perr == nil && problem != "" {
		s.mu.Lock()
		s.closeChannelLocked(ctx, id, false)
		s.mu.Unlock()
		s.firePending(ctx)
		return
	}

	s.mu.Lock()
	ch, ok := s.channels[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	ch.raised = true
	s.mu.Unlock()
	go s.readPump(ctx, ch)
}

// handleLowerImpl closes the channel named by chanID, as directed by the
// peer (§4.4).
func (s *Session) handleLowerImpl(ctx context.Context, r *kvmsg.Reader) {
	chanID, err := r.Int32("chanID")
	if err != nil {
		dlog.Errorf(ctx, "tunnel: lower missing chanID: %v", err)
		return
	}
	s.mu.Lock()
	s.closeChannelLocked(ctx, uint32(chanID), false)
	s.mu.Unlock()
	s.firePending(ctx)
}

// closeChannelLocked tears a channel down: closes its local socket, removes
// it from the registry, optionally tells the peer with lower, and — if its
// listener was single-use — closes that listener too (§4.4/§4.5/§4.6).
// Callers hold s.mu.
func (s *Session) closeChannelLocked(ctx context.Context, id uint32, sendLower bool) {
	ch, ok := s.channels[id]
	if !ok {
		return
	}
	if ch.closed {
		return
	}
	ch.closed = true
	delete(s.channels, id)
	ch.conn.Close()
	close(ch.writeQueue)

	portName := ch.portName
	s.notifyLocked(func(ctx context.Context) {
		s.owner.OnEndChannel(ctx, portName, ch.conn)
	})

	if sendLower {
		body := kvmsg.NewWriter().WriteInt32("chanID", int32(id)).Encode()
		s.enqueueLocked(&frame.Message{MessageType: "lower", Body: body})
	}

	if l, ok := s.listeners[portName]; ok {
		l.raisedCount--
		if l.singleUseLocked() && l.raisedCount <= 0 {
			s.closeListenerLocked(ctx, portName, true)
		}
	}
}

// deliverData hands an inbound DATA chunk's payload to its channel's write
// pump, or silently drops it if the channel is already gone (a race with a
// just-sent lower/close is normal, not an error).
func (s *Session) deliverData(ctx context.Context, d *frame.Data) {
	s.mu.Lock()
	ch, ok := s.channels[d.ChannelID]
	s.mu.Unlock()
	if !ok || ch.closed {
		return
	}
	defer func() {
		// writeQueue may have just been closed by a concurrent
		// closeChannelLocked; a send on a closed channel panics, and that
		// race is expected, not a bug, so recover and drop the bytes.
		recover()
	}()
	select {
	case ch.writeQueue <- d.Payload:
	case <-ctx.Done():
	}
}

// writePump writes inbound DATA payloads to the local socket in arrival
// order (§4.6's write pump), grounded on the teacher's dialer.writeLoop.
func (s *Session) writePump(ctx context.Context, ch *Channel) {
	for payload := range ch.writeQueue {
		n := 0
		for n < len(payload) {
			wn, err := ch.conn.Write(payload[n:])
			if err != nil {
				s.mu.Lock()
				s.closeChannelLocked(ctx, ch.ID, true)
				s.mu.Unlock()
				s.firePending(ctx)
				return
			}
			n += wn
		}
	}
}

// readPump reads the local socket and turns each read into a DATA chunk,
// capped at the protocol's 10,240-byte invariant (§4.6), grounded on the
// teacher's dialer.readLoop. Unlike the original's "three passes per poll
// wake, then arm a 1-byte read callback" throttle (a workaround for a
// shared single-threaded poll loop), a dedicated goroutine with a blocking
// read achieves the same effect — it simply waits until bytes are
// available — without a poll loop to starve, so the throttle itself is
// dropped; the 10,240-byte chunk cap is kept, since that is a wire
// invariant, not a scheduling one.
func (s *Session) readPump(ctx context.Context, ch *Channel) {
	buf := make([]byte, maxDataPayload)
	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.mu.Lock()
			s.enqueueLocked(&frame.Data{ChannelID: ch.ID, Payload: payload})
			s.mu.Unlock()
			s.firePending(ctx)
		}
		if err != nil {
			s.mu.Lock()
			s.closeChannelLocked(ctx, ch.ID, true)
			s.mu.Unlock()
			s.firePending(ctx)
			return
		}
	}
}
