package tunnel

import (
	"github.com/datawire/rdpproxy/pkg/frame"
)

// The Sequence & Ack Engine lives here as a set of unexported methods on
// Session. Callers always hold s.mu before calling into any of these; none
// of them do their own locking.

// enqueueLocked appends c to outQueue and wakes the owner if this is the first
// serializable chunk since the queue went empty.
func (s *Session) enqueueLocked(c frame.Chunk) {
	wasSendable := s.hasSendableLocked()
	s.outQueue = append(s.outQueue, c)
	if !wasSendable && s.hasSendableLocked() {
		s.notifySendNeededLocked()
	}
}

// hasSendableLocked reports whether outQueue holds at least one chunk that
// serializeNextLocked would actually emit right now: any control/ACK/MESSAGE
// chunk, or a DATA chunk while not flow-stopped.
func (s *Session) hasSendableLocked() bool {
	for _, c := range s.outQueue {
		if !s.flowStopped || !frame.IsData(c) {
			return true
		}
	}
	return false
}

// onInboundChunk applies the ack/replay bookkeeping common to every inbound
// chunk kind. It returns false when c is a replay that must not be dispatched
// further (still ack-accounted). The standalone-ack catch-up check is done
// once per RecvBytes batch by the caller, not here — see
// maybeEnqueueStandaloneAck.
func (s *Session) onInboundChunk(c frame.Chunk) (accept bool) {
	accept = true
	if chunkID := frame.ChunkIDOf(c); chunkID > 0 {
		if chunkID <= s.lastChunkIDSeen {
			accept = false
		} else {
			s.lastChunkIDSeen = chunkID
		}
	}
	if ackID := frame.AckIDOf(c); ackID > 0 && ackID > s.lastChunkAckSeen {
		s.popAcked(ackID)
		s.lastChunkAckSeen = ackID
	}
	s.updateFlowControlLocked()
	return accept
}

// popAcked drops every entry in outNeedsAck whose chunkId <= ackID. The
// queue is kept sorted ascending by chunkId, so this is a prefix trim.
func (s *Session) popAcked(ackID uint32) {
	i := 0
	for i < len(s.outNeedsAck) && frame.ChunkIDOf(s.outNeedsAck[i]) <= ackID {
		i++
	}
	if i > 0 {
		s.outNeedsAck = append([]frame.Chunk{}, s.outNeedsAck[i:]...)
	}
}

// maybeEnqueueStandaloneAck enqueues a bare ACK once the gap between what
// we've seen and what we've acked reaches the catch-up threshold. Called
// once per RecvBytes batch (after every chunk in it has updated
// lastChunkIDSeen), not per chunk, so a batch that crosses the threshold
// produces exactly one catch-up ACK instead of one per chunk past it.
func (s *Session) maybeEnqueueStandaloneAck() {
	if s.lastChunkIDSeen-s.lastChunkAckSent >= ackCatchUpThreshold {
		s.enqueueLocked(&frame.Ack{})
	}
}

// updateFlowControlLocked recomputes flowStopped from the {16,4} hysteresis
// band around unacked outbound chunks. A resume (true->false) can make
// already-queued DATA chunks serializable again with no new enqueueLocked
// call to notice it, so it fires OnSendNeeded itself, mirroring the
// original's TunnelProxyFireSendNeeded call right after clearing flowStopped.
func (s *Session) updateFlowControlLocked() {
	unacked := s.lastChunkIDSent - s.lastChunkAckSeen
	if !s.flowStopped && unacked > flowStopThreshold {
		s.flowStopped = true
	} else if s.flowStopped && unacked < flowResumeThreshold {
		s.flowStopped = false
		if s.hasSendableLocked() {
			s.notifySendNeededLocked()
		}
	}
}

// serializeNextLocked finds the first chunk in outQueue eligible to be sent
// right now (skipping DATA chunks while flow-stopped), assigns it a chunkId
// if this is its first serialization, piggybacks an ackId whenever one is
// owed (including on a chunk replayed after reconnect), moves it to
// outNeedsAck if it carries a chunkId of its own, and appends its wire bytes
// to the Session's pending-serialized buffer. ok is false when nothing is
// currently eligible.
func (s *Session) serializeNextLocked() (ok bool) {
	idx := -1
	for i, c := range s.outQueue {
		if !s.flowStopped || !frame.IsData(c) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	c := s.outQueue[idx]
	s.outQueue = append(s.outQueue[:idx], s.outQueue[idx+1:]...)

	if frame.ChunkIDOf(c) == 0 && !isAckChunk(c) {
		s.lastChunkIDSent++
		frame.SetChunkID(c, s.lastChunkIDSent)
	}
	if s.lastChunkAckSent < s.lastChunkIDSeen {
		frame.SetAckID(c, s.lastChunkIDSeen)
		s.lastChunkAckSent = s.lastChunkIDSeen
	}

	if !isAckChunk(c) {
		s.outNeedsAck = append(s.outNeedsAck, c)
	}
	s.updateFlowControlLocked()
	s.outWire.Write(frame.Encode(c, s.httpChunked))
	return true
}

func isAckChunk(c frame.Chunk) bool {
	_, ok := c.(*frame.Ack)
	return ok
}

// replayForReconnectLocked implements §4.3's reconnect replay: everything
// still awaiting ack goes back to the head of outQueue in chunkId order,
// and the ack-piggyback state resets so the first post-reconnect chunk
// carries a fresh ack for whatever we last saw.
func (s *Session) replayForReconnectLocked() {
	if len(s.outNeedsAck) > 0 {
		s.outQueue = append(append([]frame.Chunk{}, s.outNeedsAck...), s.outQueue...)
		s.outNeedsAck = nil
	}
	s.lastChunkAckSent = 0
}
