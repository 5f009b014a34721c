package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/rdpproxy/pkg/frame"
)

func newTestSession(t *testing.T) (*Session, *fakeOwner) {
	t.Helper()
	owner := newFakeOwner()
	s := NewSession(owner, "https://gw.example.com", false)
	// Restart the sendMessage helpers' chunk ids for each fresh Session, so
	// its first inbound chunk is id 1 and no standalone catch-up ACK (gap >= 4)
	// is queued just because earlier tests used up ids.
	nextTestChunkID = 0
	return s, owner
}

// Scenario 2: replay dedup. Inbound ids [1,2,3], then id 2 replays.
// Dispatch must fire once per id, never twice for the replay.
func TestReplayDedup(t *testing.T) {
	s, _ := newTestSession(t)
	var dispatched []int

	s.RegisterHandler("probe", func(ctx context.Context, s *Session, msg *frame.Message) bool {
		dispatched = append(dispatched, int(frame.ChunkIDOf(msg)))
		return true
	})

	ctx := context.Background()
	send := func(id uint32) {
		raw := frame.Encode(&frame.Message{ChunkID: id, MessageType: "probe"}, false)
		require.NoError(t, s.RecvBytes(ctx, raw, time.Now()))
	}

	send(1)
	send(2)
	send(3)
	send(2) // replay

	assert.Equal(t, []int{1, 2, 3}, dispatched)
	assert.Equal(t, uint32(3), s.lastChunkIDSeen)
}

// Scenario 3: ack catch-up. Inbound chunks 1..4 with no outbound activity
// triggers a standalone ACK after the 4th.
func TestAckCatchUp(t *testing.T) {
	s, _ := newTestSession(t)
	s.RegisterHandler("probe", func(ctx context.Context, s *Session, msg *frame.Message) bool { return true })

	ctx := context.Background()
	for id := uint32(1); id <= 4; id++ {
		raw := frame.Encode(&frame.Message{ChunkID: id, MessageType: "probe"}, false)
		require.NoError(t, s.RecvBytes(ctx, raw, time.Now()))
	}

	buf := make([]byte, 256)
	n := s.DrainOut(buf)
	require.Greater(t, n, 0)

	p := frame.NewParser(false)
	chunks, _, err := p.Parse(buf[:n])
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	ack, ok := chunks[0].(*frame.Ack)
	require.True(t, ok, "expected a standalone ACK chunk")
	assert.Equal(t, uint32(4), ack.AckID)
}

// A single RecvBytes call carrying 8 chunks crosses the gap>=4 catch-up
// threshold partway through, but must still enqueue exactly one standalone
// ACK for the whole batch, not one per chunk past the threshold.
func TestAckCatchUpOncePerBatch(t *testing.T) {
	s, _ := newTestSession(t)
	s.RegisterHandler("probe", func(ctx context.Context, s *Session, msg *frame.Message) bool { return true })

	var raw []byte
	for id := uint32(1); id <= 8; id++ {
		raw = append(raw, frame.Encode(&frame.Message{ChunkID: id, MessageType: "probe"}, false)...)
	}
	require.NoError(t, s.RecvBytes(context.Background(), raw, time.Now()))

	buf := make([]byte, 256)
	n := s.DrainOut(buf)
	require.Greater(t, n, 0)

	p := frame.NewParser(false)
	chunks, _, err := p.Parse(buf[:n])
	require.NoError(t, err)
	require.Len(t, chunks, 1, "expected exactly one standalone ACK for the whole batch")
	ack, ok := chunks[0].(*frame.Ack)
	require.True(t, ok, "expected a standalone ACK chunk")
	assert.Equal(t, uint32(8), ack.AckID)
}

// Scenario 4: flow control. The 17th of a run of enqueued DATA chunks
// pushes unacked to 17 (> 16), which stops flow for anything enqueued
// after it; an echo-rq enqueued meanwhile still drains; an ack that brings
// unacked below the resume threshold (4) resumes and drains the rest, and
// the resume itself must fire OnSendNeeded since the 18th chunk becomes
// serializable with no new enqueueLocked call to notice it.
func TestFlowControl(t *testing.T) {
	s, owner := newTestSession(t)
	ctx := context.Background()

	s.mu.Lock()
	for i := 0; i < 18; i++ {
		s.enqueueLocked(&frame.Data{ChannelID: 1, Payload: []byte("x")})
	}
	s.mu.Unlock()

	buf := make([]byte, 4096)
	n := s.DrainOut(buf)
	p := frame.NewParser(false)
	chunks, _, err := p.Parse(buf[:n])
	require.NoError(t, err)
	// The first 17 serialize (unacked climbs 1..17, crossing the >16
	// threshold on the 17th); the 18th is held back by the now-stopped
	// flow and stays in outQueue.
	assert.Len(t, chunks, 17)

	s.mu.Lock()
	assert.True(t, s.flowStopped)
	assert.Len(t, s.outQueue, 1)
	lastSent := s.lastChunkIDSent
	s.mu.Unlock()
	assert.Equal(t, uint32(17), lastSent)

	// An echo-rq enqueued while stopped still drains (control traffic is
	// never held back by DATA flow control).
	s.mu.Lock()
	s.enqueueMessageLocked("echo-rq", nil)
	s.mu.Unlock()
	n = s.DrainOut(buf)
	chunks, _, err = p.Parse(buf[:n])
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	m, ok := chunks[0].(*frame.Message)
	require.True(t, ok)
	assert.Equal(t, "echo-rq", m.MessageType)

	// The echo-rq took chunk id 18, so re-read lastChunkIDSent: an ack for
	// lastSent-3 then brings unacked to 3, below the resume threshold.
	s.mu.Lock()
	lastSent = s.lastChunkIDSent
	s.mu.Unlock()

	// Deliver the OnSendNeeded notifications queued by the enqueues above,
	// so only the resume can raise the count below.
	s.firePending(ctx)
	owner.mu.Lock()
	sendNeededBeforeResume := owner.sendNeeded
	owner.mu.Unlock()

	ackRaw := frame.Encode(&frame.Ack{AckID: lastSent - 3}, false)
	require.NoError(t, s.RecvBytes(ctx, ackRaw, time.Now()))

	s.mu.Lock()
	assert.False(t, s.flowStopped)
	s.mu.Unlock()

	// The resume itself (not some later coincidental enqueue) must have
	// fired OnSendNeeded, since the 18th chunk sitting in outQueue became
	// serializable with no enqueueLocked call involved.
	owner.mu.Lock()
	assert.Greater(t, owner.sendNeeded, sendNeededBeforeResume)
	owner.mu.Unlock()

	n = s.DrainOut(buf)
	chunks, _, err = p.Parse(buf[:n])
	require.NoError(t, err)
	assert.Len(t, chunks, 1) // the 18th DATA chunk, finally
}

// Scenario 5: reconnect preserves pending order. Ids 10..12 sit in
// outNeedsAck with no ack seen; after a reconnect replay they are the
// first three chunks serialized, in order, and the first carries the
// current lastChunkIdSeen as its ack.
func TestReconnectReplayPreservesOrder(t *testing.T) {
	s, _ := newTestSession(t)

	s.mu.Lock()
	s.lastChunkIDSent = 12
	s.lastChunkIDSeen = 7
	s.outNeedsAck = []frame.Chunk{
		&frame.Data{ChunkID: 10, ChannelID: 1, Payload: []byte("a")},
		&frame.Data{ChunkID: 11, ChannelID: 1, Payload: []byte("b")},
		&frame.Data{ChunkID: 12, ChannelID: 1, Payload: []byte("c")},
	}
	s.lastChunkAckSent = 7
	s.state = StateReconnecting
	s.reconnectSecret = "S1"
	s.capID = "X"
	s.mu.Unlock()

	_, err := s.Connect(context.Background(), "10.0.0.1", "client")
	require.NoError(t, err)

	s.mu.Lock()
	assert.Empty(t, s.outNeedsAck)
	assert.Equal(t, uint32(0), s.lastChunkAckSent)
	assert.Equal(t, StateReady, s.state)
	s.mu.Unlock()

	buf := make([]byte, 4096)
	n := s.DrainOut(buf)
	p := frame.NewParser(false)
	chunks, _, err := p.Parse(buf[:n])
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	ids := make([]uint32, 3)
	for i, c := range chunks {
		ids[i] = frame.ChunkIDOf(c)
	}
	assert.Equal(t, []uint32{10, 11, 12}, ids)
	assert.Equal(t, uint32(7), frame.AckIDOf(chunks[0]))
}

func TestInvalidReconnectWithoutSecret(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()

	_, err := s.Connect(context.Background(), "10.0.0.1", "client")
	require.Error(t, err)
	assert.Equal(t, InvalidReconnect, GetCategory(err))
}
