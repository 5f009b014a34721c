package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/rdpproxy/pkg/frame"
	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

func drainAll(t *testing.T, s *Session) []frame.Chunk {
	t.Helper()
	buf := make([]byte, 16384)
	var all []frame.Chunk
	p := frame.NewParser(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n := s.DrainOut(buf)
		if n == 0 {
			if len(all) > 0 {
				break
			}
			time.Sleep(time.Millisecond)
			continue
		}
		chunks, _, err := p.Parse(buf[:n])
		require.NoError(t, err)
		all = append(all, chunks...)
	}
	return all
}

func findMessage(chunks []frame.Chunk, messageType string) *frame.Message {
	for _, c := range chunks {
		if m, ok := c.(*frame.Message); ok && m.MessageType == messageType {
			return m
		}
	}
	return nil
}

// TestListenAcceptRaiseDataRoundTrip exercises scenario 1's happy path from
// listen-rq through a local accept and a DATA chunk in each direction.
func TestListenAcceptRaiseDataRoundTrip(t *testing.T) {
	s, owner := newTestSession(t)
	ctx := context.Background()

	body := kvmsg.NewWriter().
		WriteInt32("clientPort", 0).
		WriteString("portName", "rdp").
		WriteInt32("maxConnections", 0).
		WriteInt32("cid", 1).
		WriteString("clientHost", "127.0.0.1").
		Encode()
	sendMessage(t, s, "listen-rq", body)

	listenRp := findMessage(drainAll(t, s), "listen-rp")
	require.NotNil(t, listenRp)
	r, err := kvmsg.Parse(listenRp.Body)
	require.NoError(t, err)
	boundPort, err := r.Int32("clientPort")
	require.NoError(t, err)
	require.Greater(t, boundPort, int32(0))
	assert.Contains(t, owner.newListeners, "rdp")

	conn, err := net.Dial("tcp", formatHostPort("127.0.0.1", uint16(boundPort)))
	require.NoError(t, err)
	defer conn.Close()

	raiseRq := findMessage(drainAll(t, s), "raise-rq")
	require.NotNil(t, raiseRq)
	rr, err := kvmsg.Parse(raiseRq.Body)
	require.NoError(t, err)
	chanID, err := rr.Int32("chanID")
	require.NoError(t, err)
	assert.Contains(t, owner.newChannels, "rdp")

	raiseRpBody := kvmsg.NewWriter().WriteInt32("chanID", chanID).Encode()
	sendMessage(t, s, "raise-rp", raiseRpBody)

	// Client -> server direction: bytes written to the local socket
	// become an outbound DATA chunk.
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	var dataChunk *frame.Data
	for _, c := range drainAll(t, s) {
		if d, ok := c.(*frame.Data); ok {
			dataChunk = d
			break
		}
	}
	require.NotNil(t, dataChunk)
	assert.Equal(t, uint32(chanID), dataChunk.ChannelID)
	assert.Equal(t, "hello", string(dataChunk.Payload))

	// Server -> client direction: an inbound DATA chunk is written to
	// the local socket.
	inbound := &frame.Data{ChunkID: nextTestChunkID + 1, ChannelID: uint32(chanID), Payload: []byte("world")}
	nextTestChunkID++
	raw := frame.Encode(inbound, false)
	require.NoError(t, s.RecvBytes(ctx, raw, time.Now()))

	readBuf := make([]byte, 5)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(readBuf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(readBuf))
}

// TestSingleUseListenerClosesAfterOneChannel exercises scenario 6: a
// maxConnections=1 listener tears itself down (and sends unlisten-rp) once
// its one channel closes.
func TestSingleUseListenerClosesAfterOneChannel(t *testing.T) {
	s, _ := newTestSession(t)

	body := kvmsg.NewWriter().
		WriteInt32("clientPort", 0).
		WriteString("portName", "single").
		WriteInt32("maxConnections", 1).
		WriteInt32("cid", 1).
		WriteString("clientHost", "127.0.0.1").
		Encode()
	sendMessage(t, s, "listen-rq", body)

	listenRp := findMessage(drainAll(t, s), "listen-rp")
	require.NotNil(t, listenRp)
	r, err := kvmsg.Parse(listenRp.Body)
	require.NoError(t, err)
	boundPort, _ := r.Int32("clientPort")

	conn, err := net.Dial("tcp", formatHostPort("127.0.0.1", uint16(boundPort)))
	require.NoError(t, err)

	raiseRq := findMessage(drainAll(t, s), "raise-rq")
	require.NotNil(t, raiseRq)
	rr, _ := kvmsg.Parse(raiseRq.Body)
	chanID, _ := rr.Int32("chanID")
	sendMessage(t, s, "raise-rp", kvmsg.NewWriter().WriteInt32("chanID", chanID).Encode())

	conn.Close() // local EOF: readPump sees it and tears the channel down

	var sawLower, sawUnlistenRp bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(sawLower && sawUnlistenRp) {
		for _, c := range drainAll(t, s) {
			if m, ok := c.(*frame.Message); ok {
				switch m.MessageType {
				case "lower":
					sawLower = true
				case "unlisten-rp":
					sawUnlistenRp = true
				}
			}
		}
	}
	assert.True(t, sawLower, "expected a lower message once the channel closed")
	assert.True(t, sawUnlistenRp, "expected unlisten-rp once the single-use listener tore itself down")

	s.mu.Lock()
	_, stillListening := s.listeners["single"]
	s.mu.Unlock()
	assert.False(t, stillListening)
}
