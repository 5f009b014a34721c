// Package frame implements the wire grammar for a single tunnel chunk and
// the outer HTTP-chunked framing that carries chunks over a live POST body.
//
// Grounded on the teacher's connpool.Message/Control split (one compact
// wire shape for control traffic, another for raw payload) adapted to the
// ASCII, semicolon-delimited grammar this protocol actually uses instead of
// the teacher's length-prefixed binary ConnMessage.
package frame

import (
	"fmt"

	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

const headerKey = "messageType"

// Chunk is the unit of transport: exactly one of *Ack, *Message, or *Data.
// The interface is closed to this package; callers type-switch on the
// concrete types.
type Chunk interface {
	fmt.Stringer
	appendWire(dst []byte) []byte
}

// Ack is a bare acknowledgement: no payload, no chunk id of its own.
type Ack struct {
	AckID uint32
}

func (a *Ack) String() string {
	return fmt.Sprintf("ACK(%d)", a.AckID)
}

func (a *Ack) appendWire(dst []byte) []byte {
	dst = append(dst, 'A', ';')
	dst = appendHex(dst, a.AckID)
	dst = append(dst, ';')
	return dst
}

// Message is a control chunk: a typed, key/value-encoded body addressed by
// messageType.
type Message struct {
	ChunkID     uint32 // assigned at serialization time; 0 until then
	AckID       uint32 // 0 = none
	MessageType string
	Body        []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("MESSAGE(id=%d ack=%d type=%s len=%d)", m.ChunkID, m.AckID, m.MessageType, len(m.Body))
}

func (m *Message) appendWire(dst []byte) []byte {
	hdr := kvmsg.NewWriter().WriteString(headerKey, m.MessageType).Encode()
	dst = append(dst, 'M', ';')
	dst = appendHex(dst, m.ChunkID)
	dst = append(dst, ';')
	dst = appendOptHex(dst, m.AckID)
	dst = append(dst, ';')
	dst = appendHex(dst, uint32(len(hdr)))
	dst = append(dst, ';')
	dst = append(dst, hdr...)
	dst = append(dst, ';')
	dst = appendHex(dst, uint32(len(m.Body)))
	dst = append(dst, ';')
	dst = append(dst, m.Body...)
	dst = append(dst, ';')
	return dst
}

// Data is an application-bytes chunk for a single channel.
type Data struct {
	ChunkID   uint32
	AckID     uint32
	ChannelID uint32
	Payload   []byte
}

func (d *Data) String() string {
	return fmt.Sprintf("DATA(id=%d ack=%d chan=%d len=%d)", d.ChunkID, d.AckID, d.ChannelID, len(d.Payload))
}

func (d *Data) appendWire(dst []byte) []byte {
	dst = append(dst, 'D', ';')
	dst = appendHex(dst, d.ChunkID)
	dst = append(dst, ';')
	dst = appendOptHex(dst, d.AckID)
	dst = append(dst, ';')
	dst = appendHex(dst, d.ChannelID)
	dst = append(dst, ';')
	dst = appendHex(dst, uint32(len(d.Payload)))
	dst = append(dst, ';')
	dst = append(dst, d.Payload...)
	dst = append(dst, ';')
	return dst
}

// ChunkIDOf returns the chunk id of a non-ack chunk, or 0 for an Ack.
func ChunkIDOf(c Chunk) uint32 {
	switch v := c.(type) {
	case *Ack:
		return 0
	case *Message:
		return v.ChunkID
	case *Data:
		return v.ChunkID
	default:
		return 0
	}
}

// SetChunkID assigns a chunk id to a non-ack chunk. It is a no-op on Ack.
func SetChunkID(c Chunk, id uint32) {
	switch v := c.(type) {
	case *Message:
		v.ChunkID = id
	case *Data:
		v.ChunkID = id
	}
}

// AckIDOf returns the piggybacked (or bare) ack id carried by c.
func AckIDOf(c Chunk) uint32 {
	switch v := c.(type) {
	case *Ack:
		return v.AckID
	case *Message:
		return v.AckID
	case *Data:
		return v.AckID
	default:
		return 0
	}
}

// SetAckID overwrites the piggybacked ack id carried by c. For an Ack chunk
// this IS the chunk's entire payload, so it doubles as the standalone-ack
// value assignment the Sequence Engine performs at serialize time.
func SetAckID(c Chunk, ackID uint32) {
	switch v := c.(type) {
	case *Ack:
		v.AckID = ackID
	case *Message:
		v.AckID = ackID
	case *Data:
		v.AckID = ackID
	}
}

// IsData reports whether c is a Data chunk.
func IsData(c Chunk) bool {
	_, ok := c.(*Data)
	return ok
}
