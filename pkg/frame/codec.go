package frame

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/datawire/rdpproxy/pkg/kvmsg"
)

// Encode serializes a single chunk to its ASCII wire form. When httpChunked
// is true the result is wrapped in HTTP-chunked outer framing
// (hex(len)\r\n<chunk>\r\n); otherwise the raw chunk bytes are returned.
func Encode(c Chunk, httpChunked bool) []byte {
	raw := c.appendWire(nil)
	if !httpChunked {
		return raw
	}
	return wrapHTTPChunk(raw)
}

func wrapHTTPChunk(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+12)
	out = appendHex(out, uint32(len(raw)))
	out = append(out, '\r', '\n')
	out = append(out, raw...)
	out = append(out, '\r', '\n')
	return out
}

// Parser consumes as many whole chunks as are present in a buffer,
// reporting each one and how many bytes it consumed. Partial trailing bytes
// are left for the next call. A malformed buffer fails closed: the parser
// returns an error and the caller must treat the session as fatal.
type Parser struct {
	HTTPChunked bool
}

// NewParser returns a Parser for the given outer framing mode.
func NewParser(httpChunked bool) *Parser {
	return &Parser{HTTPChunked: httpChunked}
}

// Parse consumes as many whole chunks as buf holds and returns them along
// with the number of leading bytes consumed. The caller is expected to drop
// those bytes (e.g. via (*bytes.Buffer).Next) before the next call.
func (p *Parser) Parse(buf []byte) (chunks []Chunk, consumed int, err error) {
	pos := 0
	if !p.HTTPChunked {
		for {
			c, n, perr, needMore := parseOneChunk(buf[pos:])
			if perr != nil {
				return chunks, consumed, perr
			}
			if needMore {
				break
			}
			chunks = append(chunks, c)
			pos += n
			consumed = pos
		}
		return chunks, consumed, nil
	}

	for {
		chunkBytes, next, ok, herr := readHTTPChunk(buf, pos)
		if herr != nil {
			return chunks, consumed, herr
		}
		if !ok {
			break
		}
		c, n, perr, needMore := parseOneChunk(chunkBytes)
		if perr != nil {
			return chunks, consumed, perr
		}
		if needMore || n != len(chunkBytes) {
			return chunks, consumed, fmt.Errorf("frame: HTTP-chunked frame of %d bytes did not contain exactly one chunk", len(chunkBytes))
		}
		chunks = append(chunks, c)
		pos = next
		consumed = pos
	}
	return chunks, consumed, nil
}

// readHTTPChunk reads one hex(len)\r\n<payload>\r\n frame starting at pos.
// ok is false when buf does not yet hold a complete frame.
func readHTTPChunk(buf []byte, pos int) (payload []byte, next int, ok bool, err error) {
	rest := buf[pos:]
	idx := bytes.Index(rest, crlf)
	if idx < 0 {
		if len(rest) > 18 {
			return nil, 0, false, fmt.Errorf("frame: HTTP chunk length line exceeds reasonable size")
		}
		return nil, 0, false, nil
	}
	n, perr := strconv.ParseUint(string(rest[:idx]), 16, 32)
	if perr != nil {
		return nil, 0, false, fmt.Errorf("frame: malformed HTTP chunk length %q: %w", rest[:idx], perr)
	}
	payloadStart := idx + 2
	payloadEnd := payloadStart + int(n)
	if len(rest) < payloadEnd+2 {
		return nil, 0, false, nil
	}
	if !bytes.Equal(rest[payloadEnd:payloadEnd+2], crlf) {
		return nil, 0, false, fmt.Errorf("frame: HTTP chunk missing trailing CRLF")
	}
	return rest[payloadStart:payloadEnd], pos + payloadEnd + 2, true, nil
}

var crlf = []byte{'\r', '\n'}

// parseOneChunk parses exactly one chunk from the head of buf. needMore is
// true when buf holds an incomplete chunk (not an error: wait for more
// bytes). n is the number of bytes consumed when err == nil && !needMore.
func parseOneChunk(buf []byte) (c Chunk, n int, err error, needMore bool) {
	if len(buf) < 1 {
		return nil, 0, nil, true
	}
	kind := buf[0]
	if len(buf) < 2 {
		return nil, 0, nil, true
	}
	if buf[1] != ';' {
		return nil, 0, fmt.Errorf("frame: malformed chunk: expected ';' after type byte %q", kind), false
	}
	pos := 2

	switch kind {
	case 'A', 'a':
		tok, next, ok := readField(buf, pos)
		if !ok {
			return nil, 0, nil, true
		}
		ackID, perr := parseHex32(tok)
		if perr != nil {
			return nil, 0, fmt.Errorf("frame: malformed ack chunk: %w", perr), false
		}
		return &Ack{AckID: ackID}, next, nil, false

	case 'M', 'm':
		return parseMessage(buf, pos)

	case 'D', 'd':
		return parseData(buf, pos)

	default:
		return nil, 0, fmt.Errorf("frame: unknown chunk type byte %q", kind), false
	}
}

func parseMessage(buf []byte, pos int) (Chunk, int, error, bool) {
	chunkIDTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	chunkID, err := parseHex32(chunkIDTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed message chunk id: %w", err), false
	}

	ackTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	ackID, err := parseOptHex32(ackTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed message ack id: %w", err), false
	}

	hdrLenTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	hdrLen, err := parseHex32(hdrLenTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed message header length: %w", err), false
	}
	hdr, pos, ok, err := readBlob(buf, pos, int(hdrLen))
	if err != nil {
		return nil, 0, err, false
	}
	if !ok {
		return nil, 0, nil, true
	}

	bodyLenTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	bodyLen, err := parseHex32(bodyLenTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed message body length: %w", err), false
	}
	body, pos, ok, err := readBlob(buf, pos, int(bodyLen))
	if err != nil {
		return nil, 0, err, false
	}
	if !ok {
		return nil, 0, nil, true
	}

	messageType, err := headerMessageType(hdr)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed message header: %w", err), false
	}

	return &Message{ChunkID: chunkID, AckID: ackID, MessageType: messageType, Body: body}, pos, nil, false
}

func parseData(buf []byte, pos int) (Chunk, int, error, bool) {
	chunkIDTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	chunkID, err := parseHex32(chunkIDTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed data chunk id: %w", err), false
	}

	ackTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	ackID, err := parseOptHex32(ackTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed data ack id: %w", err), false
	}

	chanTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	channelID, err := parseHex32(chanTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed data channel id: %w", err), false
	}

	payloadLenTok, pos, ok := readField(buf, pos)
	if !ok {
		return nil, 0, nil, true
	}
	payloadLen, err := parseHex32(payloadLenTok)
	if err != nil {
		return nil, 0, fmt.Errorf("frame: malformed data payload length: %w", err), false
	}
	payload, pos, ok, err := readBlob(buf, pos, int(payloadLen))
	if err != nil {
		return nil, 0, err, false
	}
	if !ok {
		return nil, 0, nil, true
	}

	return &Data{ChunkID: chunkID, AckID: ackID, ChannelID: channelID, Payload: payload}, pos, nil, false
}

func headerMessageType(hdr []byte) (string, error) {
	r, err := kvmsg.Parse(hdr)
	if err != nil {
		return "", err
	}
	return r.String(headerKey)
}

// readField returns the bytes up to (excluding) the next ';' starting at
// pos, and the position just past that ';'. ok is false if no ';' is found
// yet (need more data).
func readField(buf []byte, pos int) (tok []byte, next int, ok bool) {
	idx := bytes.IndexByte(buf[pos:], ';')
	if idx < 0 {
		return nil, pos, false
	}
	return buf[pos : pos+idx], pos + idx + 1, true
}

// readBlob reads exactly n bytes starting at pos and the ';' delimiter that
// must immediately follow. ok is false if buf doesn't hold n+1 bytes yet.
func readBlob(buf []byte, pos, n int) (blob []byte, next int, ok bool, err error) {
	if n < 0 {
		return nil, 0, false, fmt.Errorf("impossible negative length %d", n)
	}
	if len(buf) < pos+n+1 {
		return nil, pos, false, nil
	}
	if buf[pos+n] != ';' {
		return nil, 0, false, fmt.Errorf("missing ';' delimiter after %d-byte field", n)
	}
	return buf[pos : pos+n], pos + n + 1, true, nil
}

func appendHex(dst []byte, v uint32) []byte {
	return append(dst, fmt.Sprintf("%X", v)...)
}

func appendOptHex(dst []byte, v uint32) []byte {
	if v == 0 {
		return dst
	}
	return appendHex(dst, v)
}

func parseHex32(tok []byte) (uint32, error) {
	if len(tok) == 0 {
		return 0, fmt.Errorf("empty hex field")
	}
	n, err := strconv.ParseUint(string(tok), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed hex field %q: %w", tok, err)
	}
	return uint32(n), nil
}

func parseOptHex32(tok []byte) (uint32, error) {
	if len(tok) == 0 {
		return 0, nil
	}
	return parseHex32(tok)
}
