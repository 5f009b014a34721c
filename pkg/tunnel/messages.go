package tunnel

import (
	"context"

	"github.com/datawire/rdpproxy/pkg/frame"
)

// enqueueMessageLocked queues a MESSAGE chunk for messageType/body. Callers
// hold s.mu.
func (s *Session) enqueueMessageLocked(messageType string, body []byte) {
	s.enqueueLocked(&frame.Message{MessageType: messageType, Body: body})
}

// enqueueMessage is the unlocked convenience form used by handlers that
// have already released s.mu (e.g. after a blocking net.Listen call).
func (s *Session) enqueueMessage(ctx context.Context, messageType string, body []byte) {
	s.mu.Lock()
	s.enqueueMessageLocked(messageType, body)
	s.mu.Unlock()
	s.firePending(ctx)
}
