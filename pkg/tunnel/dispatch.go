package tunnel

import (
	"context"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/rdpproxy/pkg/frame"
)

// HandlerFunc handles one inbound MESSAGE chunk. It returns true if it
// claimed the message, stopping the dispatch chain (§4.4).
type HandlerFunc func(ctx context.Context, s *Session, msg *frame.Message) bool

type handlerEntry struct {
	messageType string
	fn          HandlerFunc
}

// dispatcher holds an ordered list of (messageType, handler) registrations,
// matched case-insensitively, first-handled-wins. It has no state of its
// own beyond that list, mirroring the teacher's Pool.handlers map but kept
// as an ordered slice since §4.4 requires registration order to matter
// (multiple handlers may claim the same messageType).
type dispatcher struct {
	handlers []handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{}
}

// Register adds fn to the end of the chain for messageType.
func (d *dispatcher) Register(messageType string, fn HandlerFunc) {
	d.handlers = append(d.handlers, handlerEntry{messageType: messageType, fn: fn})
}

// Dispatch routes msg to the first matching handler that claims it. An
// unclaimed message is logged and dropped, never an error: §6 lists several
// reserved message names the core must accept, log, and drop when no
// handler is registered.
func (d *dispatcher) Dispatch(ctx context.Context, s *Session, msg *frame.Message) {
	for _, h := range d.handlers {
		if !strings.EqualFold(h.messageType, msg.MessageType) {
			continue
		}
		if h.fn(ctx, s, msg) {
			return
		}
	}
	dlog.Debugf(ctx, "tunnel: dropped unhandled message %q", msg.MessageType)
}
