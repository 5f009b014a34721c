// Package tunnel implements the Sequence & Ack Engine, Dispatcher, Listener
// Registry, Channel Registry, and top-level Session state machine that
// together multiplex TCP channels over one long-lived byte-stream transport.
package tunnel

import (
	"errors"
	"fmt"
)

// Category classifies an error so callers can decide whether it is
// session-fatal or scoped to a single listener/channel, without string
// matching. Modeled on the teacher's errcat package.
type Category int

const (
	// OK is the zero category; GetCategory returns it for a nil error.
	OK Category = iota
	// Protocol marks a malformed chunk, which always ends the session, or a
	// Connect call made in a state that cannot connect. A malformed message
	// body is not reported with it: the handler reading the body logs it and
	// drops the message, and the session continues.
	Protocol
	// Transport marks a read/write failure on the byte stream.
	Transport
	// Rejected marks a listener or channel refused by the owner or the peer.
	Rejected
	// InvalidReconnect marks a connect() call made as a reconnect with no
	// valid reconnectSecret.
	InvalidReconnect
	// UnknownListener marks an operation naming a portName with no listener.
	UnknownListener
	// UnknownChannel marks an operation naming a channelId with no channel.
	UnknownChannel
)

func (c Category) String() string {
	switch c {
	case OK:
		return "ok"
	case Protocol:
		return "protocol"
	case Transport:
		return "transport"
	case Rejected:
		return "rejected"
	case InvalidReconnect:
		return "invalid-reconnect"
	case UnknownListener:
		return "unknown-listener"
	case UnknownChannel:
		return "unknown-channel"
	default:
		return "unknown"
	}
}

type categorized struct {
	error
	category Category
}

// New wraps untypedErr (an error or a string) in category c.
func (c Category) New(untypedErr interface{}) error {
	var err error
	switch v := untypedErr.(type) {
	case nil:
		return nil
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	return &categorized{error: err, category: c}
}

// Newf formats a new error in category c. '%w' works as usual.
func (c Category) Newf(format string, a ...interface{}) error {
	return &categorized{error: fmt.Errorf(format, a...), category: c}
}

// Unwrap exposes the underlying error to errors.Is/errors.As.
func (ce *categorized) Unwrap() error {
	return ce.error
}

// GetCategory returns the category attached to err, OK for a nil err, and
// Unknown... well, there is no Unknown category here: an uncategorized
// non-nil error reports OK, since every error this package itself produces
// is categorized; the zero value simply means "no category to check."
func GetCategory(err error) Category {
	if err == nil {
		return OK
	}
	for {
		if ce, ok := err.(*categorized); ok {
			return ce.category
		}
		if err = errors.Unwrap(err); err == nil {
			return OK
		}
	}
}
