package protocol

import "errors"

var (
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrMetaChannel       = errors.New("meta channels are reserved for the protocol")
	ErrUnbalancedBatch   = errors.New("calls to StartBatch and EndBatch are not paired")
	ErrConcurrentConnect = errors.New("concurrent /meta/connect requests not allowed")
	ErrDisconnected      = errors.New("illegal state: disconnected")
	ErrNotDisconnected   = errors.New("illegal state: handshaken")
	ErrNoTransport       = errors.New("could not find a transport")
	ErrNilCallback       = errors.New("callback must not be nil")
	ErrListenerHandle    = errors.New("listeners are removed with RemoveListener")

	// ErrMessageTooLarge is returned when a single message does not fit the
	// transport limits; splitting cannot help.
	ErrMessageTooLarge = errors.New("bayeux message too big")
	ErrInvalidMessage  = errors.New("invalid bayeux message")
)
