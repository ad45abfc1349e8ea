package transport

import (
	"fmt"

	"github.com/kleeedolinux/cometd.go/protocol"
)

// sizeFunc reports the wire length a prefix of messages would occupy.
type sizeFunc func([]*protocol.Message) (int, error)

// largestPrefix bisects msgs for the longest prefix whose size fits limit.
// A zero result means the first message alone is too large; the returned
// length is then that message's size. A limit <= 0 disables the check.
func largestPrefix(msgs []*protocol.Message, limit int, size sizeFunc) (int, int, error) {
	total, err := size(msgs)
	if err != nil {
		return 0, 0, err
	}
	if limit <= 0 || total <= limit {
		return len(msgs), total, nil
	}
	lo, hi := 0, len(msgs)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		l, err := size(msgs[:mid])
		if err != nil {
			return 0, 0, err
		}
		if l <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		first, err := size(msgs[:1])
		if err != nil {
			return 0, 0, err
		}
		return 0, first, nil
	}
	return lo, 0, nil
}

func encodedSize(msgs []*protocol.Message) (int, error) {
	b, err := protocol.Encode(msgs)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func tooBig(typ string, length, limit int) *protocol.Failure {
	return &protocol.Failure{
		Reason:    fmt.Sprintf("Bayeux message too big (%d bytes, max is %d) for transport %s", length, limit, typ),
		Exception: protocol.ErrMessageTooLarge,
		Fatal:     true,
	}
}
