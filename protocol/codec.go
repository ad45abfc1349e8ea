package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes messages as a JSON array, the form every transport puts
// on the wire.
func Encode(msgs []*Message) ([]byte, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: empty message array", ErrInvalidMessage)
	}
	return json.Marshal(msgs)
}

// Decode parses a wire payload holding either a JSON array of messages or a
// single message object.
func Decode(data []byte) ([]*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if trimmed[0] == '{' {
		var m Message
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return []*Message{&m}, nil
	}
	var msgs []*Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func IDs(msgs []*Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
