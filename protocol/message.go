package protocol

import (
	"encoding/json"
	"strconv"
)

const Version = "1.0"

// Message is one Bayeux message. Fields the protocol does not name travel in
// Extra; inbound unknown fields are kept there as json.RawMessage.
type Message struct {
	Channel                  string          `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Timestamp                string          `json:"timestamp,omitempty"`

	Extra map[string]any `json:"-"`

	// Failure is set on locally synthesized failure messages.
	Failure *Failure `json:"-"`
	// Reestablish is set on successful handshake replies after the first one.
	Reestablish bool `json:"-"`
}

type messageAlias Message

var knownFields = map[string]bool{
	"channel":                  true,
	"id":                       true,
	"clientId":                 true,
	"data":                     true,
	"successful":               true,
	"advice":                   true,
	"ext":                      true,
	"subscription":             true,
	"error":                    true,
	"version":                  true,
	"minimumVersion":           true,
	"supportedConnectionTypes": true,
	"connectionType":           true,
	"timestamp":                true,
}

func (m Message) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(messageAlias(m))
	if err != nil || len(m.Extra) == 0 {
		return raw, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if knownFields[k] {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = b
	}
	return json.Marshal(fields)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var a messageAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*m = Message(a)
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return nil
}

func (m *Message) IsSuccessful() bool {
	return m.Successful != nil && *m.Successful
}

func (m *Message) SetSuccessful(ok bool) {
	m.Successful = &ok
}

func (m *Message) HasData() bool {
	return len(m.Data) > 0
}

// IsReply reports whether m answers a request: meta messages and messages
// carrying "successful" are replies, everything else is a delivery. A remote
// call reply is both a reply and carries data.
func (m *Message) IsReply() bool {
	return IsMeta(m.Channel) || m.Successful != nil
}

// ExtraInt reads an integer from Extra whether it was set locally or decoded
// from the wire.
func (m *Message) ExtraInt(key string) (int, bool) {
	v, ok := m.Extra[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.RawMessage:
		i, err := strconv.Atoi(string(n))
		return i, err == nil
	}
	return 0, false
}

// Clone copies m deeply enough that extensions can mutate the result without
// touching the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Data != nil {
		out.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Successful != nil {
		ok := *m.Successful
		out.Successful = &ok
	}
	if m.Advice != nil {
		adv := Advice{}.Merge(m.Advice)
		out.Advice = &adv
	}
	if m.Ext != nil {
		out.Ext = make(map[string]any, len(m.Ext))
		for k, v := range m.Ext {
			out.Ext[k] = v
		}
	}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	if m.SupportedConnectionTypes != nil {
		out.SupportedConnectionTypes = append([]string(nil), m.SupportedConnectionTypes...)
	}
	return &out
}

// Kind classifies a message once so dispatch does not re-test channel
// prefixes.
type Kind int

const (
	KindData Kind = iota
	KindPublishReply
	KindHandshake
	KindConnect
	KindDisconnect
	KindSubscribe
	KindUnsubscribe
	KindMeta
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPublishReply:
		return "publish-reply"
	case KindHandshake:
		return "handshake"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	default:
		return "meta"
	}
}

func (m *Message) Kind() Kind {
	switch m.Channel {
	case MetaHandshake:
		return KindHandshake
	case MetaConnect:
		return KindConnect
	case MetaDisconnect:
		return KindDisconnect
	case MetaSubscribe:
		return KindSubscribe
	case MetaUnsubscribe:
		return KindUnsubscribe
	}
	if IsMeta(m.Channel) {
		return KindMeta
	}
	if m.HasData() {
		return KindData
	}
	return KindPublishReply
}
