package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMessageExtraRoundTrip(t *testing.T) {
	m := &Message{
		ID:      "1",
		Channel: "/foo",
		Data:    json.RawMessage(`{"x":1}`),
		Extra:   map[string]any{"x-priority": 3, "channel": "/ignored"},
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"x-priority":3`) || strings.Contains(s, "/ignored") {
		t.Fatalf("encoded %s", s)
	}

	var back Message
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Channel != "/foo" || string(back.Data) != `{"x":1}` {
		t.Errorf("decoded %+v", back)
	}
	if n, ok := back.ExtraInt("x-priority"); !ok || n != 3 {
		t.Errorf("x-priority = %d, %v", n, ok)
	}
}

func TestDecode(t *testing.T) {
	msgs, err := Decode([]byte(` [{"channel":"/meta/connect","successful":true,"advice":{"reconnect":"retry","interval":0}}, null] `))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].IsSuccessful() || msgs[0].Advice.Reconnect != ReconnectRetry {
		t.Fatalf("decoded %+v", msgs)
	}

	msgs, err = Decode([]byte(`{"channel":"/foo","data":"x"}`))
	if err != nil || len(msgs) != 1 || !msgs[0].HasData() {
		t.Fatalf("single object: %v %+v", err, msgs)
	}

	for _, bad := range []string{"", "  ", "[", `"text"`} {
		if _, err := Decode([]byte(bad)); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Decode(%q) err = %v", bad, err)
		}
	}
	if _, err := Encode(nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Encode(nil) err = %v", err)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		m    Message
		want Kind
	}{
		{Message{Channel: MetaHandshake}, KindHandshake},
		{Message{Channel: MetaConnect}, KindConnect},
		{Message{Channel: MetaDisconnect}, KindDisconnect},
		{Message{Channel: MetaSubscribe}, KindSubscribe},
		{Message{Channel: MetaUnsubscribe}, KindUnsubscribe},
		{Message{Channel: "/meta/other"}, KindMeta},
		{Message{Channel: "/foo", Data: json.RawMessage(`1`)}, KindData},
		{Message{Channel: "/foo"}, KindPublishReply},
	}
	for _, tt := range tests {
		if got := tt.m.Kind(); got != tt.want {
			t.Errorf("%s: kind = %s, want %s", tt.m.Channel, got, tt.want)
		}
	}
}

func TestAdviceMerge(t *testing.T) {
	base := Advice{Reconnect: ReconnectRetry, Timeout: Millis(time.Minute), Interval: Millis(0)}
	merged := base.Merge(&Advice{Interval: Millis(2 * time.Second), Hosts: []string{"h1"}})

	if merged.Reconnect != ReconnectRetry || merged.TimeoutDuration() != time.Minute {
		t.Errorf("merge lost fields: %+v", merged)
	}
	if merged.IntervalDuration() != 2*time.Second || len(merged.Hosts) != 1 {
		t.Errorf("merge = %+v", merged)
	}
	if base.IntervalDuration() != 0 {
		t.Error("merge modified the receiver")
	}
	if base.Merge(nil).TimeoutDuration() != time.Minute {
		t.Error("nil merge")
	}
	neg := int64(-5)
	if (Advice{MaxInterval: &neg}).MaxIntervalDuration() != 0 {
		t.Error("negative interval should read as zero")
	}
}

func TestMessageClone(t *testing.T) {
	m := &Message{Channel: "/foo", Ext: map[string]any{"a": 1}, Data: json.RawMessage(`[1]`)}
	m.SetSuccessful(true)
	c := m.Clone()
	c.Ext["a"] = 2
	c.Data[1] = '2'
	*c.Successful = false
	if m.Ext["a"] != 1 || string(m.Data) != "[1]" || !m.IsSuccessful() {
		t.Errorf("clone shares state with original: %+v", m)
	}
}

func TestFailureError(t *testing.T) {
	f := &Failure{Reason: "Connect failed", HTTPCode: 503, Exception: ErrMessageTooLarge}
	if got := f.Error(); got != "Connect failed (http 503): bayeux message too big" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(f, ErrMessageTooLarge) {
		t.Error("Unwrap")
	}
	c := f.Clone()
	c.Reason = "x"
	if f.Reason != "Connect failed" {
		t.Error("clone shares state")
	}
}

func TestIsReply(t *testing.T) {
	ok := true
	tests := []struct {
		m    Message
		want bool
	}{
		{Message{Channel: MetaConnect}, true},
		{Message{Channel: "/foo", Successful: &ok}, true},
		{Message{Channel: "/service/echo", Successful: &ok, Data: json.RawMessage(`1`)}, true},
		{Message{Channel: "/foo", Data: json.RawMessage(`1`)}, false},
	}
	for i, tt := range tests {
		if got := tt.m.IsReply(); got != tt.want {
			t.Errorf("case %d: IsReply = %v", i, got)
		}
	}
}
