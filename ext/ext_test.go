package ext

import (
	"testing"
	"time"

	"github.com/kleeedolinux/cometd.go/protocol"
)

func reply(channel string, ok bool, ext map[string]any) *protocol.Message {
	m := &protocol.Message{Channel: channel, Ext: ext}
	m.SetSuccessful(ok)
	return m
}

func TestAckHandshakeAdvertises(t *testing.T) {
	a := NewAck()
	m := a.Outgoing(&protocol.Message{Channel: protocol.MetaHandshake})
	if m.Ext["ack"] != true {
		t.Fatalf("handshake ext = %v", m.Ext)
	}

	a.SetEnabled(false)
	m = a.Outgoing(&protocol.Message{Channel: protocol.MetaHandshake})
	if m.Ext["ack"] != false {
		t.Fatalf("disabled handshake ext = %v", m.Ext)
	}
}

func TestAckTracksBatch(t *testing.T) {
	a := NewAck()
	a.Outgoing(&protocol.Message{Channel: protocol.MetaHandshake})

	connect := a.Outgoing(&protocol.Message{Channel: protocol.MetaConnect})
	if _, ok := connect.Ext["ack"]; ok {
		t.Fatal("ack sent before the server agreed")
	}

	a.Incoming(reply(protocol.MetaHandshake, true, map[string]any{"ack": true}))
	if !a.ServerSupportsAcks() {
		t.Fatal("server support not recorded")
	}

	connect = a.Outgoing(&protocol.Message{Channel: protocol.MetaConnect})
	if connect.Ext["ack"] != int64(-1) {
		t.Fatalf("first connect ack = %v, want -1", connect.Ext["ack"])
	}

	// Decoded JSON numbers arrive as float64.
	a.Incoming(reply(protocol.MetaConnect, true, map[string]any{"ack": float64(7)}))
	connect = a.Outgoing(&protocol.Message{Channel: protocol.MetaConnect})
	if connect.Ext["ack"] != int64(7) {
		t.Fatalf("connect ack = %v, want 7", connect.Ext["ack"])
	}

	a.Incoming(reply(protocol.MetaConnect, false, map[string]any{"ack": float64(9)}))
	if a.Batch() != 7 {
		t.Fatalf("unsuccessful connect changed batch to %d", a.Batch())
	}
}

func TestAckObjectForm(t *testing.T) {
	a := NewAck()
	a.Incoming(reply(protocol.MetaHandshake, true, map[string]any{"ack": map[string]any{"enabled": true}}))
	if !a.ServerSupportsAcks() {
		t.Fatal("object form not understood")
	}
	a.Outgoing(&protocol.Message{Channel: protocol.MetaHandshake})
	if a.ServerSupportsAcks() {
		t.Fatal("new handshake should forget server support")
	}
}

func TestTimestamp(t *testing.T) {
	fixed := time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)
	ts := Timestamp{Now: func() time.Time { return fixed }}
	m := ts.Outgoing(&protocol.Message{Channel: "/a"})
	if m.Timestamp != "Tue, 05 Mar 2024 14:30:00 GMT" {
		t.Fatalf("timestamp = %q", m.Timestamp)
	}
}
