package protocol

import (
	"strings"
	"testing"
)

func TestDecodeValidFrame(t *testing.T) {
	frame := []byte(`{"id":"m1","type":"request","action":"edit","data":{"k":"v"},"timestamp":42,"session_id":"s1"}`)
	m, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.ID != "m1" || m.Kind != KindRequest || m.Action != "edit" {
		t.Fatalf("decoded envelope = %+v", m)
	}
	if m.Timestamp != 42 || m.SessionID != "s1" {
		t.Fatalf("decoded envelope = %+v", m)
	}
	if m.Data["k"] != "v" {
		t.Fatalf("data = %v", m.Data)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"m1","type":"telegram","action":"x"}`)); err == nil {
		t.Fatal("unknown type accepted")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("malformed frame accepted")
	}
}

func TestDecodeBackfillsIDAndTimestamp(t *testing.T) {
	m, err := Decode([]byte(`{"type":"notification","action":"x"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.ID == "" {
		t.Fatal("id not backfilled")
	}
	if m.Timestamp == 0 {
		t.Fatal("timestamp not backfilled")
	}
}

func TestResponseCorrelation(t *testing.T) {
	req := New(KindRequest, "edit", nil)
	req.SessionID = "s1"
	resp := req.Response(map[string]any{"ok": true})
	if resp.ID != "resp-"+req.ID {
		t.Fatalf("response id = %q", resp.ID)
	}
	if resp.Action != "edit_response" {
		t.Fatalf("response action = %q", resp.Action)
	}
	if resp.Kind != KindResponse || resp.SessionID != "s1" {
		t.Fatalf("response envelope = %+v", resp)
	}
}

func TestErrorReply(t *testing.T) {
	req := New(KindRequest, "edit", nil)
	er := req.Error("nope")
	if er.Kind != KindError || !strings.HasPrefix(er.ID, "resp-") {
		t.Fatalf("error envelope = %+v", er)
	}
	if er.Data["message"] != "nope" {
		t.Fatalf("error data = %v", er.Data)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m := New(KindHeartbeat, "ping", nil)
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != m.ID || got.Kind != m.Kind {
		t.Fatalf("round trip = %+v, want %+v", got, m)
	}
}
