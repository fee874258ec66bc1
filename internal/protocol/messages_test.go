package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientFrameMessage(t *testing.T) {
	raw := []byte(`{"type":"message","text":"move the launch task to Friday"}`)
	msg, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("ParseClientFrame() error = %v", err)
	}

	m, ok := msg.(ClientMessage)
	if !ok {
		t.Fatalf("frame type = %T, want ClientMessage", msg)
	}
	if m.Text != "move the launch task to Friday" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestParseClientFrameRejectsEmptyText(t *testing.T) {
	if _, err := ParseClientFrame([]byte(`{"type":"message","text":""}`)); err == nil {
		t.Fatalf("ParseClientFrame() should reject empty text")
	}
}

func TestParseClientFrameClose(t *testing.T) {
	msg, err := ParseClientFrame([]byte(`{"type":"close"}`))
	if err != nil {
		t.Fatalf("ParseClientFrame() error = %v", err)
	}
	if _, ok := msg.(ClientClose); !ok {
		t.Fatalf("frame type = %T, want ClientClose", msg)
	}
}

func TestParseClientFrameRejectsUnknownType(t *testing.T) {
	_, err := ParseClientFrame([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientFrameRejectsGarbage(t *testing.T) {
	if _, err := ParseClientFrame([]byte(`{`)); err == nil {
		t.Fatalf("ParseClientFrame() should reject malformed JSON")
	}
}

func TestOutboundFramesSerializeWithType(t *testing.T) {
	cases := []struct {
		frame Frame
		want  FrameType
	}{
		{NewPartial("hello", "concierge"), TypePartial},
		{NewTurnComplete("t1"), TypeTurnComplete},
		{NewAgentChanged("scheduler", "user asked to schedule"), TypeAgentChanged},
		{NewError("engine_error", "stream failed"), TypeError},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(tc.frame)
		if err != nil {
			t.Fatalf("Marshal(%v) error = %v", tc.want, err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Unmarshal envelope error = %v", err)
		}
		if env.Type != tc.want {
			t.Fatalf("type = %q, want %q", env.Type, tc.want)
		}
	}
}
