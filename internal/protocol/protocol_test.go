package protocol

import (
	"strings"
	"testing"
)

func TestKnown(t *testing.T) {
	for _, e := range []Event{EventJoinRoom, EventSubmitAnswer, EventPong, EventSyncResponse, EventError} {
		if !Known(e) {
			t.Fatalf("expected %q to be a catalog event", e)
		}
	}
	if Known(Event("teleport")) {
		t.Fatalf("unexpected catalog hit for made-up event")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventPing, Ping{Timestamp: 1712000000123})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.Type != EventPing {
		t.Fatalf("expected type %q, got %q", EventPing, env.Type)
	}

	var ping Ping
	if err := env.Decode(&ping); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ping.Timestamp != 1712000000123 {
		t.Fatalf("expected timestamp to survive, got %d", ping.Timestamp)
	}
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventRefreshParticipants, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Fatalf("expected empty payload, got %s", env.Payload)
	}

	var req RefreshParticipants
	if err := env.Decode(&req); err == nil {
		t.Fatalf("expected decode of empty payload to fail")
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	env := Envelope{Type: EventJoinRoom, Payload: []byte(`{"accessCode": 42}`)}
	var join JoinRoom
	err := env.Decode(&join)
	if err == nil {
		t.Fatalf("expected type mismatch to fail")
	}
	if !strings.Contains(err.Error(), string(EventJoinRoom)) {
		t.Fatalf("expected error to name the event, got %v", err)
	}
}

func TestAnswerSubmittedOptionalFields(t *testing.T) {
	env := Envelope{Type: EventAnswerSubmitted, Payload: []byte(`{"success":false,"error":"already submitted"}`)}
	var ack AnswerSubmitted
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Success {
		t.Fatalf("expected rejected ack")
	}
	if ack.Score != nil || ack.AutoAdvance != nil {
		t.Fatalf("expected omitted fields to stay nil")
	}
	if ack.Error != "already submitted" {
		t.Fatalf("unexpected error text %q", ack.Error)
	}
}
