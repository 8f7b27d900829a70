package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessage_Open(t *testing.T) {
	input := []byte(`{"type":"open","counterpart_id":"company-tours","counterpart_name":"Andes Tours"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeOpen {
		t.Fatalf("expected type %q, got %q", TypeOpen, msgType)
	}

	om, ok := msg.(OpenMsg)
	if !ok {
		t.Fatalf("expected OpenMsg, got %T", msg)
	}
	if om.CounterpartID != "company-tours" {
		t.Errorf("expected counterpart_id %q, got %q", "company-tours", om.CounterpartID)
	}
	if om.CounterpartName != "Andes Tours" {
		t.Errorf("expected counterpart_name %q, got %q", "Andes Tours", om.CounterpartName)
	}
}

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","ref":"c-1","text":"¿Hay cupo el sábado?"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.Ref != "c-1" {
		t.Errorf("expected ref %q, got %q", "c-1", sm.Ref)
	}
	if sm.Text != "¿Hay cupo el sábado?" {
		t.Errorf("expected text %q, got %q", "¿Hay cupo el sábado?", sm.Text)
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	input := []byte(`{"type":"send","text":42}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected a decode error, got nil")
	}
	if msgType != TypeSend {
		t.Errorf("expected returned type %q, got %q", TypeSend, msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

func TestNewServerMessage_Message(t *testing.T) {
	payload := ServerMessageMsg{
		Message: MessagePayload{
			ID:             "m-1",
			ConversationID: "conv-1",
			SenderID:       "company-tours",
			ReceiverID:     "client-ana",
			Text:           "Sí, quedan 3 cupos",
			CreatedAt:      1760400000123,
			Status:         "delivered",
		},
	}

	data, err := NewServerMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessage {
		t.Errorf("expected type %q, got %v", TypeMessage, result["type"])
	}

	msg, ok := result["message"].(map[string]any)
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if msg["id"] != "m-1" {
		t.Errorf("expected id %q, got %v", "m-1", msg["id"])
	}
	if msg["status"] != "delivered" {
		t.Errorf("expected status %q, got %v", "delivered", msg["status"])
	}

	var decoded ServerMessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal into struct: %v", err)
	}
	if decoded.Message.CreatedAt != 1760400000123 {
		t.Errorf("expected created_at to survive encoding, got %d", decoded.Message.CreatedAt)
	}
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Type: "bogus", Code: CodeNotOpen, Message: "no open conversation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ErrorMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("expected type %q, got %q", TypeError, decoded.Type)
	}
	if decoded.Code != CodeNotOpen {
		t.Errorf("expected code %q, got %q", CodeNotOpen, decoded.Code)
	}
}

func TestNewServerMessage_PresenceOmitsZeroLastSeen(t *testing.T) {
	data, err := NewServerMessage(TypePresence, PresenceMsg{Status: "online", Online: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if _, ok := result["last_seen"]; ok {
		t.Errorf("expected last_seen to be omitted, got %v", result["last_seen"])
	}
	if result["online"] != true {
		t.Errorf("expected online true, got %v", result["online"])
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestParseClientMessage_BadPayloadIsNotUnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"send","text":42}`))
	if err == nil {
		t.Fatal("expected a decode error, got nil")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Errorf("decode error must not match ErrUnknownType: %v", err)
	}
}

func TestParseClientMessage_ServerTypeRejected(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"opened"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType for a server-only type, got %v", err)
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"text":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"open", `{"type":"open","counterpart_id":"u2"}`, TypeOpen},
		{"send", `{"type":"send","text":"hola"}`, TypeSend},
		{"mark_read", `{"type":"mark_read"}`, TypeMarkRead},
		{"background", `{"type":"background"}`, TypeBackground},
		{"foreground", `{"type":"foreground"}`, TypeForeground},
		{"close", `{"type":"close"}`, TypeClose},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
