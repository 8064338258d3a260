package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid join", `{"type":"joinRoom","roomId":"R1","payload":{"name":"bob"}}`, nil},
		{"valid leave without payload", `{"type":"leaveRoom","roomId":"R1"}`, nil},
		{"empty", ``, ErrEmptyMessage},
		{"unknown type", `{"type":"hack","roomId":"R1"}`, ErrUnknownType},
		{"outbound type", `{"type":"membersUpdated","roomId":"R1"}`, ErrUnknownType},
		{"missing room", `{"type":"joinRoom"}`, ErrMissingRoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("Expected an error for invalid JSON")
	}
}

func TestDocumentUpdateRoundTrip(t *testing.T) {
	update := []byte{0xa1, 0x01, 0x80, 0xff}
	data, err := Encode(DocumentUpdate, "R1", "", DocumentUpdatePayload{Update: update, From: "bob"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	env, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	var p DocumentUpdatePayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(p.Update) != string(update) || p.From != "bob" {
		t.Errorf("Unexpected payload %+v", p)
	}

	// Binary travels as base64.
	var raw map[string]any
	json.Unmarshal(env.Payload, &raw)
	if _, ok := raw["update"].(string); !ok {
		t.Errorf("Expected update to be a base64 string, got %T", raw["update"])
	}
}

func TestDecodeWithoutPayload(t *testing.T) {
	env := Envelope{Type: LeaveRoom, RoomID: "R1"}
	p := TogglePayload{Enabled: true}
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !p.Enabled {
		t.Error("Absent payload should leave the target untouched")
	}

	env.Payload = json.RawMessage(`"oops"`)
	if err := env.Decode(&p); err == nil {
		t.Error("Expected an error for a mistyped payload")
	}
}
