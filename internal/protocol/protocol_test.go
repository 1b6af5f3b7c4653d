package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	encoded := Encode(Input, []byte("hello\n"))
	frame, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if frame.Type != Input {
		t.Errorf("expected type %q, got %q", Input, frame.Type)
	}
	if !bytes.Equal(frame.Payload, []byte("hello\n")) {
		t.Errorf("expected payload %q, got %q", "hello\n", frame.Payload)
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	encoded := Encode(Output, nil)
	if len(encoded) != 1 {
		t.Fatalf("expected 1 byte for empty payload, got %d", len(encoded))
	}
	frame, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if frame.Type != Output || len(frame.Payload) != 0 {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	if _, err := Decode(nil); err != ErrEmptyFrame {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestDecodeJSONDataKeepsBrace(t *testing.T) {
	raw := []byte(`{"AuthToken":"s3cret"}`)
	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if frame.Type != JSONData {
		t.Errorf("expected JSONData type, got %q", frame.Type)
	}
	if !bytes.Equal(frame.Payload, raw) {
		t.Errorf("JSONData payload must be the whole frame, got %q", frame.Payload)
	}
}

func TestParseWindowSize(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    WindowSize
		wantErr bool
	}{
		{"valid", `{"columns":132,"rows":40}`, WindowSize{Columns: 132, Rows: 40}, false},
		{"extra fields ignored", `{"columns":80,"rows":24,"x":1}`, WindowSize{Columns: 80, Rows: 24}, false},
		{"missing columns", `{"rows":40}`, WindowSize{}, true},
		{"missing rows", `{"columns":132}`, WindowSize{}, true},
		{"not json", `132x40`, WindowSize{}, true},
		{"empty", ``, WindowSize{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindowSize([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseAuthToken(t *testing.T) {
	token, err := ParseAuthToken([]byte(`{"AuthToken":"s3cret"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "s3cret" {
		t.Errorf("got %q, want %q", token, "s3cret")
	}

	token, err = ParseAuthToken([]byte(`{}`))
	if err != nil {
		t.Fatalf("empty object should parse: %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token, got %q", token)
	}

	if _, err := ParseAuthToken([]byte(`{broken`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestAuthMessageIsJSONDataFrame(t *testing.T) {
	msg := AuthMessage("tok")
	frame, err := Decode(msg)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if frame.Type != JSONData {
		t.Fatalf("expected JSONData frame, got %q", frame.Type)
	}
	token, err := ParseAuthToken(frame.Payload)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if token != "tok" {
		t.Errorf("got %q, want %q", token, "tok")
	}
}

func TestResizeMessageRoundTrip(t *testing.T) {
	msg := ResizeMessage(132, 40)
	frame, err := Decode(msg)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if frame.Type != ResizeTerminal {
		t.Fatalf("expected ResizeTerminal frame, got %q", frame.Type)
	}
	size, err := ParseWindowSize(frame.Payload)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if size.Columns != 132 || size.Rows != 40 {
		t.Errorf("got %+v", size)
	}
}
