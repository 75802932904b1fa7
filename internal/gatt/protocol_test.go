package gatt

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	type payload struct {
		MAC string `json:"mac"`
	}

	raw, err := EncodeFrame(OpConnectOne, payload{MAC: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Opcode != OpConnectOne {
		t.Fatalf("opcode = %#x, want %#x", frame.Opcode, OpConnectOne)
	}

	var got payload
	if err := json.Unmarshal(frame.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("mac = %q, want aa:bb:cc:dd:ee:ff", got.MAC)
	}
}

func TestEncodeFrameNilPayload(t *testing.T) {
	raw, err := EncodeFrame(OpScanStart, nil)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	want := append([]byte{byte(OpScanStart)}, []byte("{}")...)
	if !bytes.Equal(raw, want) {
		t.Fatalf("raw = %v, want %v", raw, want)
	}
}

func TestDecodeFrameEmptyPayloadDefaultsToEmptyObject(t *testing.T) {
	frame, err := DecodeFrame([]byte{byte(OpScanStop)})
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if string(frame.Payload) != "{}" {
		t.Fatalf("payload = %q, want {}", frame.Payload)
	}
}

func TestDecodeFrameOversizeRejected(t *testing.T) {
	raw := make([]byte, 1+maxPayloadBytes+1)
	raw[0] = byte(OpScanStart)
	_, err := DecodeFrame(raw)
	if !errors.Is(err, ErrOversize) {
		t.Fatalf("err = %v, want ErrOversize", err)
	}
}

func TestDecodeFrameUnknownOpcodeRejected(t *testing.T) {
	_, err := DecodeFrame([]byte{0xAA})
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("err = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecodeFrameMalformedJSONRejected(t *testing.T) {
	raw := append([]byte{byte(OpConnectOne)}, []byte("{not json")...)
	_, err := DecodeFrame(raw)
	if !errors.Is(err, ErrMalformedJSON) {
		t.Fatalf("err = %v, want ErrMalformedJSON", err)
	}
}

func TestDecodeFrameEmptyInputRejected(t *testing.T) {
	_, err := DecodeFrame(nil)
	if !errors.Is(err, ErrMalformedJSON) {
		t.Fatalf("err = %v, want ErrMalformedJSON", err)
	}
}
