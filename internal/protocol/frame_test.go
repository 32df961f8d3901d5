package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"token":"abc"}`)

	if err := WriteFrame(&buf, FrameTypeAuth, body); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if buf.Len() != FrameHeaderSize+len(body) {
		t.Errorf("Expected %d bytes, got %d", FrameHeaderSize+len(body), buf.Len())
	}

	frameType, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frameType != FrameTypeAuth {
		t.Errorf("Expected frame type %d, got %d", FrameTypeAuth, frameType)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Expected body %s, got %s", body, got)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	// 帧头不完整
	if _, _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
	}

	// 超过最大长度
	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(header[:4], MaxFrameSize+1)
	header[4] = FrameTypeSignal
	if _, _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}

	// 消息体被截断
	binary.BigEndian.PutUint32(header[:4], 10)
	data := append(header, []byte("short")...)
	if _, _, err := ReadFrame(bytes.NewReader(data)); err == nil {
		t.Error("Expected error for truncated body")
	}
}

func TestWriteFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameTypeEvent, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing written, got %d bytes", buf.Len())
	}
}

func TestEncodeEvent_PayloadVerbatim(t *testing.T) {
	payload := map[string]any{"type": "new_message", "listingId": float64(42)}

	data, err := EncodeEvent(EventNotification, payload)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Event != EventNotification {
		t.Errorf("Expected event %s, got %s", EventNotification, env.Event)
	}

	var got map[string]any
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if len(got) != 2 || got["type"] != "new_message" || got["listingId"] != float64(42) {
		t.Errorf("Expected payload %v, got %v", payload, got)
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	tests := []string{
		``,
		`not json`,
		`{"data":{}}`,
		`{"event":""}`,
	}
	for _, raw := range tests {
		if _, err := DecodeEnvelope([]byte(raw)); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}

func TestDecodeConversationSignal(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"conversation:enter","data":{"counterpartId":"u2","conversationId":"c9"}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}

	var sig ConversationSignal
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		t.Fatalf("Failed to decode signal: %v", err)
	}
	if sig.CounterpartID != "u2" || sig.ConversationID != "c9" {
		t.Errorf("Unexpected signal %+v", sig)
	}
}
