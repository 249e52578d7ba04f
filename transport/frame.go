package transport

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a WebSocket relay frame.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSend        FrameType = "send"
	FrameMessage     FrameType = "message"
	FrameError       FrameType = "error"
)

// Frame is the JSON envelope exchanged between WebSocketChannel and the relay.
type Frame struct {
	Type    FrameType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EncodeFrame marshals a frame. Payloads must be valid JSON.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > 0 && !json.Valid(f.Payload) {
		return nil, fmt.Errorf("frame payload for %s is not valid JSON", f.Topic)
	}
	return json.Marshal(f)
}

// DecodeFrame unmarshals and validates a frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe, FrameSend, FrameMessage:
		if f.Topic == "" {
			return Frame{}, fmt.Errorf("%s frame without topic", f.Type)
		}
	case FrameError:
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}
