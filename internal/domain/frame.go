package domain

import (
	"time"

	"github.com/google/uuid"
)

// FrameType distinguishes text and binary WebSocket frames.
type FrameType int

const (
	TextFrame FrameType = iota + 1
	BinaryFrame
)

func (t FrameType) String() string {
	switch t {
	case TextFrame:
		return "text"
	case BinaryFrame:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one discrete WebSocket message as delivered by the transport.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// TextMessage builds a text frame from a string.
func TextMessage(s string) Frame {
	return Frame{Type: TextFrame, Payload: []byte(s)}
}

// Message is a received frame together with who sent it. It is never persisted.
type Message struct {
	Sender     uuid.UUID
	Origin     string // relay instance that read the frame from its client
	Frame      Frame
	ReceivedAt time.Time
}
