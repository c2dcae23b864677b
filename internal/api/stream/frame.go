package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gosuda/parley/internal/domain"
)

type FrameType string

const (
	FrameChatMessage FrameType = "chat_message"
	FrameToolEvent   FrameType = "tool_event"
	FrameStatus      FrameType = "status"
	FrameHeartbeat   FrameType = "heartbeat"
	FrameEnd         FrameType = "end"
)

// Frame is the wire unit pushed to stream clients. Log-backed frames carry
// the entry's seq; control frames (status, heartbeat, end) carry seq zero.
type Frame struct {
	Type      FrameType            `json:"type"`
	Seq       uint64               `json:"seq,omitempty"`
	Message   *domain.Message      `json:"message,omitempty"`
	ToolEvent *domain.ToolEvent    `json:"tool_event,omitempty"`
	Status    domain.SessionStatus `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// EntryFrame converts a log entry into its wire frame.
func EntryFrame(entry *domain.LogEntry) Frame {
	f := Frame{
		Seq:       entry.Seq,
		Timestamp: entry.CreatedAt,
	}

	switch entry.Kind {
	case domain.EntryToolEvent:
		f.Type = FrameToolEvent
		f.ToolEvent = entry.ToolEvent
	default:
		f.Type = FrameChatMessage
		f.Message = entry.Message
	}

	return f
}

// StatusFrame announces a session status transition.
func StatusFrame(status domain.SessionStatus, errDetail string) Frame {
	return Frame{
		Type:      FrameStatus,
		Status:    status,
		Error:     errDetail,
		Timestamp: time.Now(),
	}
}

// EndFrame is the terminal sentinel; the gateway closes the stream after it.
func EndFrame() Frame {
	return Frame{
		Type:      FrameEnd,
		Timestamp: time.Now(),
	}
}

// HeartbeatFrame is the idle keep-alive frame.
func HeartbeatFrame() Frame {
	return Frame{
		Type:      FrameHeartbeat,
		Timestamp: time.Now(),
	}
}

// Encode marshals the frame for bus transport.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("stream.Frame.Encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals a frame from its bus payload.
func Decode(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("stream.Decode: %w", err)
	}
	return f, nil
}
