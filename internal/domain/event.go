package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat message within a session. IDs are unique per
// session so clients can deduplicate across reconnects.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ToolPhase string

const (
	PhaseThinking       ToolPhase = "thinking"
	PhaseToolInvocation ToolPhase = "tool_invocation"
	PhaseResult         ToolPhase = "result"
	PhaseCompleted      ToolPhase = "completed"
)

// Artifact references an object stored out of band (e.g. a screenshot).
// The streaming core never dereferences StoragePath.
type Artifact struct {
	StoragePath string `json:"storage_path"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// ToolEvent records one phase of an agent tool invocation. Events sharing an
// AgentEventID form the phase sequence of one logical tool call; PhaseCompleted
// is terminal for that id.
type ToolEvent struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	AgentEventID string          `json:"agent_event_id"`
	Phase        ToolPhase       `json:"phase"`
	Tool         string          `json:"tool"`
	Title        string          `json:"title,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Artifacts    []Artifact      `json:"artifacts,omitempty"`
}

// BrowsePayload is the structured payload emitted by the browse tool.
type BrowsePayload struct {
	URL            string `json:"url"`
	PageTitle      string `json:"page_title,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// SearchPayload is the structured payload emitted by the search tool.
type SearchPayload struct {
	Query       string `json:"query"`
	ResultCount int    `json:"result_count"`
}

// DecodePayload decodes a tool event payload into its typed form when the tool
// is a known category, falling back to an opaque map for unstructured output.
func DecodePayload(tool string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	switch tool {
	case "browse":
		var p BrowsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("domain.DecodePayload: browse: %w", err)
		}
		return p, nil
	case "search":
		var p SearchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("domain.DecodePayload: search: %w", err)
		}
		return p, nil
	default:
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("domain.DecodePayload: %w", err)
		}
		return p, nil
	}
}

type EntryKind string

const (
	EntryChatMessage EntryKind = "chat_message"
	EntryToolEvent   EntryKind = "tool_event"
)

// LogEntry is one element of a session's durable event log: a tagged union of
// Message and ToolEvent, ordered by the per-session sequence number Seq.
type LogEntry struct {
	Seq       uint64     `json:"seq"`
	SessionID uuid.UUID  `json:"session_id"`
	Kind      EntryKind  `json:"kind"`
	Message   *Message   `json:"message,omitempty"`
	ToolEvent *ToolEvent `json:"tool_event,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EntryID returns the id of the wrapped Message or ToolEvent.
func (e *LogEntry) EntryID() uuid.UUID {
	switch e.Kind {
	case EntryChatMessage:
		if e.Message != nil {
			return e.Message.ID
		}
	case EntryToolEvent:
		if e.ToolEvent != nil {
			return e.ToolEvent.ID
		}
	}
	return uuid.Nil
}

// EventLogRepository stores the append-only per-session event log.
// Append assigns the next monotonic seq for the entry's session; single-writer
// discipline (only the coordinator appends) keeps assignment race-free.
type EventLogRepository interface {
	Append(ctx context.Context, entry *LogEntry) (uint64, error)
	// ReadFrom returns entries with seq > afterSeq in ascending seq order.
	ReadFrom(ctx context.Context, sessionID uuid.UUID, afterSeq uint64) ([]*LogEntry, error)
}
