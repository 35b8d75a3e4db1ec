package room

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

// AssistantName attributes messages flagged as AI output.
const AssistantName = "AI Assistant"

var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// NewMessageID returns a lexically sortable id: millisecond timestamp plus a
// monotonic random tiebreak.
func NewMessageID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewMessage builds the canonical stored copy of a posted message. The id
// and timestamp are always the server's; a client supplied id is carried as
// ClientID so the sender can match its optimistic echo. The sender is the
// server's attribution, except for AI output which is credited to the
// assistant.
func NewMessage(body protocol.MessageBody, sender string, now time.Time) protocol.Message {
	if body.IsAI {
		sender = AssistantName
	}
	return protocol.Message{
		ID:        NewMessageID(now),
		ClientID:  strings.TrimSpace(string(body.ID)),
		Text:      body.Text,
		Sender:    sender,
		Time:      now.Format("15:04"),
		Timestamp: now.UnixMilli(),
		IsAI:      body.IsAI,
	}
}
