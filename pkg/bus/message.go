package bus

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// InboundMessage is a user message delivered to the agent loop.
type InboundMessage struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	SessionKey string            `json:"session_key"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is the loop's reply to one inbound message. Error is
// non-empty when the round failed; Content is then a user-facing notice.
type OutboundMessage struct {
	ID         string `json:"id"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	Channel    string `json:"channel,omitempty"`
	SessionKey string `json:"session_key"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
}

// NewInbound builds an inbound message with a fresh ID.
func NewInbound(channel, sessionKey, content string) InboundMessage {
	return InboundMessage{
		ID:         uuid.NewString(),
		Channel:    channel,
		SessionKey: sessionKey,
		Content:    content,
	}
}

// Validate reports whether the message can be routed to a session.
func (m InboundMessage) Validate() error {
	if strings.TrimSpace(m.SessionKey) == "" {
		return errors.New("session_key is required")
	}
	return nil
}

// Reply builds the outbound answer to m.
func (m InboundMessage) Reply(content string) OutboundMessage {
	return OutboundMessage{
		ID:         uuid.NewString(),
		InReplyTo:  m.ID,
		Channel:    m.Channel,
		SessionKey: m.SessionKey,
		Content:    content,
	}
}

// Failure builds an outbound message reporting that m could not be answered.
func (m InboundMessage) Failure(content string, err error) OutboundMessage {
	out := m.Reply(content)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Error = "unknown error"
	}
	return out
}

// Failed reports whether the reply carries an error.
func (m OutboundMessage) Failed() bool {
	return m.Error != ""
}
