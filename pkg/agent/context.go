package agent

import (
	"github.com/harun/lumen/pkg/session"
	"github.com/rs/zerolog"
)

// ContextBuilder renders a session history into provider input.
//
// History is read in units: a tool-calling assistant message together with
// the results answering it is one unit, every other message is a unit of
// its own. Units are kept whole or dropped whole, so a provider never sees
// a tool call without its result or a result without its call.
type ContextBuilder struct {
	// MaxTokens caps the estimated size of the history. Zero disables it.
	MaxTokens int
	// MaxMessages caps the number of history messages. Zero disables it.
	MaxMessages int

	logger zerolog.Logger
}

// NewContextBuilder creates a builder with the given budgets.
func NewContextBuilder(maxTokens, maxMessages int, logger zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{
		MaxTokens:   maxTokens,
		MaxMessages: maxMessages,
		logger:      logger,
	}
}

type contextUnit struct {
	messages []session.Message
	tokens   int
}

// Build returns the system prompt (when non-empty) followed by the
// well-formed units of history, in stored order, within budget.
func (b *ContextBuilder) Build(systemPrompt string, history []session.Message) []session.Message {
	units := b.group(history)
	units = b.truncate(units)

	out := make([]session.Message, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, session.NewSystemMessage(systemPrompt))
	}
	for _, u := range units {
		out = append(out, u.messages...)
	}
	return out
}

// group splits history into units, dropping orphan tool results and tool
// units whose results are incomplete.
func (b *ContextBuilder) group(history []session.Message) []contextUnit {
	units := make([]contextUnit, 0, len(history))

	for i := 0; i < len(history); {
		msg := history[i]

		if msg.Role == session.RoleTool {
			b.logger.Warn().
				Str("tool_call_id", msg.ToolCallID).
				Int("index", i).
				Msg("Dropping tool result without a preceding tool call")
			i++
			continue
		}

		if !msg.HasToolCalls() {
			units = append(units, newUnit(msg))
			i++
			continue
		}

		pending := make(map[string]bool, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			pending[call.ID] = true
		}
		unit := newUnit(msg)
		j := i + 1
		for ; j < len(history) && history[j].Role == session.RoleTool; j++ {
			result := history[j]
			if !pending[result.ToolCallID] {
				b.logger.Warn().
					Str("tool_call_id", result.ToolCallID).
					Int("index", j).
					Msg("Dropping tool result that answers no open tool call")
				continue
			}
			delete(pending, result.ToolCallID)
			unit.add(result)
		}

		if len(pending) > 0 {
			b.logger.Warn().
				Int("index", i).
				Int("missing_results", len(pending)).
				Msg("Dropping tool call without results")
		} else {
			units = append(units, unit)
		}
		i = j
	}
	return units
}

func newUnit(msg session.Message) contextUnit {
	return contextUnit{
		messages: []session.Message{msg},
		tokens:   estimateMessageTokens(msg),
	}
}

func (u *contextUnit) add(msg session.Message) {
	u.messages = append(u.messages, msg)
	u.tokens += estimateMessageTokens(msg)
}

// truncate drops the oldest units until both budgets hold. The newest unit
// is always kept. After a drop, leading units that do not open with a user
// message are dropped as well, since providers expect history to start
// with the user.
func (b *ContextBuilder) truncate(units []contextUnit) []contextUnit {
	if len(units) == 0 || (b.MaxTokens <= 0 && b.MaxMessages <= 0) {
		return units
	}

	tokens, messages := 0, 0
	for _, u := range units {
		tokens += u.tokens
		messages += len(u.messages)
	}

	over := func() bool {
		return (b.MaxTokens > 0 && tokens > b.MaxTokens) ||
			(b.MaxMessages > 0 && messages > b.MaxMessages)
	}
	if !over() {
		return units
	}

	start := 0
	for start < len(units)-1 && over() {
		tokens -= units[start].tokens
		messages -= len(units[start].messages)
		start++
	}
	for start < len(units)-1 && units[start].messages[0].Role != session.RoleUser {
		tokens -= units[start].tokens
		messages -= len(units[start].messages)
		start++
	}

	b.logger.Debug().
		Int("dropped_units", start).
		Int("kept_messages", messages).
		Int("estimated_tokens", tokens).
		Msg("Truncated context")
	return units[start:]
}
