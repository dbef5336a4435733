package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/lumen/internal/tracing"
	"github.com/harun/lumen/pkg/bus"
)

const defaultReplyTimeout = 5 * time.Minute

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.router.RegisterMethod("chat.abort", s.handleChatAbort)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.router.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	_ = s.router.RegisterMethod("queue.stats", s.handleQueueStats)
	_ = s.router.RegisterMethod("clients.list", s.handleClientsList)
	_ = s.router.RegisterMethod("health", s.handleHealth)
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", invalidParams("%s parameter is required and must be a string", name)
	}
	return value, nil
}

// handleChatSend puts a message on the bus for the agent loop. Over a
// websocket the reply arrives later as a chat.reply event. With
// "wait": true, or over HTTP, the call blocks and returns the reply.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}
	content, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	if s.bus == nil {
		return nil, fmt.Errorf("gateway is not started")
	}

	clientID := clientIDFromContext(ctx)
	wait, _ := params["wait"].(bool)
	if clientID == "" {
		wait = true
	}

	msg := bus.NewInbound(ChannelName, sessionKey, content)
	if clientID != "" {
		msg.Metadata = map[string]string{"client_id": clientID}
	}
	logger := tracing.LoggerFromContext(tracing.WithSessionKey(ctx, sessionKey), s.logger)

	if !wait {
		s.clients.Bind(sessionKey, clientID)
		if err := s.bus.PublishInbound(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to publish message: %w", err)
		}
		logger.Debug().Str("message_id", msg.ID).Msg("Gateway message queued")
		return map[string]interface{}{
			"messageId":  msg.ID,
			"sessionKey": sessionKey,
			"status":     "queued",
		}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.replyTimeout)
	defer cancel()

	replies, unsubscribe, err := s.bus.SubscribeOutbound(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	defer unsubscribe()

	if err := s.bus.PublishInbound(waitCtx, msg); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	for {
		select {
		case reply, ok := <-replies:
			if !ok {
				if waitCtx.Err() != nil {
					return nil, fmt.Errorf("timed out waiting for reply: %w", waitCtx.Err())
				}
				return nil, bus.ErrBusClosed
			}
			if reply.InReplyTo != msg.ID {
				continue
			}
			logger.Debug().Str("message_id", msg.ID).Bool("failed", reply.Failed()).Msg("Gateway reply received")
			return reply, nil
		case <-waitCtx.Done():
			return nil, fmt.Errorf("timed out waiting for reply: %w", waitCtx.Err())
		}
	}
}

func (s *Server) handleChatAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}
	if s.aborter == nil {
		return nil, fmt.Errorf("abort is not available")
	}

	return map[string]interface{}{
		"sessionKey": sessionKey,
		"aborted":    s.aborter.Abort(sessionKey),
	}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("session store is not available")
	}
	keys, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return map[string]interface{}{
		"sessions": keys,
	}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("session store is not available")
	}

	sess, ok, err := s.store.Get(tracing.WithSessionKey(ctx, sessionKey), sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("session %q not found", sessionKey)}
	}

	return sess, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("session store is not available")
	}

	if err := s.store.Delete(tracing.WithSessionKey(ctx, sessionKey), sessionKey); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}

	return map[string]interface{}{
		"success": true,
	}, nil
}

func (s *Server) handleQueueStats(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("command queue is not available")
	}
	return map[string]interface{}{
		"lanes": s.queue.GetStats(),
	}, nil
}

func (s *Server) handleClientsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
	}, nil
}

func (s *Server) handleHealth(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"status":  "ok",
		"clients": s.clients.Count(),
	}, nil
}
