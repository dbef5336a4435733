package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/harun/lumen/pkg/session"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("call: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"rate limit text", errors.New("Rate limit exceeded"), true},
		{"status code text", errors.New("upstream returned 502"), true},
		{"overloaded", errors.New("API overloaded"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"auth failure", errors.New("invalid api key"), false},
		{"bad request", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(429))
	assert.True(t, retryableStatus(408))
	assert.True(t, retryableStatus(500))
	assert.True(t, retryableStatus(529))
	assert.False(t, retryableStatus(400))
	assert.False(t, retryableStatus(401))
	assert.False(t, retryableStatus(404))
}

func TestEstimateMessageTokens(t *testing.T) {
	assert.Equal(t, 0, estimateMessageTokens(session.NewUserMessage("")))
	assert.Equal(t, 1, estimateMessageTokens(session.NewUserMessage("abcd")))
	assert.Equal(t, 2, estimateMessageTokens(session.NewUserMessage("abcde")))

	msg := session.NewAssistantWithTools("", []session.ToolCall{{Name: "shell", Arguments: `{"command":"ls"}`}})
	assert.Equal(t, (5+16+3)/4, estimateMessageTokens(msg))
}
