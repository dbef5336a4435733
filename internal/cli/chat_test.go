package cli

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/harun/lumen/internal/config"
	"github.com/harun/lumen/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	keys   []string
	inputs []string
	fail   string
	closed bool
}

func (r *fakeRunner) ProcessDirect(_ context.Context, sessionKey, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, sessionKey)
	r.inputs = append(r.inputs, content)
	if content == r.fail {
		return "", errors.New("provider unavailable")
	}
	return "echo: " + content, nil
}

func (r *fakeRunner) Close() error {
	r.closed = true
	return nil
}

func useFakeRunner(t *testing.T) *fakeRunner {
	t.Helper()

	fake := &fakeRunner{}
	orig := newRunner
	newRunner = func(*config.Config, bool) (runner, error) {
		return fake, nil
	}
	t.Cleanup(func() {
		newRunner = orig
		chatSession = "cli:default"
		chatRemote = false
	})
	return fake
}

func TestChatCommand(t *testing.T) {
	t.Run("should send a one-shot message", func(t *testing.T) {
		fake := useFakeRunner(t)

		output, err := execute(t, "chat", "--config", testConfigPath(t), "-s", "cli:one", "hello", "world")
		require.NoError(t, err)

		assert.Equal(t, "echo: hello world\n", output)
		assert.Equal(t, []string{"cli:one"}, fake.keys)
		assert.True(t, fake.closed)
	})

	t.Run("should read lines until exit", func(t *testing.T) {
		fake := useFakeRunner(t)
		fake.fail = "boom"

		cmd := GetRootCmd()
		cmd.SetIn(strings.NewReader("first\n\nboom\nsecond\n/exit\nignored\n"))
		t.Cleanup(func() { cmd.SetIn(nil) })

		output, err := execute(t, "chat", "--config", testConfigPath(t), "-s", "cli:repl")
		require.NoError(t, err)

		assert.Equal(t, []string{"first", "boom", "second"}, fake.inputs)
		assert.Contains(t, output, "echo: first")
		assert.Contains(t, output, "error: provider unavailable")
		assert.Contains(t, output, "echo: second")
		assert.NotContains(t, output, "ignored")
	})

	t.Run("should stop at end of input", func(t *testing.T) {
		fake := useFakeRunner(t)

		cmd := GetRootCmd()
		cmd.SetIn(strings.NewReader("only"))
		t.Cleanup(func() { cmd.SetIn(nil) })

		_, err := execute(t, "chat", "--config", testConfigPath(t))
		require.NoError(t, err)
		assert.Equal(t, []string{"only"}, fake.inputs)
		assert.Equal(t, []string{"cli:default"}, fake.keys)
	})
}

func TestRemoteRunner(t *testing.T) {
	t.Run("should require the redis bus", func(t *testing.T) {
		cfg := config.DefaultConfig()
		_, err := newRemoteRunner(cfg)
		assert.ErrorContains(t, err, "redis")
	})

	t.Run("should round trip through the bus", func(t *testing.T) {
		mr := miniredis.RunT(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		opts := bus.RedisOptions{Addr: mr.Addr()}
		client, err := bus.NewRedisBus(ctx, opts)
		require.NoError(t, err)
		agentSide, err := bus.NewRedisBus(ctx, opts)
		require.NoError(t, err)
		defer agentSide.Close()

		go func() {
			msg, err := agentSide.ConsumeInbound(ctx)
			if err != nil {
				return
			}
			_ = agentSide.PublishOutbound(ctx, msg.Reply("pong: "+msg.Content))
		}()

		r, err := newRemoteRunnerFromBus(client)
		require.NoError(t, err)
		defer r.Close()

		reply, err := r.ProcessDirect(ctx, "cli:remote", "ping")
		require.NoError(t, err)
		assert.Equal(t, "pong: ping", reply)
	})

	t.Run("should surface a failed round", func(t *testing.T) {
		b := bus.NewMessageBus(8)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		go func() {
			msg, err := b.ConsumeInbound(ctx)
			if err != nil {
				return
			}
			_ = b.PublishOutbound(ctx, msg.Failure("Sorry, something went wrong.", errors.New("provider: rate limited")))
		}()

		r, err := newRemoteRunnerFromBus(b)
		require.NoError(t, err)
		defer r.Close()

		_, err = r.ProcessDirect(ctx, "cli:remote", "ping")
		assert.ErrorContains(t, err, "rate limited")
	})
}
