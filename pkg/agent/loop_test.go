package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/lumen/pkg/bus"
	"github.com/harun/lumen/pkg/session"
	"github.com/harun/lumen/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a testify mock of LLMProvider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*LLMResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) Provider() string {
	return "mock"
}

// scriptedProvider answers each call with the next step of a script. The
// last step repeats once the script is exhausted.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(req LLMRequest) (*LLMResponse, error)
	requests []LLMRequest
}

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	step := p.steps[idx]
	p.mu.Unlock()
	return step(req)
}

func (p *scriptedProvider) Provider() string {
	return "scripted"
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func answer(content string) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: content, StopReason: "end_turn"}, nil
	}
}

func toolCalls(calls ...session.ToolCall) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{ToolCalls: calls, StopReason: "tool_use"}, nil
	}
}

func echoAnswer(req LLMRequest) (*LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &LLMResponse{Content: "re: " + last.Content}, nil
}

type loopFixture struct {
	loop  *Loop
	store *session.Store
	tools *toolexecutor.ToolExecutor
	dir   string
}

func setupTestLoop(t *testing.T, provider LLMProvider, mutate func(*Config)) *loopFixture {
	t.Helper()

	dir := t.TempDir()
	store, err := session.NewStore(dir, session.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	tools := toolexecutor.New(toolexecutor.WithLogger(zerolog.Nop()))
	err = tools.RegisterDefinition(toolexecutor.ToolDefinition{
		Name:        "search",
		Description: "Search the index",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "q", Type: "string", Description: "Query", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
			return "Found 100 results", nil
		},
	})
	require.NoError(t, err)

	cfg := Config{
		Store:          store,
		Tools:          tools,
		Provider:       provider,
		Logger:         zerolog.Nop(),
		SystemPrompt:   "You are a helpful assistant.",
		RetryBaseDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	return &loopFixture{loop: loop, store: store, tools: tools, dir: dir}
}

func (f *loopFixture) transcript(t *testing.T, key string) []session.Message {
	t.Helper()
	sess, ok, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	return sess.Messages
}

func TestNewLoop(t *testing.T) {
	store := session.NewMemoryStore()
	tools := toolexecutor.New()
	provider := &MockProvider{}

	t.Run("should reject missing dependencies", func(t *testing.T) {
		_, err := NewLoop(Config{Tools: tools, Provider: provider})
		assert.ErrorContains(t, err, "session store is required")

		_, err = NewLoop(Config{Store: store, Provider: provider})
		assert.ErrorContains(t, err, "tool executor is required")

		_, err = NewLoop(Config{Store: store, Tools: tools})
		assert.ErrorContains(t, err, "provider is required")
	})

	t.Run("should reject out of range temperature", func(t *testing.T) {
		_, err := NewLoop(Config{Store: store, Tools: tools, Provider: provider, Temperature: 2.5})
		assert.ErrorContains(t, err, "temperature")
	})

	t.Run("should apply defaults", func(t *testing.T) {
		loop, err := NewLoop(Config{Store: store, Tools: tools, Provider: provider})
		require.NoError(t, err)
		defer loop.Close()

		assert.Equal(t, DefaultMaxToolRounds, loop.cfg.MaxToolRounds)
		assert.Equal(t, DefaultMaxParallelTools, loop.cfg.MaxParallelTools)
		assert.Equal(t, DefaultMaxRetries, loop.cfg.MaxRetries)
		assert.Equal(t, DefaultRetryBaseDelay, loop.cfg.RetryBaseDelay)
		assert.Equal(t, defaultMaxTokens, loop.cfg.MaxTokens)
	})

	t.Run("should disable retries with negative MaxRetries", func(t *testing.T) {
		loop, err := NewLoop(Config{Store: store, Tools: tools, Provider: provider, MaxRetries: -1})
		require.NoError(t, err)
		defer loop.Close()

		assert.Equal(t, 0, loop.cfg.MaxRetries)
	})
}

func TestLoop_ToolRound(t *testing.T) {
	t.Run("should run a tool and answer with its result", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"golang"}`}),
			answer("There are 100 results."),
		}}
		f := setupTestLoop(t, provider, nil)

		reply := f.loop.Process(context.Background(), bus.NewInbound("cli", "chat:1", "search golang"))
		require.False(t, reply.Failed(), reply.Error)
		assert.Equal(t, "There are 100 results.", reply.Content)
		assert.Equal(t, "chat:1", reply.SessionKey)
		assert.Equal(t, "cli", reply.Channel)

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 4)
		assert.Equal(t, session.RoleUser, msgs[0].Role)
		assert.Equal(t, "search golang", msgs[0].Content)
		assert.Equal(t, session.RoleAssistant, msgs[1].Role)
		require.Len(t, msgs[1].ToolCalls, 1)
		assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
		assert.Equal(t, session.RoleTool, msgs[2].Role)
		assert.Equal(t, "call_1", msgs[2].ToolCallID)
		assert.Equal(t, "Found 100 results", msgs[2].Content)
		assert.False(t, msgs[2].IsError)
		assert.Equal(t, session.RoleAssistant, msgs[3].Role)
		assert.Equal(t, "There are 100 results.", msgs[3].Content)

		// The second request carries the tool pair and the system prompt.
		second := provider.request(1)
		require.Len(t, second.Messages, 4)
		assert.Equal(t, session.RoleSystem, second.Messages[0].Role)
		assert.Equal(t, "You are a helpful assistant.", second.Messages[0].Content)
		assert.Equal(t, session.RoleTool, second.Messages[3].Role)
		require.Len(t, second.Tools, 1)
		assert.Equal(t, "search", second.Tools[0].Name)
	})

	t.Run("should persist the transcript to disk", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"golang"}`}),
			answer("done"),
		}}
		f := setupTestLoop(t, provider, nil)

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "search golang")
		require.NoError(t, err)

		reopened, err := session.NewStore(f.dir, session.WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		sess, ok, err := reopened.Get(context.Background(), "chat:1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, sess.Messages, 4)
		assert.Equal(t, "done", sess.Messages[3].Content)
	})

	t.Run("should feed unknown tool errors back to the model", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "nope", Arguments: `{}`}),
			answer("That tool does not exist."),
		}}
		f := setupTestLoop(t, provider, nil)

		out, err := f.loop.ProcessDirect(context.Background(), "chat:1", "use nope")
		require.NoError(t, err)
		assert.Equal(t, "That tool does not exist.", out)

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 4)
		assert.Equal(t, `Error: tool "nope" not found`, msgs[2].Content)
		assert.True(t, msgs[2].IsError)
	})

	t.Run("should report malformed arguments as a tool result", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "search", Arguments: `{not json`}),
			answer("ok"),
		}}
		f := setupTestLoop(t, provider, nil)

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "search")
		require.NoError(t, err)

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 4)
		assert.Contains(t, msgs[2].Content, toolErrorPrefix)
		assert.True(t, msgs[2].IsError)
	})

	t.Run("should use PromptFunc over SystemPrompt", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){answer("hi")}}
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.PromptFunc = func() string { return "from workspace" }
		})

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "hello")
		require.NoError(t, err)
		assert.Equal(t, "from workspace", provider.request(0).Messages[0].Content)
	})
}

func TestLoop_RoundLimit(t *testing.T) {
	t.Run("should stop after MaxToolRounds with a notice", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"again"}`}),
		}}
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.MaxToolRounds = 3
		})

		out, err := f.loop.ProcessDirect(context.Background(), "chat:1", "loop forever")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(roundLimitText, 3), out)
		assert.Equal(t, 4, provider.callCount())

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 8)
		last := msgs[len(msgs)-1]
		assert.Equal(t, session.RoleAssistant, last.Role)
		assert.False(t, last.HasToolCalls())
		assert.Contains(t, last.Content, "maximum number of tool rounds (3)")
	})
}

func TestLoop_ProviderErrors(t *testing.T) {
	t.Run("should fail the round without persisting on a fatal error", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key"))
		f := setupTestLoop(t, provider, nil)

		reply := f.loop.Process(context.Background(), bus.NewInbound("cli", "chat:1", "hello"))
		assert.True(t, reply.Failed())
		assert.Equal(t, failureNotice, reply.Content)
		assert.Contains(t, reply.Error, "invalid api key")

		assert.Empty(t, f.transcript(t, "chat:1"))
		provider.AssertNumberOfCalls(t, "Call", 1)
	})

	t.Run("should wrap provider failures with ErrProviderFailed", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("bad request"))
		f := setupTestLoop(t, provider, nil)

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "hello")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProviderFailed))
		provider.AssertNumberOfCalls(t, "Call", 1)
	})

	t.Run("should retry retryable errors", func(t *testing.T) {
		var attempts int32
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			func(LLMRequest) (*LLMResponse, error) {
				atomic.AddInt32(&attempts, 1)
				return nil, errors.New("503 service unavailable")
			},
			func(LLMRequest) (*LLMResponse, error) {
				atomic.AddInt32(&attempts, 1)
				return nil, errors.New("503 service unavailable")
			},
			answer("recovered"),
		}}
		f := setupTestLoop(t, provider, nil)

		out, err := f.loop.ProcessDirect(context.Background(), "chat:1", "hello")
		require.NoError(t, err)
		assert.Equal(t, "recovered", out)
		assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
		assert.Equal(t, 3, provider.callCount())
	})

	t.Run("should give up after MaxRetries", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("rate limit exceeded"))
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.MaxRetries = 2
		})

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "hello")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProviderFailed))
		provider.AssertNumberOfCalls(t, "Call", 3)
	})

	t.Run("should keep earlier tool rounds when a later call fails", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"x"}`}),
			func(LLMRequest) (*LLMResponse, error) { return nil, errors.New("invalid request") },
		}}
		f := setupTestLoop(t, provider, nil)

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "hello")
		require.ErrorIs(t, err, ErrProviderFailed)

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 3)
		assert.Equal(t, session.RoleTool, msgs[2].Role)
	})
}

func TestLoop_ParallelTools(t *testing.T) {
	t.Run("should run tools concurrently and keep call order", func(t *testing.T) {
		var running, peak int32
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(
				session.ToolCall{ID: "a", Name: "slow", Arguments: `{"delay_ms":60,"label":"first"}`},
				session.ToolCall{ID: "b", Name: "slow", Arguments: `{"delay_ms":10,"label":"second"}`},
				session.ToolCall{ID: "c", Name: "slow", Arguments: `{"delay_ms":30,"label":"third"}`},
				session.ToolCall{ID: "d", Name: "slow", Arguments: `{"delay_ms":1,"label":"fourth"}`},
			),
			answer("all done"),
		}}
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.MaxParallelTools = 2
		})
		require.NoError(t, f.tools.RegisterDefinition(toolexecutor.ToolDefinition{
			Name:        "slow",
			Description: "Sleeps then echoes its label",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "delay_ms", Type: "number", Description: "Delay", Required: true},
				{Name: "label", Type: "string", Description: "Label", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
				n := atomic.AddInt32(&running, 1)
				defer atomic.AddInt32(&running, -1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Duration(params["delay_ms"].(float64)) * time.Millisecond)
				return params["label"].(string), nil
			},
		}))

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "go")
		require.NoError(t, err)

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 7)
		want := []struct{ id, content string }{
			{"a", "first"}, {"b", "second"}, {"c", "third"}, {"d", "fourth"},
		}
		for i, w := range want {
			got := msgs[2+i]
			assert.Equal(t, session.RoleTool, got.Role)
			assert.Equal(t, w.id, got.ToolCallID)
			assert.Equal(t, w.content, got.Content)
		}
		assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
		assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
	})

	t.Run("should give calls unique ids", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(
				session.ToolCall{ID: "", Name: "search", Arguments: `{"q":"1"}`},
				session.ToolCall{ID: "dup", Name: "search", Arguments: `{"q":"2"}`},
				session.ToolCall{ID: "dup", Name: "search", Arguments: `{"q":"3"}`},
			),
			answer("ok"),
		}}
		f := setupTestLoop(t, provider, nil)

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "go")
		require.NoError(t, err)

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 6)
		calls := msgs[1].ToolCalls
		require.Len(t, calls, 3)

		seen := map[string]bool{}
		for i, call := range calls {
			assert.NotEmpty(t, call.ID)
			assert.False(t, seen[call.ID], "duplicate id %s", call.ID)
			seen[call.ID] = true
			assert.Equal(t, call.ID, msgs[2+i].ToolCallID)
		}
		assert.Equal(t, "dup", calls[1].ID)
	})
}

func TestSanitizeToolCalls(t *testing.T) {
	t.Run("should return nil for no calls", func(t *testing.T) {
		assert.Nil(t, sanitizeToolCalls(nil))
	})

	t.Run("should trim names and ids", func(t *testing.T) {
		out := sanitizeToolCalls([]session.ToolCall{{ID: " x ", Name: " shell "}})
		require.Len(t, out, 1)
		assert.Equal(t, "x", out[0].ID)
		assert.Equal(t, "shell", out[0].Name)
	})

	t.Run("should replace blank and duplicate ids", func(t *testing.T) {
		in := []session.ToolCall{{ID: "x"}, {ID: "x"}, {ID: "  "}}
		out := sanitizeToolCalls(in)
		require.Len(t, out, 3)
		assert.Equal(t, "x", out[0].ID)
		assert.NotEqual(t, "x", out[1].ID)
		assert.Contains(t, out[1].ID, "call_")
		assert.Contains(t, out[2].ID, "call_")
		assert.NotEqual(t, out[1].ID, out[2].ID)
		assert.Equal(t, "x", in[1].ID, "input must not be modified")
	})
}

func TestLoop_SessionOrdering(t *testing.T) {
	t.Run("should process one session in arrival order", func(t *testing.T) {
		var inFlight, peak int32
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			func(req LLMRequest) (*LLMResponse, error) {
				n := atomic.AddInt32(&inFlight, 1)
				defer atomic.AddInt32(&inFlight, -1)
				if n > atomic.LoadInt32(&peak) {
					atomic.StoreInt32(&peak, n)
				}
				time.Sleep(5 * time.Millisecond)
				return echoAnswer(req)
			},
		}}
		f := setupTestLoop(t, provider, nil)

		ctx := context.Background()
		const n = 5
		msgs := make([]bus.InboundMessage, n)
		for i := range msgs {
			msgs[i] = bus.NewInbound("cli", "chat:1", fmt.Sprintf("m%d", i))
		}

		// Lane positions are fixed at submit time.
		chans := make([]<-chan bus.OutboundMessage, n)
		for i, msg := range msgs {
			ch, err := f.loop.submit(ctx, msg)
			require.NoError(t, err)
			out := make(chan bus.OutboundMessage, 1)
			go func(msg bus.InboundMessage) {
				out <- f.loop.await(ctx, msg, ch)
			}(msg)
			chans[i] = out
		}
		for i, ch := range chans {
			reply := <-ch
			require.False(t, reply.Failed(), reply.Error)
			assert.Equal(t, fmt.Sprintf("re: m%d", i), reply.Content)
		}

		assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
		transcript := f.transcript(t, "chat:1")
		require.Len(t, transcript, 2*n)
		for i := 0; i < n; i++ {
			assert.Equal(t, fmt.Sprintf("m%d", i), transcript[2*i].Content)
			assert.Equal(t, fmt.Sprintf("re: m%d", i), transcript[2*i+1].Content)
		}
	})

	t.Run("should run different sessions in parallel", func(t *testing.T) {
		var inFlight int32
		both := make(chan struct{})
		var once sync.Once
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			func(req LLMRequest) (*LLMResponse, error) {
				if atomic.AddInt32(&inFlight, 1) == 2 {
					once.Do(func() { close(both) })
				}
				select {
				case <-both:
				case <-time.After(2 * time.Second):
					return nil, errors.New("invalid: sessions did not overlap")
				}
				return echoAnswer(req)
			},
		}}
		f := setupTestLoop(t, provider, nil)

		var wg sync.WaitGroup
		replies := make([]bus.OutboundMessage, 2)
		for i, key := range []string{"chat:a", "chat:b"} {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				replies[i] = f.loop.Process(context.Background(), bus.NewInbound("cli", key, "hi"))
			}(i, key)
		}
		wg.Wait()

		for _, reply := range replies {
			assert.False(t, reply.Failed(), reply.Error)
			assert.Equal(t, "re: hi", reply.Content)
		}
	})
}

func TestLoop_Abort(t *testing.T) {
	t.Run("should cancel a running round and keep the last checkpoint", func(t *testing.T) {
		started := make(chan struct{})
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			answer("first answer"),
			toolCalls(session.ToolCall{ID: "call_1", Name: "block", Arguments: `{}`}),
			answer("never"),
		}}
		f := setupTestLoop(t, provider, nil)
		require.NoError(t, f.tools.RegisterDefinition(toolexecutor.ToolDefinition{
			Name:        "block",
			Description: "Blocks until cancelled",
			Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
				close(started)
				<-ctx.Done()
				return "", ctx.Err()
			},
		}))

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "first")
		require.NoError(t, err)

		assert.False(t, f.loop.Abort("chat:1"))

		errCh := make(chan error, 1)
		go func() {
			_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "second")
			errCh <- err
		}()

		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tool never started")
		}
		assert.True(t, f.loop.IsRunning("chat:1"))
		assert.True(t, f.loop.Abort("chat:1"))

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrRoundCancelled)
		case <-time.After(2 * time.Second):
			t.Fatal("round did not stop after abort")
		}

		msgs := f.transcript(t, "chat:1")
		require.Len(t, msgs, 2)
		assert.Equal(t, "first answer", msgs[1].Content)
		assert.False(t, f.loop.IsRunning("chat:1"))
	})
}

func TestLoop_Dedup(t *testing.T) {
	t.Run("should answer a redelivered message from cache", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){answer("once")}}
		f := setupTestLoop(t, provider, nil)

		msg := bus.NewInbound("cli", "chat:1", "hello")
		first := f.loop.Process(context.Background(), msg)
		second := f.loop.Process(context.Background(), msg)

		assert.Equal(t, "once", first.Content)
		assert.Equal(t, "once", second.Content)
		assert.Equal(t, 1, provider.callCount())
		assert.Len(t, f.transcript(t, "chat:1"), 2)
	})

	t.Run("should retry a message whose round failed", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			func(LLMRequest) (*LLMResponse, error) { return nil, errors.New("invalid request") },
			answer("second try"),
		}}
		f := setupTestLoop(t, provider, nil)

		msg := bus.NewInbound("cli", "chat:1", "hello")
		first := f.loop.Process(context.Background(), msg)
		second := f.loop.Process(context.Background(), msg)

		assert.True(t, first.Failed())
		assert.Equal(t, "second try", second.Content)
	})

	t.Run("should not share message ids across sessions", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){echoAnswer}}
		f := setupTestLoop(t, provider, nil)

		alice := f.loop.Process(context.Background(), bus.InboundMessage{ID: "1", Channel: "telegram", SessionKey: "telegram:alice", Content: "hello from alice"})
		bob := f.loop.Process(context.Background(), bus.InboundMessage{ID: "1", Channel: "telegram", SessionKey: "telegram:bob", Content: "hello from bob"})

		assert.Equal(t, "re: hello from alice", alice.Content)
		assert.Equal(t, "re: hello from bob", bob.Content)
		assert.Equal(t, 2, provider.callCount())
		assert.Len(t, f.transcript(t, "telegram:bob"), 2)
	})
}

func TestLoop_PersistenceError(t *testing.T) {
	t.Run("should fail the round when the session cannot be saved", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){echoAnswer}}
		f := setupTestLoop(t, provider, nil)

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "first")
		require.NoError(t, err)

		// Replace the store directory with a plain file.
		require.NoError(t, os.RemoveAll(f.dir))
		require.NoError(t, os.WriteFile(f.dir, []byte("x"), 0600))

		_, err = f.loop.ProcessDirect(context.Background(), "chat:1", "second")
		require.Error(t, err)
		assert.ErrorIs(t, err, session.ErrPersistence)

		// The cache still holds the last good checkpoint.
		assert.Len(t, f.transcript(t, "chat:1"), 2)
	})
}

func TestLoop_Run(t *testing.T) {
	t.Run("should answer inbound bus messages", func(t *testing.T) {
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){echoAnswer}}
		mb := bus.NewMessageBus(10)
		defer mb.Close()
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.Bus = mb
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		replies, unsubscribe, err := mb.SubscribeOutbound(ctx)
		require.NoError(t, err)
		defer unsubscribe()

		done := make(chan error, 1)
		go func() { done <- f.loop.Run(ctx) }()

		msg := bus.NewInbound("test", "chat:1", "ping")
		require.NoError(t, mb.PublishInbound(ctx, msg))

		select {
		case reply := <-replies:
			assert.Equal(t, msg.ID, reply.InReplyTo)
			assert.Equal(t, "re: ping", reply.Content)
			assert.Equal(t, "test", reply.Channel)
		case <-time.After(2 * time.Second):
			t.Fatal("no reply published")
		}

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("should return when the bus closes", func(t *testing.T) {
		mb := bus.NewMessageBus(1)
		f := setupTestLoop(t, &MockProvider{}, func(cfg *Config) {
			cfg.Bus = mb
		})

		done := make(chan error, 1)
		go func() { done <- f.loop.Run(context.Background()) }()
		require.NoError(t, mb.Close())

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("should require a bus", func(t *testing.T) {
		f := setupTestLoop(t, &MockProvider{}, nil)
		assert.Error(t, f.loop.Run(context.Background()))
	})
}

func TestLoop_Process(t *testing.T) {
	t.Run("should reject messages without a session key", func(t *testing.T) {
		provider := &MockProvider{}
		f := setupTestLoop(t, provider, nil)

		reply := f.loop.Process(context.Background(), bus.InboundMessage{ID: "x", Channel: "test"})
		assert.True(t, reply.Failed())
		assert.Contains(t, reply.Error, "session_key is required")
		provider.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
	})

	t.Run("should report a cancelled caller", func(t *testing.T) {
		release := make(chan struct{})
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			func(req LLMRequest) (*LLMResponse, error) {
				<-release
				return echoAnswer(req)
			},
		}}
		f := setupTestLoop(t, provider, nil)
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		reply := f.loop.Process(ctx, bus.NewInbound("cli", "chat:1", "hello"))
		assert.True(t, reply.Failed())
		assert.Contains(t, reply.Error, ErrRoundCancelled.Error())
	})
}

func TestLoop_Close(t *testing.T) {
	t.Run("should reject work after close", func(t *testing.T) {
		f := setupTestLoop(t, &MockProvider{}, nil)
		require.NoError(t, f.loop.Close())
		require.NoError(t, f.loop.Close())

		_, err := f.loop.ProcessDirect(context.Background(), "chat:1", "hello")
		assert.ErrorIs(t, err, ErrLoopClosed)
	})
}

func TestRoundState_String(t *testing.T) {
	assert.Equal(t, "idle", stateIdle.String())
	assert.Equal(t, "building_context", stateBuildingContext.String())
	assert.Equal(t, "awaiting_provider", stateAwaitingProvider.String())
	assert.Equal(t, "executing_tools", stateExecutingTools.String())
	assert.Equal(t, "done", stateDone.String())
	assert.Equal(t, "unknown", roundState(99).String())
}

func TestLoop_OnRoundFinished(t *testing.T) {
	collect := func(events *[]RoundEvent, mu *sync.Mutex) func(RoundEvent) {
		return func(evt RoundEvent) {
			mu.Lock()
			*events = append(*events, evt)
			mu.Unlock()
		}
	}

	t.Run("should report an answered round", func(t *testing.T) {
		var mu sync.Mutex
		var events []RoundEvent
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){answer("hi")}}
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.OnRoundFinished = collect(&events, &mu)
		})

		_, err := f.loop.ProcessDirect(context.Background(), "chat:hooks", "hello")
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, events, 1)
		assert.Equal(t, "chat:hooks", events[0].SessionKey)
		assert.Equal(t, OutcomeAnswered, events[0].Outcome)
		assert.Equal(t, 0, events[0].ToolRounds)
		assert.NoError(t, events[0].Err)
	})

	t.Run("should report the tool rounds of a limited round", func(t *testing.T) {
		var mu sync.Mutex
		var events []RoundEvent
		provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
			toolCalls(session.ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"again"}`}),
		}}
		f := setupTestLoop(t, provider, func(cfg *Config) {
			cfg.MaxToolRounds = 2
			cfg.OnRoundFinished = collect(&events, &mu)
		})

		_, err := f.loop.ProcessDirect(context.Background(), "chat:limit", "loop")
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, events, 1)
		assert.Equal(t, OutcomeLimitReached, events[0].Outcome)
		assert.Equal(t, 2, events[0].ToolRounds)
	})
}
