// Package agent runs conversation rounds against an LLM provider with a tool loop.
//
// Invariants:
// - Rounds are serialized per session lane through commandqueue, in arrival order.
// - Tool calls route through toolexecutor only; their results are appended in call order.
// - A session is checkpointed after each tool batch and at the end of a round;
//   a failed or cancelled round leaves the last checkpoint untouched.
// - Every round ends: after MaxToolRounds tool batches the loop answers with a
//   synthesized notice instead of asking the provider again.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{
//		Store:    store,
//		Tools:    tools,
//		Provider: provider,
//		Model:    "claude-sonnet-4-5",
//	})
//	defer loop.Close()
//	reply := loop.Process(ctx, bus.NewInbound("cli", "chat:1", "hello"))
package agent
