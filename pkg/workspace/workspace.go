// Package workspace watches files the runtime reads at startup and keeps
// them current without a restart.
//
// PromptFile holds the agent's system prompt:
//
//	prompt, err := workspace.NewPromptFile(filepath.Join(workspaceDir, "SYSTEM.md"),
//		workspace.WithFallback("You are a helpful assistant."))
//	if err != nil {
//		return err
//	}
//	if err := prompt.Watch(); err != nil {
//		return err
//	}
//	defer prompt.Close()
//
//	loop, err := agent.NewLoop(agent.Config{PromptFunc: prompt.Prompt, ...})
//
// Watcher is the underlying debounced fsnotify watcher. Bursts of events on
// one path collapse into a single callback.
package workspace
