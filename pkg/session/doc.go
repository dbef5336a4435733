// Package session stores conversation transcripts keyed by session key.
//
// Invariants:
// - Messages are append-only and never reordered.
// - A tool message carries the ID of a tool call emitted by an earlier assistant message.
// - The cache only advances after the record reached disk.
// - Callers always receive clones; writes go back through Save.
//
// Usage:
//
//	store, _ := session.NewStore("/tmp/lumen/sessions")
//	s, _ := store.GetOrCreate(ctx, "chat:1")
//	s.AddMessage(session.NewUserMessage("hello"))
//	_ = store.Save(ctx, s)
package session
