package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/harun/lumen/internal/config"
	"github.com/harun/lumen/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
	Long:  `List, show and delete the session transcripts stored under the data directory.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session keys",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openSessionStore(cfg *config.Config) (*session.Store, error) {
	store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"), session.WithLogger(zerolog.Nop()))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	keys, err := store.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tMESSAGES\tUPDATED")
	for _, key := range keys {
		sess, ok, err := store.Get(ctx, key)
		if err != nil || !ok {
			fmt.Fprintf(w, "%s\t?\t?\n", key)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", key, sess.Len(), sess.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	sess, ok, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %q not found", args[0])
	}

	out := cmd.OutOrStdout()
	for _, msg := range sess.Messages {
		switch {
		case msg.HasToolCalls():
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(out, "[%s] call %s(%s)\n", msg.Role, call.Name, call.Arguments)
			}
			if msg.Content != "" {
				fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
			}
		case msg.IsToolResult():
			fmt.Fprintf(out, "[%s %s] %s\n", msg.Role, msg.ToolCallID, msg.Content)
		default:
			fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
		}
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	if !store.Exists(cmd.Context(), args[0]) {
		return fmt.Errorf("session %q not found", args[0])
	}
	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}
