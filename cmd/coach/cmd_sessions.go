package main

import (
	"context"
	"fmt"

	"codecoach/cmd/coach/ui"

	"github.com/spf13/cobra"
)

// sessionsCmd manages stored lessons
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored lessons",
	Long: `List and manage stored lessons.

Subcommands:
  list   - List live sessions, newest first
  show   - Show one session and its progress
  expire - Delete sessions past their TTL`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Delete expired sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsExpire,
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsExpireCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if jsonOutput {
		return printJSON(list)
	}
	fmt.Print(ui.NewRenderer(!isTerminal(), 120).Markdown(ui.SessionsMarkdown(list)))
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(sess)
	}
	fmt.Print(ui.NewRenderer(!isTerminal(), 100).Markdown(ui.SessionMarkdown(sess)))
	return nil
}

func runSessionsExpire(cmd *cobra.Command, args []string) error {
	store, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Expire(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d expired sessions\n", n)
	return nil
}
