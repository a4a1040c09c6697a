package cli

import (
	"context"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/harun/avatarcore/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or end live sessions",
	Long:  `List the live sessions of a running daemon through its admin endpoints.`,
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsKickCmd = &cobra.Command{
	Use:   "kick <session-id>",
	Short: "End a session",
	Long:  `End a live session. Its client is closed with the session timeout code.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsKick,
}

func init() {
	sessionsCmd.AddCommand(sessionsKickCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newAdminClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	var infos []session.Info
	if err := client.do(ctx, http.MethodGet, "/admin/sessions", &infos); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No active sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIDENTITY\tSTATE\tIDLE\tTURNS")
	now := time.Now()
	for _, info := range infos {
		state := "idle"
		if info.Processing {
			state = "processing"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			info.ID, info.Identity, state, formatDuration(now.Sub(info.LastActive)), info.HistoryTurns)
	}
	return w.Flush()
}

func runSessionsKick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newAdminClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := client.do(ctx, http.MethodDelete, "/admin/sessions/"+args[0], nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s removed\n", args[0])
	return nil
}
