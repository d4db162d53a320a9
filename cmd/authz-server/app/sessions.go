package app

import (
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/giantswarm/authz-server/server"
)

func (c *cli) newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect issued sessions",
	}
	cmd.AddCommand(c.newSessionsListCmd())
	return cmd
}

func (c *cli) newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list GRANT_ID",
		Short: "List the sessions issued for a grant",
		Long: `List every session issued for a grant, oldest first, with the jti of
its access and refresh token.

Jtis are stored sealed; the configured keys.encryption (or the key derived
from keys.signing) is needed to open them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				sessions, err := srv.ListSessions(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to list sessions: %w", err)
				}
				return c.printSessions(args[0], sessions)
			})
		},
	}
}

func (c *cli) printSessions(grantID string, sessions []*server.SessionDetail) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintf(c.out, "No sessions for grant %s\n", grantID)
		return err
	}

	headers := []string{"ID", "Status", "Access JTI", "Refresh JTI", "Created"}
	table := tablewriter.NewWriter(c.out)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, session := range sessions {
		if err := table.Append([]string{
			session.ID,
			string(session.Status),
			session.AccessJTI,
			session.RefreshJTI,
			formatTime(session.CreatedAt),
		}); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
