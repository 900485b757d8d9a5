package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-racer/termplex/internal/client"
	"github.com/agent-racer/termplex/internal/protocol"
)

func newSessionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the server's active and saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			listing, err := api.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}
			return printListing(cmd.OutOrStdout(), listing, time.Now())
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw listing")
	cmd.AddCommand(newRenameCmd())
	return cmd
}

func newRenameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename ID NAME",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			return api.RenameSession(cmd.Context(), args[0], args[1])
		},
	}
	addClientFlags(cmd)
	return cmd
}

func apiClient(cmd *cobra.Command) (*client.HTTPClient, error) {
	cfg, _, err := loadConfig(cmd, clientBindings)
	if err != nil {
		return nil, err
	}
	base, err := client.BaseURL(cfg.Server.URL)
	if err != nil {
		return nil, err
	}
	return client.NewHTTPClient(base, cfg.Server.Token), nil
}

func printListing(w io.Writer, listing protocol.SessionListing, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSIZE\tCOMMAND\tAGE\tDIR")
	rows := func(status string, infos []protocol.SessionInfo) {
		for _, s := range infos {
			size := "-"
			if s.Cols > 0 && s.Rows > 0 {
				size = fmt.Sprintf("%dx%d", s.Cols, s.Rows)
			}
			command := s.Command
			if command == "" {
				command = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Name, status, size, command, age(now, s.CreatedAt), s.WorkingDir)
		}
	}
	rows("active", listing.Active)
	rows("saved", listing.Saved)
	return tw.Flush()
}

func age(now, created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	d := now.Sub(created)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
