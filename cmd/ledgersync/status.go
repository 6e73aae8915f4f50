package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/core"
)

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of local changes not yet synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			n, err := a.Queue.Count(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending changes and the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			ctx := cmd.Context()

			state := a.Probe(ctx)
			fmt.Printf("Remote:       %s (%s)\n", a.Config.RemoteBackend, state)

			n, err := a.Queue.Count(ctx, owner)
			if err != nil {
				return err
			}
			fmt.Printf("Pending:      %d\n", n)
			fmt.Printf("Local schema: v%d (%s)\n", a.Repo.SchemaVersion(), a.Config.SQLiteDBPath)

			run, err := a.Repo.LastRun(ctx, owner)
			switch {
			case errors.Is(err, core.ErrNotFound):
				fmt.Println("Last sync:    never")
			case err != nil:
				return err
			default:
				fmt.Printf("Last sync:    %s at %s (%d changes, %d errors, %s)\n",
					run.Status, run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					run.Changes, run.Errors, run.Duration)
			}
			return nil
		},
	}
}
