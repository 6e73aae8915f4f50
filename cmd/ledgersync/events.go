package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"ledgersync/internal/amqp"
)

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream pending-count and sync-result events from AMQP",
		Long: `Consume the events published by a running "ledgersync serve" and print
them as JSON lines. Requires AMQP_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			if a.Events == nil {
				return errors.New("AMQP is not configured or unreachable, set AMQP_URL")
			}

			ctx := cmd.Context()
			owner := ownerID
			enc := json.NewEncoder(os.Stdout)
			err = a.Events.Consume(ctx, func(_ context.Context, ev amqp.Event) error {
				if owner != "" && ev.OwnerID() != owner {
					return nil
				}
				return enc.Encode(ev)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
