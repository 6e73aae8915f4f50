package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledgersync/internal/core"
	"ledgersync/internal/services"
)

func syncCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones for one owner",
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

			a.Probe(cmd.Context())
			res, err := a.Engine.FullSync(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(res)
			if res.Status == services.StatusUnauthorized {
				return fmt.Errorf("remote store rejected the credentials")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func printResult(res *services.SyncResult) {
	fmt.Printf("Sync %s for %s in %s\n", res.Status, res.OwnerID, res.Duration.Round(time.Millisecond))
	for _, kind := range core.Kinds() {
		if _, ok := res.Kinds[kind]; !ok && res.Synced(kind) {
			continue
		}
		mark := "ok"
		if !res.Synced(kind) {
			mark = "!!"
		}
		s := res.Summary(kind)
		fmt.Printf("  %s %-13s pushed %d, pulled %d, purged %d, remote wins %d, removed %d\n",
			mark, kind, s.Pushed, s.Pulled, s.Purged, s.RemoteWins, s.RemovedLocally)
	}
	for _, e := range res.Errors {
		id := e.EntityID
		if id == "" {
			id = "(list)"
		}
		fmt.Printf("  ! %s %s [%s]: %s\n", e.Kind, id, e.Class, e.Message)
	}
	fmt.Printf("%d change(s) pending\n", res.Pending)
}
