package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ledgersync/internal/app"
	"ledgersync/internal/cli"
)

var (
	version = "dev"

	ownerID string
	envFile string
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Offline-first sync for transactions, budgets and savings goals",
		Long: `ledgersync keeps a local copy of your transactions, budgets and savings
goals and reconciles it with a remote store whenever the network allows.

Edits are always saved locally first. They are pushed on the next sync,
which runs automatically under "ledgersync serve" or on demand with
"ledgersync sync".`,
		SilenceUsage: true,
		Version:      version,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if envFile != "" {
				cli.LoadEnvFile(envFile)
			} else {
				cli.LoadEnvFile()
			}
			if ownerID == "" {
				ownerID = os.Getenv("LEDGERSYNC_OWNER")
			}
		},
	}

	cmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner id (default: $LEDGERSYNC_OWNER)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: .env)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(syncCmd())
	cmd.AddCommand(pendingCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(eventsCmd())
	cmd.AddCommand(sheetsAuthCmd())
	for _, k := range kindCommands() {
		cmd.AddCommand(entityCmd(k))
	}
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// requireOwner returns the --owner value or an error naming the flag.
func requireOwner() (string, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return "", errors.New("an owner id is required: pass --owner or set LEDGERSYNC_OWNER")
	}
	return owner, nil
}

// openApp assembles the app for a one-shot command. Logs go to stderr so
// stdout stays machine-readable.
func openApp(cmd *cobra.Command) (*app.App, func(), error) {
	a, err := cli.Bootstrap(cmd.Context(), os.Stderr, app.Options{})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := a.Stop(context.Background()); err != nil {
			a.Logger.Error("Failed to close", "error", err)
		}
	}
	return a, closer, nil
}
