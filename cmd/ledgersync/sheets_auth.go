package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"ledgersync/internal/remote/sheets"
)

func sheetsAuthCmd() *cobra.Command {
	var (
		clientFile string
		port       int
		out        string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sheets-auth",
		Short: "Authorize the Sheets backend with your Google account",
		Long: `Run the OAuth consent flow for an OAuth client downloaded from the Google
Cloud console and save the result as an authorized_user credentials file.
Point GOOGLE_SERVICE_ACCOUNT_FILE at that file to use it instead of a
service account key.

The OAuth client must allow http://localhost:<port>/callback as a redirect
URI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientFile == "" {
				clientFile = os.Getenv("GOOGLE_OAUTH_CLIENT_FILE")
			}
			if clientFile == "" {
				return errors.New("pass --client-file or set GOOGLE_OAUTH_CLIENT_FILE")
			}
			clientJSON, err := os.ReadFile(clientFile)
			if err != nil {
				return fmt.Errorf("read client file: %w", err)
			}

			addr := fmt.Sprintf("localhost:%d", port)
			cfg, err := sheets.OAuthConfig(clientJSON, "http://"+addr+"/callback")
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen for callback: %w", err)
			}
			state := uuid.NewString()
			codes := make(chan string, 1)
			errs := make(chan error, 1)

			mux := http.NewServeMux()
			mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				switch {
				case q.Get("error") != "":
					http.Error(w, "authorization failed: "+q.Get("error"), http.StatusBadRequest)
					errs <- fmt.Errorf("authorization failed: %s", q.Get("error"))
				case q.Get("state") != state:
					http.Error(w, "state mismatch", http.StatusBadRequest)
				default:
					fmt.Fprintln(w, "You may close this window and return to the terminal.")
					codes <- q.Get("code")
				}
			})
			srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go srv.Serve(ln)
			defer srv.Close()

			fmt.Printf("Open this URL to authorize:\n%s\n", cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

			var code string
			select {
			case code = <-codes:
			case err := <-errs:
				return err
			case <-time.After(timeout):
				return errors.New("authorization timed out")
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}

			tok, err := cfg.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("token exchange: %w", err)
			}
			creds, err := sheets.AuthorizedUserJSON(cfg, tok)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, creds, 0o600); err != nil {
				return fmt.Errorf("write credentials: %w", err)
			}
			fmt.Printf("Saved credentials to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientFile, "client-file", "", "OAuth client JSON (default: $GOOGLE_OAUTH_CLIENT_FILE)")
	cmd.Flags().IntVar(&port, "port", 8085, "local port for the OAuth redirect")
	cmd.Flags().StringVar(&out, "out", "sheets-credentials.json", "where to write the credentials")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for consent")
	return cmd
}
