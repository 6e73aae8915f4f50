package sheets

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gsheet "google.golang.org/api/sheets/v4"
)

// OAuthConfig parses an OAuth client JSON downloaded from the Google Cloud
// console and points it at redirectURL.
func OAuthConfig(clientJSON []byte, redirectURL string) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(clientJSON, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client: %w", err)
	}
	cfg.RedirectURL = redirectURL
	return cfg, nil
}

type authorizedUser struct {
	Type         string `json:"type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// AuthorizedUserJSON renders tok as an "authorized_user" credentials
// document. Config.CredentialsJSON and Config.CredentialsFile accept it in
// place of a service account key.
func AuthorizedUserJSON(cfg *oauth2.Config, tok *oauth2.Token) ([]byte, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, errors.New("token has no refresh token, revoke the app's access and authorize again")
	}
	return json.MarshalIndent(authorizedUser{
		Type:         "authorized_user",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: tok.RefreshToken,
	}, "", "  ")
}
