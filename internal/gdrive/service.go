package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// NewService builds an authenticated *drive.Service from an OAuth2
// client-credentials file and a cached token file. Account interactive
// login is outside this tool; the token file must already exist (for
// example from the gcloud auth flow or a prior grant).
func NewService(ctx context.Context, credentialsFile, tokenFile string) (*drive.Service, error) {
	credJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("gdrive: reading credentials: %w", err)
	}

	conf, err := google.ConfigFromJSON(credJSON, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("gdrive: parsing credentials: %w", err)
	}

	tok, err := readToken(tokenFile)
	if err != nil {
		return nil, err
	}

	svc, err := drive.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating drive service: %w", err)
	}

	return svc, nil
}

// readToken loads an oauth2.Token from a JSON file.
func readToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gdrive: reading token file: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("gdrive: parsing token file: %w", err)
	}

	return &tok, nil
}
