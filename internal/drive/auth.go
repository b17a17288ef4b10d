package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// tokenFileName is the cached OAuth token inside the credentials directory.
const tokenFileName = "token.json"

// NewService builds an authenticated Drive service from the installed-app
// credentials in clientSecretPath and the token cached under credDir. The
// interactive consent handshake that produces the cached token is owned by
// the operator; the engine only consumes its result.
func NewService(ctx context.Context, clientSecretPath, credDir string) (*drivev3.Service, error) {
	secret, err := os.ReadFile(clientSecretPath)
	if err != nil {
		return nil, fmt.Errorf("read client secret: %w", err)
	}

	cfg, err := google.ConfigFromJSON(secret, drivev3.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}

	tok, err := loadToken(filepath.Join(credDir, tokenFileName))
	if err != nil {
		return nil, fmt.Errorf("load cached token (run the authorization flow first): %w", err)
	}

	ts := persistingTokenSource{
		base: cfg.TokenSource(ctx, tok),
		path: filepath.Join(credDir, tokenFileName),
		last: tok,
	}

	svc, err := drivev3.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(tok, &ts)))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return svc, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tok, nil
}

// persistingTokenSource writes refreshed tokens back to the cache so the
// next run does not depend on the old refresh token still being valid.
type persistingTokenSource struct {
	base oauth2.TokenSource
	path string
	last *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if s.last == nil || tok.AccessToken != s.last.AccessToken {
		s.last = tok
		if data, err := json.Marshal(tok); err == nil {
			os.WriteFile(s.path, data, 0o600)
		}
	}
	return tok, nil
}
