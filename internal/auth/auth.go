// Package auth manages per-account OAuth tokens for provider access. Tokens
// are obtained out of band (the CRM's connect flow) and stored as JSON, one
// file per account handle; refreshed tokens are written back automatically.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

// TokenStore saves and loads one account's OAuth token.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// FileTokenStore keeps a token as JSON in a single file.
type FileTokenStore struct {
	Path string
}

// NewFileTokenStore creates a store backed by the given file path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

// SaveToken writes the token to the store's file, mode 0600.
func (store *FileTokenStore) SaveToken(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(store.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// LoadToken reads the token back. Returns nil, nil if the file does not
// exist (account not connected yet).
func (store *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(store.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// autoSaveTokenSource wraps an oauth2.TokenSource and saves tokens back to
// the store whenever the underlying source refreshes them.
type autoSaveTokenSource struct {
	mu         sync.Mutex
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}
	return token, nil
}

// GoogleOAuthConfig builds the oauth2 config used for Google Calendar
// access. Offline access is required: the engine refreshes tokens without a
// user present.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcal.CalendarScope},
	}
}

// Resolver hands out auto-refreshing token sources per account handle.
// Token files live in one directory, named after the handle.
type Resolver struct {
	dir    string
	config *oauth2.Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewResolver creates a resolver over a token directory.
func NewResolver(dir string, config *oauth2.Config) *Resolver {
	return &Resolver{dir: dir, config: config, sources: make(map[string]oauth2.TokenSource)}
}

// TokenSource returns the token source for an account handle, creating and
// caching it on first use. Fails if the account has never been connected.
func (r *Resolver) TokenSource(handle string) (oauth2.TokenSource, error) {
	if handle == "" {
		return nil, fmt.Errorf("empty account handle")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[handle]; ok {
		return src, nil
	}

	store := NewFileTokenStore(filepath.Join(r.dir, handle+".json"))
	token, err := store.LoadToken()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, fmt.Errorf("account %q is not connected: no stored token", handle)
	}

	src := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, r.config.TokenSource(context.Background(), token)),
		tokenStore: store,
		lastToken:  token,
	}
	r.sources[handle] = src
	return src, nil
}
