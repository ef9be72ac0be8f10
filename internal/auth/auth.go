// Package auth manages Spotify OAuth credentials: the interactive login flow,
// the on-disk token cache and the refresh lifecycle of a signed-in credential.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

const callbackTimeout = 2 * time.Minute

var (
	// ErrAuthTimeout is returned when the OAuth callback is not received in time.
	ErrAuthTimeout = errors.New("authentication timed out waiting for callback")

	// ErrStateMismatch is returned when the OAuth state parameter doesn't match.
	ErrStateMismatch = errors.New("OAuth state mismatch")
)

// Scopes are the permissions requested at sign-in: read access to private
// and collaborative playlists, the profile and the saved-tracks library.
var Scopes = []string{
	spotifyauth.ScopePlaylistReadPrivate,
	spotifyauth.ScopePlaylistReadCollaborative,
	spotifyauth.ScopeUserReadPrivate,
	spotifyauth.ScopeUserReadEmail,
	spotifyauth.ScopeUserLibraryRead,
}

// ClientConfig identifies the registered Spotify application.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewSpotifyAuth builds the authorization-code flow helper shared by the CLI
// and the web server.
func NewSpotifyAuth(cfg ClientConfig) *spotifyauth.Authenticator {
	return spotifyauth.New(
		spotifyauth.WithClientID(cfg.ClientID),
		spotifyauth.WithClientSecret(cfg.ClientSecret),
		spotifyauth.WithRedirectURL(cfg.RedirectURL),
		spotifyauth.WithScopes(Scopes...),
	)
}

// Authenticator runs the interactive login flow for the CLI and keeps the
// resulting token in a TokenCache.
type Authenticator struct {
	auth        *spotifyauth.Authenticator
	cache       *TokenCache
	redirectURL string
	out         io.Writer
	logger      *log.Logger
}

// NewAuthenticator creates an Authenticator. Instructions for the user are
// written to out.
func NewAuthenticator(cfg ClientConfig, cache *TokenCache, out io.Writer, logger *log.Logger) *Authenticator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Authenticator{
		auth:        NewSpotifyAuth(cfg),
		cache:       cache,
		redirectURL: cfg.RedirectURL,
		out:         out,
		logger:      logger,
	}
}

// Cache returns the token cache.
func (a *Authenticator) Cache() *TokenCache {
	return a.cache
}

// Credential returns the cached credential, or ErrNoCredential when the
// user has not logged in.
func (a *Authenticator) Credential() (Credential, error) {
	token, err := a.cache.Load()
	if err != nil {
		return Credential{}, fmt.Errorf("loading cached token: %w", err)
	}
	if token == nil {
		return Credential{}, ErrNoCredential
	}
	return FromToken(token), nil
}

// Login performs the authorization code flow with a local callback listener,
// caches the token and returns the profile of the signed-in user.
func (a *Authenticator) Login(ctx context.Context) (*spotify.PrivateUser, error) {
	token, err := a.runOAuthFlow(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.cache.Save(token); err != nil {
		// Login itself succeeded.
		a.logger.Warn("failed to cache token", "path", a.cache.Path(), "err", err)
	}

	client := spotify.New(a.auth.Client(ctx, token))
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}
	return user, nil
}

// runOAuthFlow performs the full OAuth authorization code flow.
func (a *Authenticator) runOAuthFlow(ctx context.Context) (*oauth2.Token, error) {
	redirect, err := url.Parse(a.redirectURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URL: %w", err)
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	tokenCh := make(chan *oauth2.Token, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		a.handleCallback(w, r, state, tokenCh, errCh)
	})

	server := &http.Server{
		Addr:              redirect.Host,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("callback server error: %w", err)
		}
	}()

	fmt.Fprintln(a.out, "\nTo authenticate, open this URL in your browser:")
	fmt.Fprintln(a.out, a.auth.AuthURL(state))
	fmt.Fprintln(a.out, "\nWaiting for authentication...")

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	defer shutdown()

	select {
	case token := <-tokenCh:
		return token, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(callbackTimeout):
		return nil, ErrAuthTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleCallback processes the OAuth callback from Spotify.
func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request, expectedState string, tokenCh chan<- *oauth2.Token, errCh chan<- error) {
	if r.URL.Query().Get("state") != expectedState {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		sendErr(errCh, ErrStateMismatch)
		return
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		http.Error(w, "Authentication failed: "+errMsg, http.StatusBadRequest)
		sendErr(errCh, fmt.Errorf("spotify auth error: %s", errMsg))
		return
	}

	token, err := a.auth.Token(r.Context(), expectedState, r)
	if err != nil {
		http.Error(w, "Failed to get token", http.StatusInternalServerError)
		sendErr(errCh, fmt.Errorf("exchanging code for token: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Authentication successful. You can close this window and return to the terminal.")

	select {
	case tokenCh <- token:
	default:
	}
}

func sendErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

// GenerateState creates a random state string for OAuth.
func GenerateState() (string, error) {
	return generateState()
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Logout removes the cached token.
func (a *Authenticator) Logout() error {
	return a.cache.Delete()
}
