package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// fallbackLifetime is assumed when the token endpoint omits expires_in.
const fallbackLifetime = time.Hour

var (
	// ErrNoCredential is returned when there is no credential to work with.
	ErrNoCredential = errors.New("not signed in")

	// ErrRefreshFailed is returned once a refresh has failed. The manager
	// stays in this state until it is replaced.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// IsAuthError reports whether err means the user has to sign in (again).
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoCredential) || errors.Is(err, ErrRefreshFailed)
}

// ManagerConfig holds the client credentials used for refresh requests.
type ManagerConfig struct {
	ClientID     string
	ClientSecret string
	// TokenURL defaults to the Spotify accounts token endpoint.
	TokenURL string
}

// Manager keeps one Credential valid across its expiry. It is safe for
// concurrent use; concurrent refreshes are coalesced into one token request.
type Manager struct {
	oauth      oauth2.Config
	httpClient *http.Client
	now        func() time.Time
	onRefresh  func(Credential)
	logger     *log.Logger

	mu    sync.Mutex
	cred  Credential
	state State

	group singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithOnRefresh registers a hook called with the new credential after every
// successful refresh, e.g. to persist it.
func WithOnRefresh(fn func(Credential)) ManagerOption {
	return func(m *Manager) {
		m.onRefresh = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager owning cred.
func NewManager(cred Credential, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = spotifyauth.TokenURL
	}

	m := &Manager{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   spotifyauth.AuthURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		logger:     log.New(io.Discard),
		cred:       cred,
		state:      StateValid,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credential returns a snapshot of the managed credential without checking
// its freshness. Use Valid or AccessToken to make requests.
func (m *Manager) Credential() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// Valid returns a credential whose access token is not expired, refreshing
// it first when needed. A fresh credential costs no network call.
func (m *Manager) Valid(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	if err := m.unusableLocked(); err != nil {
		m.mu.Unlock()
		return Credential{}, err
	}
	if m.cred.fresh(m.now()) {
		cred := m.cred
		m.mu.Unlock()
		return cred, nil
	}
	m.mu.Unlock()

	return m.refresh(ctx, false)
}

// AccessToken returns a valid access token. It implements spotify.TokenSource.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cred, err := m.Valid(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token regardless of
// the current expiry. Failure is terminal and is not retried.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	err := m.unusableLocked()
	m.mu.Unlock()
	if err != nil {
		return Credential{}, err
	}
	return m.refresh(ctx, true)
}

// unusableLocked returns the error for a credential that cannot be used or
// refreshed. m.mu must be held.
func (m *Manager) unusableLocked() error {
	if m.state == StateRefreshFailed {
		return fmt.Errorf("%w: %s", ErrRefreshFailed, m.cred.LastError)
	}
	if m.cred.AccessToken == "" && m.cred.RefreshToken == "" {
		return ErrNoCredential
	}
	return nil
}

// refresh runs at most one token request at a time. The request itself is
// detached from ctx so that a caller giving up does not fail it for the
// other waiters; the caller still stops waiting as soon as ctx is done.
func (m *Manager) refresh(ctx context.Context, force bool) (Credential, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), force)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, force bool) (Credential, error) {
	m.mu.Lock()
	if err := m.unusableLocked(); err != nil {
		m.mu.Unlock()
		return Credential{}, err
	}
	// Another flight may have finished between the caller's check and now.
	if !force && m.cred.fresh(m.now()) {
		cred := m.cred
		m.mu.Unlock()
		return cred, nil
	}
	if m.cred.RefreshToken == "" {
		err := m.failLocked("no refresh token")
		m.mu.Unlock()
		return Credential{}, err
	}
	refreshToken := m.cred.RefreshToken
	m.state = StateRefreshing
	m.mu.Unlock()

	m.logger.Debug("refreshing access token")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()

	m.mu.Lock()
	if err != nil {
		reason := err.Error()
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			reason = fmt.Sprintf("token endpoint returned %d", re.Response.StatusCode)
		}
		ferr := m.failLocked(reason)
		m.mu.Unlock()
		m.logger.Error("token refresh failed", "reason", reason)
		return Credential{}, ferr
	}

	m.cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		m.cred.RefreshToken = tok.RefreshToken
	}
	if tok.Expiry.IsZero() {
		m.cred.ExpiresAt = m.now().Add(fallbackLifetime)
	} else {
		m.cred.ExpiresAt = tok.Expiry
	}
	m.cred.LastError = ""
	m.state = StateValid
	cred := m.cred
	m.mu.Unlock()

	m.logger.Info("access token refreshed", "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	if m.onRefresh != nil {
		m.onRefresh(cred)
	}
	return cred, nil
}

// failLocked moves the manager into the terminal state. m.mu must be held.
func (m *Manager) failLocked(reason string) error {
	m.state = StateRefreshFailed
	m.cred.LastError = reason
	return fmt.Errorf("%w: %s", ErrRefreshFailed, reason)
}
