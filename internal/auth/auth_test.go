package auth

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"golang.org/x/oauth2"
)

func TestTokenCache_SaveAndLoad(t *testing.T) {
	tests := []struct {
		name  string
		token *oauth2.Token
	}{
		{
			name: "token with refresh",
			token: &oauth2.Token{
				AccessToken:  "access",
				TokenType:    "Bearer",
				RefreshToken: "refresh",
				Expiry:       time.Now().Add(time.Hour).Truncate(time.Second),
			},
		},
		{
			name: "access only",
			token: &oauth2.Token{
				AccessToken: "access-only",
				TokenType:   "Bearer",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewTokenCache(filepath.Join(t.TempDir(), "token.json"))

			if err := cache.Save(tt.token); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			loaded, err := cache.Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if loaded == nil {
				t.Fatal("Load() returned nil token")
			}
			if loaded.AccessToken != tt.token.AccessToken || loaded.RefreshToken != tt.token.RefreshToken {
				t.Errorf("Load() = %+v, want %+v", loaded, tt.token)
			}
			if !loaded.Expiry.Equal(tt.token.Expiry) {
				t.Errorf("Expiry = %v, want %v", loaded.Expiry, tt.token.Expiry)
			}
		})
	}
}

func TestTokenCache_LoadMissing(t *testing.T) {
	cache := NewTokenCache(filepath.Join(t.TempDir(), "missing", "token.json"))

	token, err := cache.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if token != nil {
		t.Errorf("Load() = %v, want nil", token)
	}
}

func TestTokenCache_SaveCreatesDirectoryWithPrivateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeply", "token.json")
	cache := NewTokenCache(path)

	if err := cache.Save(&oauth2.Token{AccessToken: "secret"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		t.Errorf("permissions = %o, want no group/other access", mode)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestTokenCache_SaveNil(t *testing.T) {
	cache := NewTokenCache(filepath.Join(t.TempDir(), "token.json"))
	if err := cache.Save(nil); err == nil {
		t.Error("Save(nil) should return error")
	}
}

func TestTokenCache_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	cache := NewTokenCache(path)

	if err := cache.Save(&oauth2.Token{AccessToken: "x"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := cache.Delete(); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Delete() did not remove token file")
	}
	// Deleting again is not an error.
	if err := cache.Delete(); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestDefaultTokenCache(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	cache, err := DefaultTokenCache()
	if err != nil {
		t.Fatalf("DefaultTokenCache() error = %v", err)
	}
	if !strings.HasSuffix(filepath.ToSlash(cache.Path()), "spotify-playlist-export/token.json") {
		t.Errorf("Path() = %q", cache.Path())
	}
}

func TestAuthenticator_Credential(t *testing.T) {
	cache := NewTokenCache(filepath.Join(t.TempDir(), "token.json"))
	a := NewAuthenticator(ClientConfig{ClientID: "id", ClientSecret: "secret", RedirectURL: "http://127.0.0.1:0/callback"}, cache, &bytes.Buffer{}, nil)

	if _, err := a.Credential(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Credential() error = %v, want ErrNoCredential", err)
	}

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := cache.Save(&oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: expiry}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cred, err := a.Credential()
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if cred.AccessToken != "a" || cred.RefreshToken != "r" || !cred.ExpiresAt.Equal(expiry) {
		t.Errorf("Credential() = %+v", cred)
	}

	if err := a.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := a.Credential(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("after Logout, Credential() error = %v, want ErrNoCredential", err)
	}
}

func TestHandleCallback_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr error
	}{
		{"state mismatch", "?state=wrong&code=abc", ErrStateMismatch},
		{"user denied", "?state=expected&error=access_denied", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthenticator(ClientConfig{ClientID: "id", ClientSecret: "secret", RedirectURL: "http://127.0.0.1:0/callback"},
				NewTokenCache(filepath.Join(t.TempDir(), "token.json")), &bytes.Buffer{}, nil)

			tokenCh := make(chan *oauth2.Token, 1)
			errCh := make(chan error, 1)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/callback"+tt.query, nil)

			a.handleCallback(rec, req, "expected", tokenCh, errCh)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			select {
			case err := <-errCh:
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
			default:
				t.Error("no error reported")
			}
			if len(tokenCh) != 0 {
				t.Error("token should not be delivered")
			}
		})
	}
}

func TestGenerateState(t *testing.T) {
	s1, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	if len(s1) != 32 {
		t.Errorf("length = %d, want 32", len(s1))
	}
	s2, _ := GenerateState()
	if s1 == s2 {
		t.Error("GenerateState() returned the same value twice")
	}
}
