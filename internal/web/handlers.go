package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"

	"github.com/johnku2011/spotify-playlist-export/internal/auth"
	"github.com/johnku2011/spotify-playlist-export/internal/export"
	upstream "github.com/johnku2011/spotify-playlist-export/internal/spotify"
)

const (
	oauthStateCookie = "oauth_state"
	maxExportBody    = 1 << 20

	msgUnauthorized   = "Unauthorized"
	msgRefreshFailed  = "Token refresh failed. Please sign in again."
	msgInvalidIDs     = "Invalid playlist IDs"
	msgFetchPlaylists = "Failed to fetch playlists"
	msgFetchTracks    = "Failed to fetch playlist tracks"
	msgExport         = "Failed to export playlists"
)

type ctxKey int

const sessionKey ctxKey = iota

// Handlers contains HTTP handlers for the web application.
type Handlers struct {
	oauth      *spotifyauth.Authenticator
	sessions   SessionManager
	aggregator *export.Aggregator
	managers   *managerRegistry
	managerCfg auth.ManagerConfig
	tokenHTTP  *http.Client
	logger     *log.Logger
	now        func() time.Time
}

// Home reports whether the caller is signed in (GET /).
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	type user struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	resp := struct {
		Authenticated bool  `json:"authenticated"`
		User          *user `json:"user,omitempty"`
	}{}

	if session := h.sessions.GetFromRequest(r); session != nil {
		resp.Authenticated = true
		resp.User = &user{ID: session.UserID, Name: session.UserName}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login initiates the Spotify OAuth flow (GET /auth/login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate state")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300,
	})

	http.Redirect(w, r, h.oauth.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback handles the OAuth callback from Spotify (GET /callback).
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing state cookie")
		return
	}

	state := r.URL.Query().Get("state")
	if state != stateCookie.Value {
		writeError(w, http.StatusBadRequest, "State mismatch")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Spotify auth error: %s", errMsg))
		return
	}

	token, err := h.oauth.Token(r.Context(), state, r)
	if err != nil {
		h.logger.Error("code exchange failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to get token")
		return
	}

	client := spotify.New(h.oauth.Client(r.Context(), token))
	user, err := client.CurrentUser(r.Context())
	if err != nil {
		h.logger.Error("fetching profile failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to get user info")
		return
	}

	session, err := h.sessions.Create(r.Context(), auth.FromToken(token), string(user.ID), user.DisplayName, user.Email)
	if err != nil {
		h.logger.Error("creating session failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	h.logger.Info("user signed in", "user", user.ID)
	h.sessions.SetCookie(w, session)
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Logout ends the session and forgets its credential (POST /auth/logout).
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if session := h.sessions.GetFromRequest(r); session != nil {
		h.sessions.Delete(r.Context(), session.ID)
		h.managers.remove(session.ID)
	}

	h.sessions.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireSession rejects requests without a valid session cookie.
func (h *Handlers) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := h.sessions.GetFromRequest(r)
		if session == nil {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// account builds the credential handle for the session in r.
func (h *Handlers) account(r *http.Request) (*Session, export.Account) {
	session := r.Context().Value(sessionKey).(*Session)
	mgr := h.managers.get(session, h.newManager)
	return session, export.Account{Tokens: mgr, DisplayName: session.UserName}
}

func (h *Handlers) newManager(s *Session) *auth.Manager {
	id := s.ID
	return auth.NewManager(s.Credential, h.managerCfg,
		auth.WithHTTPClient(h.tokenHTTP),
		auth.WithLogger(h.logger.With("session", shortID(id))),
		auth.WithOnRefresh(func(cred auth.Credential) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.sessions.UpdateToken(ctx, id, cred)
		}),
	)
}

// Playlists lists the user's collections (GET /api/playlists).
func (h *Handlers) Playlists(w http.ResponseWriter, r *http.Request) {
	_, acct := h.account(r)

	collections, err := h.aggregator.ListCollections(r.Context(), acct)
	if err != nil {
		h.fail(w, r, err, msgFetchPlaylists)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playlists": collections})
}

// Tracks lists the playable items of one collection (GET /api/playlists/{id}/tracks).
func (h *Handlers) Tracks(w http.ResponseWriter, r *http.Request) {
	_, acct := h.account(r)

	items, err := h.aggregator.Tracks(r.Context(), acct, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, msgFetchTracks)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": items})
}

type exportRequest struct {
	PlaylistIDs []string `json:"playlistIds"`
}

// Export streams the selected collections as a CSV attachment (POST /api/export).
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	session, acct := h.account(r)

	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidIDs)
		return
	}

	exportID := uuid.New()
	logger := h.logger.With("export", exportID.String(), "collections", len(req.PlaylistIDs))

	rows, err := h.aggregator.BuildRows(r.Context(), acct, req.PlaylistIDs)
	if err != nil {
		h.fail(w, r, err, msgExport)
		return
	}

	// Encode fully before writing headers so a failure still yields a JSON error.
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, rows); err != nil {
		h.fail(w, r, err, msgExport)
		return
	}

	now := h.now()
	rec := ExportRecord{ID: exportID, Collections: len(req.PlaylistIDs), Rows: len(rows), At: now}
	if err := h.sessions.RecordExport(r.Context(), session, rec); err != nil {
		logger.Warn("recording export failed", "err", err)
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename(now)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Export-ID", exportID.String())
	w.WriteHeader(http.StatusOK)
	n, err := buf.WriteTo(w)
	if err != nil {
		logger.Warn("writing export response failed", "err", err)
		return
	}
	logger.Info("export complete", "rows", len(rows), "bytes", n)
}

// fail logs err and writes the mapped JSON error.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, msg := statusFor(err, fallback)

	kv := []any{"path", r.URL.Path, "status", status, "err", err, "request_id", middleware.GetReqID(r.Context())}
	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) {
		kv = append(kv, "upstream_status", upErr.StatusCode, "attempts", upErr.Attempts)
	}
	if status >= 500 {
		h.logger.Error("request failed", kv...)
	} else {
		h.logger.Warn("request rejected", kv...)
	}

	writeError(w, status, msg)
}

// statusFor maps an error to an HTTP status and a client-facing message.
func statusFor(err error, fallback string) (int, string) {
	var upErr *upstream.UpstreamError
	switch {
	case errors.Is(err, auth.ErrRefreshFailed):
		return http.StatusUnauthorized, msgRefreshFailed
	case errors.Is(err, auth.ErrNoCredential):
		return http.StatusUnauthorized, msgUnauthorized
	case errors.Is(err, export.ErrInvalidIDs):
		return http.StatusBadRequest, msgInvalidIDs
	case errors.As(err, &upErr) && upErr.StatusCode == http.StatusUnauthorized:
		return http.StatusUnauthorized, msgRefreshFailed
	default:
		return http.StatusInternalServerError, fallback
	}
}

// shortID trims a session id for logging.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
