package spotify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultBaseURL is the Web API root.
	DefaultBaseURL = "https://api.spotify.com/v1"
	// MaxPageLimit is the largest page size the listing endpoints accept.
	MaxPageLimit = 50
)

// playlistFields trims /playlists/{id} to metadata; the embedded first page
// of items is fetched separately through PlaylistItems.
const playlistFields = "id,name,description,public,uri,images,owner(id,display_name),tracks(total)"

// Client wraps the Web API endpoints used for listing and exporting.
type Client struct {
	fetcher   *Fetcher
	baseURL   string
	pageLimit int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API root (used in tests).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithPageLimit sets the page size for listing endpoints, capped at MaxPageLimit.
func WithPageLimit(n int) ClientOption {
	return func(c *Client) {
		if n > 0 && n <= MaxPageLimit {
			c.pageLimit = n
		}
	}
}

// NewClient creates a Client issuing requests through f.
func NewClient(f *Fetcher, opts ...ClientOption) *Client {
	c := &Client{
		fetcher:   f,
		baseURL:   DefaultBaseURL,
		pageLimit: MaxPageLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) limitQuery() url.Values {
	return url.Values{"limit": {strconv.Itoa(c.pageLimit)}}
}

// CurrentUser returns the profile of the token owner.
func (c *Client) CurrentUser(ctx context.Context, tokens TokenSource) (*User, error) {
	var u User
	if err := c.fetcher.Get(ctx, c.endpoint("/me", nil), tokens, &u); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}
	return &u, nil
}

// Playlists returns every playlist the user owns or follows.
func (c *Client) Playlists(ctx context.Context, tokens TokenSource) ([]Playlist, error) {
	playlists, err := FetchAll[Playlist](ctx, c.fetcher, c.endpoint("/me/playlists", c.limitQuery()), tokens)
	if err != nil {
		return nil, fmt.Errorf("fetching playlists: %w", err)
	}
	return playlists, nil
}

// Playlist returns metadata for a single playlist.
func (c *Client) Playlist(ctx context.Context, tokens TokenSource, id string) (*Playlist, error) {
	var p Playlist
	u := c.endpoint("/playlists/"+url.PathEscape(id), url.Values{"fields": {playlistFields}})
	if err := c.fetcher.Get(ctx, u, tokens, &p); err != nil {
		return nil, fmt.Errorf("fetching playlist %s: %w", id, err)
	}
	return &p, nil
}

// PlaylistItems returns every entry of a playlist in playlist order, including
// entries whose track is nil.
func (c *Client) PlaylistItems(ctx context.Context, tokens TokenSource, id string) ([]PlaylistItem, error) {
	u := c.endpoint("/playlists/"+url.PathEscape(id)+"/tracks", c.limitQuery())
	items, err := FetchAll[PlaylistItem](ctx, c.fetcher, u, tokens)
	if err != nil {
		return nil, fmt.Errorf("fetching items of playlist %s: %w", id, err)
	}
	return items, nil
}

// SavedTracks returns the user's entire saved-tracks library.
func (c *Client) SavedTracks(ctx context.Context, tokens TokenSource) ([]PlaylistItem, error) {
	items, err := FetchAll[PlaylistItem](ctx, c.fetcher, c.endpoint("/me/tracks", c.limitQuery()), tokens)
	if err != nil {
		return nil, fmt.Errorf("fetching saved tracks: %w", err)
	}
	return items, nil
}

// SavedTracksTotal reports the size of the saved-tracks library with a
// single one-item request.
func (c *Client) SavedTracksTotal(ctx context.Context, tokens TokenSource) (int, error) {
	var page Page[PlaylistItem]
	u := c.endpoint("/me/tracks", url.Values{"limit": {"1"}})
	if err := c.fetcher.Get(ctx, u, tokens, &page); err != nil {
		return 0, fmt.Errorf("probing saved tracks: %w", err)
	}
	return page.Total, nil
}
