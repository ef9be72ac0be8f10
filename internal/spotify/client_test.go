package spotify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	f := NewFetcher(server.Client(), WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	return NewClient(f, append([]ClientOption{WithBaseURL(server.URL)}, opts...)...)
}

func TestClient_Endpoints(t *testing.T) {
	tests := []struct {
		name      string
		call      func(c *Client) error
		wantPath  string
		wantQuery string
	}{
		{
			name: "current user",
			call: func(c *Client) error {
				_, err := c.CurrentUser(context.Background(), StaticToken("tok"))
				return err
			},
			wantPath: "/me",
		},
		{
			name: "playlists",
			call: func(c *Client) error {
				_, err := c.Playlists(context.Background(), StaticToken("tok"))
				return err
			},
			wantPath:  "/me/playlists",
			wantQuery: "limit=50",
		},
		{
			name: "playlist metadata",
			call: func(c *Client) error {
				_, err := c.Playlist(context.Background(), StaticToken("tok"), "pl1")
				return err
			},
			wantPath:  "/playlists/pl1",
			wantQuery: "fields=",
		},
		{
			name: "playlist items",
			call: func(c *Client) error {
				_, err := c.PlaylistItems(context.Background(), StaticToken("tok"), "pl1")
				return err
			},
			wantPath:  "/playlists/pl1/tracks",
			wantQuery: "limit=50",
		},
		{
			name: "saved tracks",
			call: func(c *Client) error {
				_, err := c.SavedTracks(context.Background(), StaticToken("tok"))
				return err
			},
			wantPath:  "/me/tracks",
			wantQuery: "limit=50",
		},
		{
			name: "saved tracks probe",
			call: func(c *Client) error {
				_, err := c.SavedTracksTotal(context.Background(), StaticToken("tok"))
				return err
			},
			wantPath:  "/me/tracks",
			wantQuery: "limit=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotQuery string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotQuery = r.URL.RawQuery
				fmt.Fprint(w, `{"items":[],"total":0,"next":null}`)
			})

			if err := tt.call(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotPath != tt.wantPath {
				t.Errorf("path = %q, want %q", gotPath, tt.wantPath)
			}
			if !strings.Contains(gotQuery, tt.wantQuery) {
				t.Errorf("query = %q, want it to contain %q", gotQuery, tt.wantQuery)
			}
		})
	}
}

func TestClient_PlaylistItemsKeepsDeletedEntries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"items": [
				{"added_at": "2024-01-15T10:30:00Z", "track": {"id": "t1", "name": "One", "duration_ms": 61000,
					"artists": [{"name": "A"}, {"name": "B"}], "album": {"name": "Al", "release_date": "2020"}}},
				{"added_at": "2024-01-16T10:30:00Z", "track": null}
			],
			"total": 2,
			"next": null
		}`)
	})

	items, err := c.PlaylistItems(context.Background(), StaticToken("tok"), "pl1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Track == nil || items[0].Track.Name != "One" || len(items[0].Track.Artists) != 2 {
		t.Errorf("first item decoded wrong: %+v", items[0].Track)
	}
	if items[0].Track.Album.ReleaseDate != "2020" {
		t.Errorf("release date = %q, want 2020", items[0].Track.Album.ReleaseDate)
	}
	if items[1].Track != nil {
		t.Errorf("deleted entry should decode to nil track, got %+v", items[1].Track)
	}
}

func TestClient_SavedTracksTotal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"track":{"id":"x"}}],"total":42,"next":"https://example.invalid/next"}`)
	})

	total, err := c.SavedTracksTotal(context.Background(), StaticToken("tok"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 42 {
		t.Errorf("total = %d, want 42", total)
	}
}

func TestClient_PlaylistMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"pl1","name":"Road Trip","public":true,"owner":{"id":"alex","display_name":"Alex"},"tracks":{"total":3}}`)
	})

	p, err := c.Playlist(context.Background(), StaticToken("tok"), "pl1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "Road Trip" || p.Owner.DisplayName != "Alex" || !p.Public || p.Tracks.Total != 3 {
		t.Errorf("unexpected playlist: %+v", p)
	}
}

func TestWithPageLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"within range", 20, 20},
		{"zero keeps default", 0, MaxPageLimit},
		{"above max keeps default", 100, MaxPageLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(NewFetcher(nil), WithPageLimit(tt.limit))
			if c.pageLimit != tt.want {
				t.Errorf("pageLimit = %d, want %d", c.pageLimit, tt.want)
			}
		})
	}
}
