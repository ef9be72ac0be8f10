// Package export turns a user's playlists and saved tracks into CSV rows.
package export

import "github.com/johnku2011/spotify-playlist-export/internal/spotify"

const (
	// LikedSongsID is the reserved collection id of the saved-tracks library.
	LikedSongsID = "liked-songs"
	// LikedSongsName is the display name of the saved-tracks library.
	LikedSongsName = "Liked Songs"
)

// Collection is an exportable group of tracks: either a real playlist or the
// user's saved tracks.
type Collection struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Owner       string          `json:"owner"`
	Public      bool            `json:"public"`
	ItemCount   int             `json:"trackCount"`
	Images      []spotify.Image `json:"images"`
}

// IsLikedSongs reports whether c is the saved-tracks pseudo-playlist.
func (c Collection) IsLikedSongs() bool {
	return c.ID == LikedSongsID
}

// Source is where a Collection comes from. Implementations are Real and
// SyntheticLiked.
type Source interface {
	Collection() Collection
}

// Real is a playlist returned by the Web API.
type Real struct {
	Playlist spotify.Playlist
}

// Collection implements Source.
func (r Real) Collection() Collection {
	images := r.Playlist.Images
	if images == nil {
		images = []spotify.Image{}
	}
	return Collection{
		ID:          r.Playlist.ID,
		Name:        r.Playlist.Name,
		Description: r.Playlist.Description,
		Owner:       r.Playlist.Owner.DisplayName,
		Public:      r.Playlist.Public,
		ItemCount:   r.Playlist.Tracks.Total,
		Images:      images,
	}
}

// SyntheticLiked is the saved-tracks library presented as a private playlist.
type SyntheticLiked struct {
	Count int
	Owner string
}

// Collection implements Source.
func (s SyntheticLiked) Collection() Collection {
	return Collection{
		ID:        LikedSongsID,
		Name:      LikedSongsName,
		Owner:     s.Owner,
		Public:    false,
		ItemCount: s.Count,
		Images:    []spotify.Image{},
	}
}
