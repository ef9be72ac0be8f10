package export

import (
	"strings"

	"github.com/johnku2011/spotify-playlist-export/internal/spotify"
)

// Row is one exported track. Field order matches the CSV columns.
type Row struct {
	PlaylistID       string
	PlaylistName     string
	PlaylistOwner    string
	PlaylistPublic   bool
	TrackName        string
	Artists          string
	AlbumName        string
	AlbumReleaseDate string
	DurationMs       int
	DurationMin      string
	Explicit         bool
	Popularity       int
	AddedAt          string
	TrackURI         string
}

// FlattenRows builds one Row per playable item of c, keeping item order.
// Items without a track (removed from the catalog) are skipped.
func FlattenRows(c Collection, items []spotify.PlaylistItem) []Row {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		t := item.Track
		if t == nil {
			continue
		}
		rows = append(rows, Row{
			PlaylistID:       c.ID,
			PlaylistName:     c.Name,
			PlaylistOwner:    c.Owner,
			PlaylistPublic:   c.Public,
			TrackName:        t.Name,
			Artists:          joinArtists(t.Artists),
			AlbumName:        t.Album.Name,
			AlbumReleaseDate: t.Album.ReleaseDate,
			DurationMs:       t.DurationMs,
			DurationMin:      FormatDuration(t.DurationMs),
			Explicit:         t.Explicit,
			Popularity:       t.Popularity,
			AddedAt:          item.AddedAt,
			TrackURI:         t.URI,
		})
	}
	return rows
}

// playable drops items whose track is nil.
func playable(items []spotify.PlaylistItem) []spotify.PlaylistItem {
	out := make([]spotify.PlaylistItem, 0, len(items))
	for _, item := range items {
		if item.Track != nil {
			out = append(out, item)
		}
	}
	return out
}

func joinArtists(artists []spotify.Artist) string {
	names := make([]string, len(artists))
	for i, a := range artists {
		names[i] = a.Name
	}
	return strings.Join(names, "; ")
}
