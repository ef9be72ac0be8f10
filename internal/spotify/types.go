package spotify

// Wire types for the subset of the Spotify Web API this service reads.
// See https://developer.spotify.com/documentation/web-api/reference/

// Page is one page of a cursor-paginated listing. Next holds the absolute URL
// of the following page and is nil on the last page.
type Page[T any] struct {
	Items []T     `json:"items"`
	Total int     `json:"total"`
	Limit int     `json:"limit"`
	Next  *string `json:"next"`
}

// Image is a cover image.
type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// User is a public user profile (also used for playlist owners).
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Playlist is playlist metadata as returned by both /me/playlists and
// /playlists/{id}.
type Playlist struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Owner       User    `json:"owner"`
	Public      bool    `json:"public"`
	Images      []Image `json:"images"`
	Tracks      struct {
		Total int `json:"total"`
	} `json:"tracks"`
	URI string `json:"uri"`
}

// Artist is a simplified artist.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Album is a simplified album.
type Album struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReleaseDate string `json:"release_date"`
}

// Track is a full track object.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Artists    []Artist `json:"artists"`
	Album      Album    `json:"album"`
	DurationMs int      `json:"duration_ms"`
	Explicit   bool     `json:"explicit"`
	Popularity int      `json:"popularity"`
	URI        string   `json:"uri"`
}

// PlaylistItem is an entry of a playlist or of the saved-tracks library.
// Track is nil when the underlying track has been removed from the catalog.
type PlaylistItem struct {
	AddedAt string `json:"added_at"`
	Track   *Track `json:"track"`
}

// errorResponse is the regular error object returned by the Web API.
type errorResponse struct {
	Error struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}
