package export

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrSerialization wraps failures to write the CSV output.
var ErrSerialization = errors.New("csv serialization failed")

// Columns is the CSV header, in output order.
var Columns = []string{
	"playlist_id",
	"playlist_name",
	"playlist_owner",
	"playlist_public",
	"track_name",
	"artists",
	"album_name",
	"album_release_date",
	"duration_ms",
	"duration_min",
	"explicit",
	"popularity",
	"added_at",
	"track_uri",
}

// Sanitize neutralizes values that spreadsheet applications would evaluate
// as formulas by prefixing them with a single quote.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// FormatDuration renders milliseconds as M:SS. Minutes are not capped.
func FormatDuration(ms int) string {
	if ms < 0 {
		ms = 0
	}
	total := ms / 1000
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// Filename returns the download name for an export created at now.
func Filename(now time.Time) string {
	return fmt.Sprintf("spotify-playlists-%d.csv", now.UnixMilli())
}

// WriteCSV writes the header and one record per row to w. Every field is
// quoted and records end with CRLF.
func WriteCSV(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)

	if err := writeRecord(bw, Columns); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrSerialization, err)
	}
	for i, r := range rows {
		if err := writeRecord(bw, r.record()); err != nil {
			return fmt.Errorf("%w: writing row %d: %v", ErrSerialization, i+1, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

// EncodeCSV returns the CSV document for rows.
func EncodeCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r Row) record() []string {
	return []string{
		Sanitize(r.PlaylistID),
		Sanitize(r.PlaylistName),
		Sanitize(r.PlaylistOwner),
		strconv.FormatBool(r.PlaylistPublic),
		Sanitize(r.TrackName),
		Sanitize(r.Artists),
		Sanitize(r.AlbumName),
		Sanitize(r.AlbumReleaseDate),
		strconv.Itoa(r.DurationMs),
		Sanitize(r.DurationMin),
		strconv.FormatBool(r.Explicit),
		strconv.Itoa(r.Popularity),
		Sanitize(r.AddedAt),
		Sanitize(r.TrackURI),
	}
}

func writeRecord(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(`"` + strings.ReplaceAll(f, `"`, `""`) + `"`); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}
