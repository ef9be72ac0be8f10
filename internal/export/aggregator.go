package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/johnku2011/spotify-playlist-export/internal/spotify"
)

const (
	defaultWorkers = 4
	maxIDLength    = 64
)

// ErrInvalidIDs is returned when an export request names no collections or a
// malformed collection id.
var ErrInvalidIDs = errors.New("invalid playlist IDs")

// Catalog is the subset of the Web API the aggregator reads.
// *spotify.Client implements it.
type Catalog interface {
	Playlists(ctx context.Context, tokens spotify.TokenSource) ([]spotify.Playlist, error)
	Playlist(ctx context.Context, tokens spotify.TokenSource, id string) (*spotify.Playlist, error)
	PlaylistItems(ctx context.Context, tokens spotify.TokenSource, id string) ([]spotify.PlaylistItem, error)
	SavedTracks(ctx context.Context, tokens spotify.TokenSource) ([]spotify.PlaylistItem, error)
	SavedTracksTotal(ctx context.Context, tokens spotify.TokenSource) (int, error)
}

// Account identifies whose library is read.
type Account struct {
	Tokens spotify.TokenSource
	// DisplayName is shown as the owner of the Liked Songs collection.
	DisplayName string
}

// Aggregator assembles collections and export rows from a Catalog.
type Aggregator struct {
	api      Catalog
	workers  int
	progress func(done, total int)
	logger   *log.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWorkers bounds how many collections are fetched at once.
func WithWorkers(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithProgress registers a callback invoked after each collection is fetched.
func WithProgress(fn func(done, total int)) Option {
	return func(a *Aggregator) {
		a.progress = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// NewAggregator creates an Aggregator reading from api.
func NewAggregator(api Catalog, opts ...Option) *Aggregator {
	a := &Aggregator{
		api:     api,
		workers: defaultWorkers,
		logger:  log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListCollections returns the user's playlists, preceded by Liked Songs when
// the saved-tracks library is not empty. A failing library probe only drops
// Liked Songs from the listing.
func (a *Aggregator) ListCollections(ctx context.Context, acct Account) ([]Collection, error) {
	var (
		playlists []spotify.Playlist
		liked     int
		probeErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		playlists, err = a.api.Playlists(gctx, acct.Tokens)
		return err
	})
	g.Go(func() error {
		liked, probeErr = a.api.SavedTracksTotal(gctx, acct.Tokens)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collections := make([]Collection, 0, len(playlists)+1)
	switch {
	case probeErr != nil:
		a.logger.Warn("saved tracks probe failed, omitting Liked Songs", "err", probeErr)
	case liked > 0:
		collections = append(collections, SyntheticLiked{Count: liked, Owner: acct.DisplayName}.Collection())
	}
	for _, p := range playlists {
		collections = append(collections, Real{Playlist: p}.Collection())
	}
	return collections, nil
}

// Tracks returns the playable items of one collection in collection order.
func (a *Aggregator) Tracks(ctx context.Context, acct Account, id string) ([]spotify.PlaylistItem, error) {
	if err := ValidateIDs([]string{id}); err != nil {
		return nil, err
	}

	var (
		items []spotify.PlaylistItem
		err   error
	)
	if id == LikedSongsID {
		items, err = a.api.SavedTracks(ctx, acct.Tokens)
	} else {
		items, err = a.api.PlaylistItems(ctx, acct.Tokens, id)
	}
	if err != nil {
		return nil, err
	}
	return playable(items), nil
}

// BuildRows fetches every requested collection and flattens it to rows.
// Output is grouped by collection in request order. The first failure
// cancels the remaining work and no rows are returned.
func (a *Aggregator) BuildRows(ctx context.Context, acct Account, ids []string) ([]Row, error) {
	if err := ValidateIDs(ids); err != nil {
		return nil, err
	}

	results := make([][]Row, len(ids))
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rows, err := a.collectionRows(gctx, acct, id)
			if err != nil {
				return err
			}
			results[i] = rows

			if a.progress != nil {
				mu.Lock()
				done++
				a.progress(done, len(ids))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, rows := range results {
		total += len(rows)
	}
	all := make([]Row, 0, total)
	for _, rows := range results {
		all = append(all, rows...)
	}

	a.logger.Info("built export rows", "collections", len(ids), "rows", total)
	return all, nil
}

// collectionRows fetches one collection's descriptor and items.
func (a *Aggregator) collectionRows(ctx context.Context, acct Account, id string) ([]Row, error) {
	if id == LikedSongsID {
		items, err := a.api.SavedTracks(ctx, acct.Tokens)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", id, err)
		}
		c := SyntheticLiked{Count: len(items), Owner: acct.DisplayName}.Collection()
		return FlattenRows(c, items), nil
	}

	var (
		playlist *spotify.Playlist
		items    []spotify.PlaylistItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		playlist, err = a.api.Playlist(gctx, acct.Tokens, id)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = a.api.PlaylistItems(gctx, acct.Tokens, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collection %s: %w", id, err)
	}

	a.logger.Debug("fetched collection", "id", id, "items", len(items))
	return FlattenRows(Real{Playlist: *playlist}.Collection(), items), nil
}

// ValidateIDs checks an export request: at least one id, each either
// LikedSongsID or 1-64 ASCII letters and digits.
func ValidateIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no playlists selected", ErrInvalidIDs)
	}
	for _, id := range ids {
		if !validID(id) {
			return fmt.Errorf("%w: %q", ErrInvalidIDs, id)
		}
	}
	return nil
}

func validID(id string) bool {
	if id == LikedSongsID {
		return true
	}
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
