package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/johnku2011/spotify-playlist-export/internal/auth"
	"github.com/johnku2011/spotify-playlist-export/internal/config"
	"github.com/johnku2011/spotify-playlist-export/internal/db"
	"github.com/johnku2011/spotify-playlist-export/internal/export"
	"github.com/johnku2011/spotify-playlist-export/internal/logging"
	"github.com/johnku2011/spotify-playlist-export/internal/spotify"
	"github.com/johnku2011/spotify-playlist-export/internal/web"
)

// Runner holds the dependencies shared by all commands.
type Runner struct {
	config *config.Config
	cache  *auth.TokenCache
	logger *log.Logger
	output io.Writer
	errOut io.Writer
	now    func() time.Time
}

// RunnerOpts configures a Runner. Nil fields get defaults; a nil Config is
// loaded from the --config flag before the command runs.
type RunnerOpts struct {
	Config    *config.Config
	Cache     *auth.TokenCache
	Logger    *log.Logger
	Output    io.Writer
	ErrOutput io.Writer
}

// NewRunner creates a new Runner with the provided configuration.
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = logging.New(os.Stderr, "info")
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.ErrOutput == nil {
		opts.ErrOutput = os.Stderr
	}
	return &Runner{
		config: opts.Config,
		cache:  opts.Cache,
		logger: opts.Logger,
		output: opts.Output,
		errOut: opts.ErrOutput,
		now:    time.Now,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range []func(*Runner) *cli.Command{
		serveCommand, loginCommand, logoutCommand, listCommand, exportCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

// Before loads configuration and the token cache.
func (r *Runner) Before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if r.config == nil {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return ctx, err
		}
		r.config = cfg
		r.logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	}
	if r.cache == nil {
		cache, err := auth.DefaultTokenCache()
		if err != nil {
			return ctx, err
		}
		r.cache = cache
	}
	return ctx, nil
}

func (r *Runner) clientConfig() auth.ClientConfig {
	return auth.ClientConfig{
		ClientID:     r.config.Spotify.ClientID,
		ClientSecret: r.config.Spotify.ClientSecret,
		RedirectURL:  r.config.Spotify.RedirectURL,
	}
}

// catalog builds the upstream client from configuration.
func (r *Runner) catalog() (*spotify.Client, *http.Client, error) {
	httpClient, err := spotify.NewHTTPClient(spotify.TransportConfig{
		Timeout:  r.config.Fetch.Timeout,
		ProxyURL: r.config.Fetch.ProxyURL,
	})
	if err != nil {
		return nil, nil, err
	}

	fetcher := spotify.NewFetcher(httpClient,
		spotify.WithRetryPolicy(spotify.RetryPolicy{
			MaxRetries:        r.config.Retry.MaxRetries,
			InitialDelay:      r.config.Retry.InitialDelay(),
			RespectRetryAfter: r.config.Retry.RespectRetryAfter,
		}),
		spotify.WithRateLimit(r.config.Fetch.RequestsPerSecond),
		spotify.WithLogger(r.logger.WithPrefix("spotify")),
	)
	client := spotify.NewClient(fetcher,
		spotify.WithBaseURL(r.config.Spotify.APIBaseURL),
		spotify.WithPageLimit(r.config.Fetch.PageLimit),
	)
	return client, httpClient, nil
}

// account builds the credential handle from the cached token. Refreshed
// tokens are written back to the cache.
func (r *Runner) account(ctx context.Context, client *spotify.Client, httpClient *http.Client) (export.Account, error) {
	a := auth.NewAuthenticator(r.clientConfig(), r.cache, r.errOut, r.logger)
	cred, err := a.Credential()
	if errors.Is(err, auth.ErrNoCredential) {
		return export.Account{}, fmt.Errorf("%w: run `spotify-playlist-export login` first", err)
	}
	if err != nil {
		return export.Account{}, err
	}

	mgr := auth.NewManager(cred,
		auth.ManagerConfig{
			ClientID:     r.config.Spotify.ClientID,
			ClientSecret: r.config.Spotify.ClientSecret,
			TokenURL:     r.config.Spotify.TokenURL,
		},
		auth.WithHTTPClient(httpClient),
		auth.WithLogger(r.logger.WithPrefix("auth")),
		auth.WithOnRefresh(func(c auth.Credential) {
			if err := r.cache.Save(c.Token()); err != nil {
				r.logger.Warn("saving refreshed token failed", "err", err)
			}
		}),
	)

	user, err := client.CurrentUser(ctx, mgr)
	if err != nil {
		return export.Account{}, err
	}
	return export.Account{Tokens: mgr, DisplayName: user.DisplayName}, nil
}

// Serve runs the web service until interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if err := r.config.Validate(); err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		r.config.Server.Addr = addr
	}

	client, httpClient, err := r.catalog()
	if err != nil {
		return err
	}

	cfg := web.ServerConfig{
		Addr:            r.config.Server.Addr,
		OAuth:           r.clientConfig(),
		TokenURL:        r.config.Spotify.TokenURL,
		Catalog:         client,
		Workers:         r.config.Fetch.Workers,
		TokenHTTPClient: httpClient,
		Logger:          r.logger,
	}

	if url := r.config.Database.URL; url != "" {
		database, err := db.New(ctx, url)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			return err
		}
		cfg.Sessions = web.NewDBSessionStore(database)
		cfg.Health = database.Ping
		r.logger.Info("using database session store")
	}

	server, err := web.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return server.Run(ctx)
}

// Login runs the interactive OAuth flow.
func (r *Runner) Login(ctx context.Context, _ *cli.Command) error {
	if err := r.config.Validate(); err != nil {
		return err
	}

	a := auth.NewAuthenticator(r.clientConfig(), r.cache, r.errOut, r.logger)
	user, err := a.Login(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.output, "Logged in as %s. Token cached at %s\n", user.DisplayName, r.cache.Path())
	return nil
}

// Logout deletes the cached token.
func (r *Runner) Logout(_ context.Context, _ *cli.Command) error {
	if err := r.cache.Delete(); err != nil {
		return err
	}
	fmt.Fprintln(r.output, "Logged out.")
	return nil
}

// List prints the user's collections.
func (r *Runner) List(ctx context.Context, cmd *cli.Command) error {
	if err := r.config.Validate(); err != nil {
		return err
	}
	client, httpClient, err := r.catalog()
	if err != nil {
		return err
	}
	acct, err := r.account(ctx, client, httpClient)
	if err != nil {
		return err
	}

	agg := export.NewAggregator(client, export.WithLogger(r.logger.WithPrefix("export")))
	collections, err := agg.ListCollections(ctx, acct)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(r.output)
		enc.SetIndent("", "  ")
		return enc.Encode(collections)
	}

	cell := lipgloss.NewStyle().PaddingRight(2)
	t := table.New().
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(_, _ int) lipgloss.Style { return cell }).
		Headers("ID", "NAME", "OWNER", "PUBLIC", "TRACKS")
	for _, c := range collections {
		t.Row(c.ID, c.Name, c.Owner, strconv.FormatBool(c.Public), humanize.Comma(int64(c.ItemCount)))
	}
	_, err = fmt.Fprintln(r.output, t.Render())
	return err
}

// Export writes the selected collections to a CSV file or stdout.
func (r *Runner) Export(ctx context.Context, cmd *cli.Command) error {
	if err := r.config.Validate(); err != nil {
		return err
	}

	ids := cmd.StringSlice("id")
	all := cmd.Bool("all")
	if len(ids) == 0 && !all {
		return errors.New("specify at least one --id or --all")
	}

	client, httpClient, err := r.catalog()
	if err != nil {
		return err
	}
	acct, err := r.account(ctx, client, httpClient)
	if err != nil {
		return err
	}

	if all {
		collections, err := export.NewAggregator(client).ListCollections(ctx, acct)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(collections))
		for _, c := range collections {
			ids = append(ids, c.ID)
		}
	}
	if err := export.ValidateIDs(ids); err != nil {
		return err
	}

	var bar *pb.ProgressBar
	if !cmd.Bool("quiet") {
		bar = pb.New(len(ids)).SetWriter(r.errOut).Set("prefix", "Collections ")
		bar.SetTemplateString(`{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }}`)
		bar.Start()
	}

	agg := export.NewAggregator(client,
		export.WithWorkers(r.config.Fetch.Workers),
		export.WithLogger(r.logger.WithPrefix("export")),
		export.WithProgress(func(done, _ int) {
			if bar != nil {
				bar.SetCurrent(int64(done))
			}
		}),
	)
	rows, err := agg.BuildRows(ctx, acct, ids)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	path := cmd.String("output")
	if path == "" {
		path = export.Filename(r.now())
	}

	var w io.Writer = r.output
	var file *os.File
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		file, w = f, f
	}

	cw := &countingWriter{w: w}
	if err := export.WriteCSV(cw, rows); err != nil {
		return err
	}
	if file != nil {
		if err := file.Close(); err != nil {
			return fmt.Errorf("closing output file: %w", err)
		}
	}

	dest := path
	if path == "-" {
		dest = "stdout"
	}
	fmt.Fprintf(r.errOut, "Exported %s tracks from %d collection(s) to %s (%s)\n",
		humanize.Comma(int64(len(rows))), len(ids), dest, humanize.Bytes(uint64(cw.n)))
	return nil
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
