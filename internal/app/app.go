package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aussiebroadwan/carelink/internal/credstore"
	"github.com/aussiebroadwan/carelink/internal/credstore/sqlite"
	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires configuration, logging, the credential store and the
// carelink client together for the command line.
type Application struct {
	cfg    Config
	logger *slog.Logger

	In  io.Reader
	Out io.Writer

	client   *carelink.Client
	store    carelink.CredentialStore
	closers  []func() error
	resolver *carelink.Resolver
	tokens   *carelink.TokenManager
	session  *carelink.Session
}

// Option adjusts an Application before its dependencies are built.
type Option func(*Application)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// WithIO redirects prompts and command output.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(app *Application) {
		app.In = in
		app.Out = out
	}
}

// New creates an Application with all dependencies initialized.
func New(cfg Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{
		cfg: cfg,
		In:  os.Stdin,
		Out: os.Stdout,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = slogx.New(slogx.Config{
			Service: "carelink",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}

	if err := app.initStore(); err != nil {
		return nil, err
	}
	app.initClient()
	return app, nil
}

// Close releases the credential store.
func (app *Application) Close() error {
	var errs []error
	for _, closeFn := range app.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

func (app *Application) initStore() error {
	switch app.cfg.Store {
	case "keyring":
		app.store = credstore.NewKeyringStore(app.cfg.KeyringService, app.cfg.Account)
		app.logger.Debug("using keyring credential store", "service", app.cfg.KeyringService, "account", app.cfg.Account)

	case "sqlite":
		opts := []sqlite.Option{sqlite.WithName(app.cfg.Account)}
		if app.cfg.MasterKeyFile != "" {
			sealer, err := cryptox.LoadSealer(app.cfg.MasterKeyFile)
			if err != nil {
				return fmt.Errorf("failed to load master key: %w", err)
			}
			opts = append(opts, sqlite.WithSealer(sealer))
		}

		db, err := sqlite.NewStore(app.cfg.DatabaseFile, opts...)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(context.Background()); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.store = db
		app.closers = append(app.closers, db.Close)
		app.logger.Debug("using sqlite credential store", "path", app.cfg.DatabaseFile, "account", app.cfg.Account, "sealed", app.cfg.MasterKeyFile != "")

	default:
		app.store = credstore.NewFileStore(app.cfg.CredentialsFile)
		app.logger.Debug("using file credential store", "path", app.cfg.CredentialsFile)
	}
	return nil
}

func (app *Application) initClient() {
	httpClient := &http.Client{
		Timeout:   app.cfg.HTTPTimeout,
		Transport: slogx.NewTransport(http.DefaultTransport, nil),
	}
	app.client = carelink.NewClient(httpClient, app.logger)
	app.resolver = carelink.NewResolver(app.client)
	app.tokens = carelink.NewTokenManager(app.store, nil,
		carelink.WithClient(app.client),
		carelink.WithFreshnessMargin(app.cfg.FreshnessMargin),
	)
	app.session = carelink.NewSession(app.client, app.tokens, carelink.WithRateLimit(app.cfg.RateLimit))
}

// context attaches the logger so the HTTP transport can log with it.
func (app *Application) context(ctx context.Context) context.Context {
	return slogx.WithContext(ctx, app.logger)
}

// resolve picks the deployment from, in order: the configured country, the
// configured region, the country claim of the loaded credential, and
// finally the EU region.
func (app *Application) resolve(ctx context.Context) (*carelink.EndpointConfig, error) {
	if endpoints := app.tokens.Endpoints(); endpoints != nil {
		return endpoints, nil
	}

	var (
		endpoints *carelink.EndpointConfig
		err       error
	)
	switch country := app.credentialCountry(); {
	case app.cfg.Country != "":
		endpoints, err = app.resolver.ResolveCountry(ctx, app.cfg.DiscoveryURL, app.cfg.Country)
	case app.cfg.Region != "":
		var region carelink.Region
		region, err = carelink.ParseRegion(app.cfg.Region)
		if err != nil {
			return nil, err
		}
		endpoints, err = app.resolver.Resolve(ctx, app.cfg.DiscoveryURL, region)
	case country != "":
		app.logger.Debug("resolving endpoints from credential country", "country", country)
		endpoints, err = app.resolver.ResolveCountry(ctx, app.cfg.DiscoveryURL, country)
	default:
		endpoints, err = app.resolver.Resolve(ctx, app.cfg.DiscoveryURL, carelink.RegionEU)
	}
	if err != nil {
		return nil, err
	}

	app.tokens.SetEndpoints(endpoints)
	return endpoints, nil
}

// credentialCountry is the country claim of the loaded access token, if any.
func (app *Application) credentialCountry() string {
	if snap := app.tokens.Snapshot(); snap.Payload != nil {
		return snap.Payload.Country
	}
	return ""
}

// prepare loads the stored credential and resolves endpoints unless the
// credential is fresh, so a valid token never costs a network round trip.
func (app *Application) prepare(ctx context.Context) (carelink.State, error) {
	state, err := app.tokens.Load(ctx)
	if err != nil {
		return state, err
	}
	if state == carelink.StateValid {
		return state, nil
	}
	if _, err := app.resolve(ctx); err != nil {
		return state, err
	}
	return state, nil
}

// Login enrolls this client as a new device, prompting for the login
// redirect on In/Out.
func (app *Application) Login(ctx context.Context) error {
	ctx = app.context(ctx)

	endpoints, err := app.resolve(ctx)
	if err != nil {
		return err
	}

	enroller := carelink.NewEnroller(app.client, &carelink.PromptOracle{In: app.In, Out: app.Out})
	enroller.KeyBits = app.cfg.RSABits
	enroller.ChallengeTimeout = app.cfg.ChallengeTimeout

	if _, err := app.tokens.Enroll(ctx, enroller, endpoints); err != nil {
		return err
	}

	payload, err := app.tokens.Payload()
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Logged in as %s (%s, %s). Token expires %s.\n",
		payload.Username, payload.Role, payload.Country, payload.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

// credentialDeleter is implemented by every store the CLI can select.
type credentialDeleter interface {
	Delete(ctx context.Context) error
}

// Logout removes the stored credential. The device registration stays on
// the vendor side; the next login enrolls a new device.
func (app *Application) Logout(ctx context.Context) error {
	ctx = app.context(ctx)

	deleter, ok := app.store.(credentialDeleter)
	if !ok {
		return fmt.Errorf("credential store %q cannot delete credentials", app.cfg.Store)
	}
	if err := deleter.Delete(ctx); err != nil {
		return err
	}

	app.logger.Info("credential removed", "store", app.cfg.Store)
	fmt.Fprintln(app.Out, "Logged out.")
	return nil
}

// Token prints the current bearer header value, refreshing if needed.
func (app *Application) Token(ctx context.Context) error {
	ctx = app.context(ctx)

	if _, err := app.prepare(ctx); err != nil {
		return err
	}
	bearer, err := app.tokens.CurrentBearer(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(app.Out, bearer)
	return nil
}

// Status describes the stored credential without touching the network.
type Status struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Country   string    `json:"country,omitempty"`
	Role      string    `json:"role,omitempty"`
	Username  string    `json:"username,omitempty"`
}

// Status reports the stored credential's state.
func (app *Application) Status(ctx context.Context) (Status, error) {
	ctx = app.context(ctx)

	if _, err := app.tokens.Load(ctx); err != nil {
		return Status{}, err
	}

	snap := app.tokens.Snapshot()
	status := Status{
		State:     snap.State.String(),
		Reason:    snap.Reason,
		ExpiresAt: snap.ExpiresAt,
	}
	if snap.Payload != nil {
		status.Country = snap.Payload.Country
		status.Role = string(snap.Payload.Role)
		status.Username = snap.Payload.Username
	}
	return status, nil
}

// PrintStatus writes Status as indented JSON to Out.
func (app *Application) PrintStatus(ctx context.Context) error {
	status, err := app.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(app.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

// Refresh forces a token refresh.
func (app *Application) Refresh(ctx context.Context) error {
	ctx = app.context(ctx)

	if _, err := app.tokens.Load(ctx); err != nil {
		return err
	}
	if _, err := app.resolve(ctx); err != nil {
		return err
	}
	if err := app.tokens.Refresh(ctx); err != nil {
		return err
	}

	snap := app.tokens.Snapshot()
	fmt.Fprintf(app.Out, "Refreshed. Token expires %s.\n", snap.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

// Get performs an authenticated GET of path, relative to the data API base
// unless it is an absolute URL, and prints the JSON body.
func (app *Application) Get(ctx context.Context, path string) error {
	ctx = app.context(ctx)

	if _, err := app.tokens.Load(ctx); err != nil {
		return err
	}
	endpoints, err := app.resolve(ctx)
	if err != nil {
		return err
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = strings.TrimSuffix(endpoints.DataAPIBaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	}

	var body json.RawMessage
	if err := app.session.GetJSON(ctx, target, &body); err != nil {
		return err
	}

	enc := json.NewEncoder(app.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

// Watch keeps the credential fresh until SIGINT/SIGTERM or until it
// becomes unrecoverable without a new login.
func (app *Application) Watch(ctx context.Context) error {
	ctx = app.context(ctx)

	if _, err := app.tokens.Load(ctx); err != nil {
		return err
	}
	if _, err := app.resolve(ctx); err != nil {
		return err
	}

	invalid := make(chan error, 1)
	keeper := carelink.NewKeeper(app.tokens, app.cfg.KeeperInterval)
	keeper.OnInvalid = func(err error) {
		select {
		case invalid <- err:
		default:
		}
	}
	keeper.Start(ctx)
	defer keeper.Stop()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		return nil
	case <-ctx.Done():
		return nil
	case err := <-invalid:
		return fmt.Errorf("credential needs a new login (run carelink login): %w", err)
	}
}
