package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/botdesk/internal/backend"
	"github.com/ashureev/botdesk/internal/config"
	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/session"
	"github.com/ashureev/botdesk/internal/store"
	"github.com/ashureev/botdesk/internal/transport"
)

var errNotLoggedIn = errors.New("not logged in, run `botdesk login` first")

// globalFlags override configuration loaded from the environment.
type globalFlags struct {
	apiURL    string
	dbPath    string
	logLevel  string
	ephemeral bool
}

// app is the wired client shared by the one-shot commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.CredentialStore
	api     *backend.Client
	session *session.Controller
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.apiURL != "" {
		cfg.APIURL = flags.apiURL
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.LogLevel = config.ParseLevel(flags.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg *config.Config, ephemeral bool) (store.CredentialStore, error) {
	if ephemeral {
		return store.NewMemory(), nil
	}
	s, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return s, nil
}

// newApp wires store, transport, backend and session for a command, logging
// to logOut. The caller must call close.
func newApp(cmd *cobra.Command, flags *globalFlags, nav transport.Navigator, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logOut, cfg.LogLevel)

	creds, err := openStore(cfg, flags.ephemeral)
	if err != nil {
		return nil, err
	}

	if nav == nil {
		nav = transport.NavigatorFunc(func(domain.View) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Session expired, run `botdesk login` again.")
		})
	}
	t := transport.New(cfg.APIURL, creds, nav,
		transport.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		transport.WithLogger(logger),
	)
	api := backend.New(t)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   creds,
		api:     api,
		session: session.NewController(api, creds, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close credential store", "error", err)
	}
}

// requireSession restores the saved session and fails unless it is accepted.
func (a *app) requireSession(ctx context.Context) (domain.UserIdentity, error) {
	id, ok := a.session.Restore(ctx).Identity()
	if !ok {
		return domain.UserIdentity{}, errNotLoggedIn
	}
	return id, nil
}
