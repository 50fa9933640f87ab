package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/botdesk/internal/convsync"
	"github.com/ashureev/botdesk/internal/dashboard"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var host, port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the browser dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hub := dashboard.NewHub(nil)
			nav := dashboard.NewNavigator(hub)

			a, err := newApp(cmd, flags, nav, os.Stdout)
			if err != nil {
				return err
			}
			defer a.close()

			logger := a.logger
			if host != "" {
				a.cfg.Host = host
			}
			if port != "" {
				a.cfg.Port = port
			}
			logger.Info("Starting dashboard", "addr", a.cfg.ListenAddr(), "api_url", a.cfg.APIURL, "dev", a.cfg.IsDevelopment())

			if err := a.store.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("credential store health check: %w", err)
			}

			srv, err := dashboard.New(dashboard.Deps{
				Session:        a.session,
				Backend:        a.api,
				Switcher:       convsync.NewSwitcher(a.api, logger),
				Store:          a.store,
				Navigator:      nav,
				AllowedOrigins: a.cfg.AllowedOrigins,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Pages render a placeholder until this finishes.
			go a.session.Restore(ctx)

			httpSrv := &http.Server{
				Addr:         a.cfg.ListenAddr(),
				Handler:      srv.Routes(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0, // websocket feed
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Dashboard listening", "addr", httpSrv.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("dashboard server: %w", err)
				}
			}
			stop()

			logger.Info("Shutting down gracefully...")
			srv.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("Dashboard stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides BOTDESK_HOST)")
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides BOTDESK_PORT)")
	return cmd
}
