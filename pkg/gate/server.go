// Copyright 2024-2026 Aiku AI

package gate

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/requestlog"
)

const shutdownTimeout = 10 * time.Second

// NewHTTPServer returns a server for handler with access logging.
func NewHTTPServer(addr string, handler http.Handler, log zerolog.Logger) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: exhttp.ApplyMiddleware(
			handler,
			hlog.NewHandler(log),
			requestlog.AccessLogger(requestlog.Options{Recover: true}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     stdlog.New(exzerolog.NewLogWriter(log).WithLevel(zerolog.WarnLevel), "", 0),
	}
}

// NewEventsMux routes Slack Events API requests on path.
func NewEventsMux(path string, events http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, events)
	return mux
}

// Serve runs srv until ctx is done and then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Str("addr", srv.Addr).Msg("Stopping HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
