package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"marginengine/src/auth"
)

// Routes are the handlers mounted by NewRouter. Nil handlers are not mounted.
type Routes struct {
	Quotes    http.Handler
	Candles   http.Handler
	Positions http.Handler
	Stream    http.Handler
}

func NewRouter(routes Routes) http.Handler {
	// Router with middleware
	r := chi.NewRouter()
	// === Global Middleware ===
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})
	if routes.Quotes != nil {
		r.Method(http.MethodGet, "/diagnostics/quotes", routes.Quotes)
	}
	if routes.Candles != nil {
		r.Method(http.MethodGet, "/diagnostics/candles", routes.Candles)
	}

	// Account routes
	r.Group(func(r chi.Router) {
		r.Use(auth.AccountFromHeader)
		if routes.Positions != nil {
			r.Method(http.MethodGet, "/positions", routes.Positions)
		}
		if routes.Stream != nil {
			r.Method(http.MethodGet, "/ws/positions", routes.Stream)
		}
	})

	return r
}

// StartServer serves handler until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, cfg *Config, handler http.Handler) error {
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server crashed")
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
