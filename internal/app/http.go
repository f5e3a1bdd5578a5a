package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/valyala/fasthttp"

	"prevaldb/pkg/api"
	"prevaldb/pkg/banner"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/telemetry"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	banner.Print(a.cfg, a.cfg.Addr(), a.cfg.Storage.DBPath, a.cfgSource, a.version)
}

// setupHTTPHandlers sets up all HTTP handlers on the provided mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	srv := &api.Server{
		Lookup:   a.lookup,
		Proc:     a.proc,
		Files:    a.db,
		Counters: a.db,
		Receipts: a.db,
	}
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Router())
}

// readyzHandler reports ready only once the store is open and the journal
// replay has finished feeding the queue.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.db.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

// healthzHandler handles the /healthz endpoint.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	wrapped := telemetry.Middleware(mux)
	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: wrapped}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.Server.TLS.CertFile != "" && a.cfg.Server.TLS.KeyFile != "" {
			logger.Info("https_listening", "addr", a.cfg.Addr())
			err = a.srv.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		} else {
			logger.Info("http_listening", "addr", a.cfg.Addr())
			err = a.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// startFastHTTP starts the dedicated fasthttp submission listener when
// enabled. The channel never fires when the listener is disabled.
func (a *App) startFastHTTP() <-chan error {
	errCh := make(chan error, 1)
	if !a.cfg.Server.FastHTTP.Enabled {
		return errCh
	}
	handler := api.NewFastHandler(a.proc)
	go func() {
		logger.Info("fasthttp_listening", "addr", a.cfg.Server.FastHTTP.Address)
		if err := fasthttp.ListenAndServe(a.cfg.Server.FastHTTP.Address, handler); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// shutdownHTTP drains the main HTTP server.
func (a *App) shutdownHTTP() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}
}
