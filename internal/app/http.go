package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/valyala/fasthttp"

	"threadrelay/pkg/api"
	"threadrelay/pkg/httpx"
	"threadrelay/pkg/logger"
	"threadrelay/pkg/telemetry"
)

// setupHTTPHandlers sets up all HTTP handlers on the provided mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux, svc *api.API) {
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/", svc.Router())
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyzHandler reports ready once the store is open.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.st.Ready() {
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

// startHTTP builds the handler, starts the HTTP server (plus the optional
// fasthttp events front) in goroutines and returns a channel that will
// contain any server error.
func (a *App) startHTTP() <-chan error {
	svc := api.New(a.st, a.queue, a.guard, a.cfg.Ingest.MaxPayloadSize.Int64())

	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux, svc)

	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: telemetry.Middleware(mux)}

	errCh := make(chan error, 2)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if addr := a.cfg.Server.FastEventsAddr; addr != "" {
		events := httpx.FastHTTPAdapter(svc.HandleEvents)
		a.fastSrv = &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				if string(ctx.Path()) != "/v1/events" || !ctx.IsPost() {
					ctx.SetStatusCode(fasthttp.StatusNotFound)
					return
				}
				events(ctx)
			},
		}
		logger.Info("fast_events_listener", "addr", addr)
		go func() {
			if err := a.fastSrv.ListenAndServe(addr); err != nil {
				errCh <- err
			}
		}()
	}
	return errCh
}
