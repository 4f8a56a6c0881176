package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
)

type RespHealth struct {
	Ok bool `json:"ok"`
}

type RespVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// GetHealth - GET /_hearth/v1/health
func (h *Hearth) GetHealth(w http.ResponseWriter, r *http.Request) {
	pingDeadline, abort := context.WithTimeout(r.Context(), time.Second*5)
	defer abort()
	resp := RespHealth{Ok: h.DB.RawDB.PingContext(pingDeadline) == nil}
	if resp.Ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusServiceUnavailable, resp)
	}
}

// GetVersion - GET /_hearth/v1/version
func (h *Hearth) GetVersion(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, RespVersion{Name: Name, Version: VersionWithCommit})
}

func (h *Hearth) makeHTTPServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_hearth/v1/health", h.GetHealth)
	mux.HandleFunc("GET /_hearth/v1/version", h.GetVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	var handler http.Handler = mux
	handler = requestlog.AccessLogger(requestlog.Options{TrustXForwardedFor: true})(handler)
	handler = exhttp.CORSMiddleware(handler)
	handler = hlog.NewHandler(h.Log.With().Str("component", "http").Logger())(handler)
	return &http.Server{
		Addr:    h.ListenAddr,
		Handler: handler,
	}
}

func (h *Hearth) startHTTPServer() {
	h.Server = h.makeHTTPServer()
	go func() {
		h.Log.Info().
			Str("listen_address", h.Server.Addr).
			Str("public_address", h.Config.Hearth.Address).
			Msg("Starting HTTP listener")
		err := h.Server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("HTTP listener failed")
		}
	}()
}
