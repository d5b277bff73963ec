// Package http implements the JSON over HTTP frontend of a piece tracker.
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/frontend"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
)

// Config represents all of the configurable options for an HTTP Frontend.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ParseOptions   `yaml:",inline"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":            cfg.Addr,
		"readTimeout":     cfg.ReadTimeout,
		"writeTimeout":    cfg.WriteTimeout,
		"idleTimeout":     cfg.IdleTimeout,
		"requestTimeout":  cfg.RequestTimeout,
		"allowIPSpoofing": cfg.AllowIPSpoofing,
		"realIPHeader":    cfg.RealIPHeader,
		"maxBodySize":     cfg.MaxBodySize,
	}
}

// Default config constants.
const (
	defaultAddr           = ":8080"
	defaultReadTimeout    = 2 * time.Second
	defaultWriteTimeout   = 2 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultRequestTimeout = 5 * time.Second
)

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	if cfg.IdleTimeout <= 0 {
		validcfg.IdleTimeout = defaultIdleTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.IdleTimeout",
			"provided": cfg.IdleTimeout,
			"default":  validcfg.IdleTimeout,
		})
	}

	if cfg.RequestTimeout <= 0 {
		validcfg.RequestTimeout = defaultRequestTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.RequestTimeout",
			"provided": cfg.RequestTimeout,
			"default":  validcfg.RequestTimeout,
		})
	}

	if cfg.MaxBodySize <= 0 {
		validcfg.MaxBodySize = defaultMaxBodySize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "http.MaxBodySize",
			"provided": cfg.MaxBodySize,
			"default":  validcfg.MaxBodySize,
		})
	}

	return validcfg
}

// Frontend represents the state of an HTTP Frontend.
type Frontend struct {
	srv      *http.Server
	listener net.Listener

	logic frontend.TrackerLogic
	Config
}

// NewFrontend creates a new instance of an HTTP Frontend that asynchronously
// serves requests.
func NewFrontend(logic frontend.TrackerLogic, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	f := &Frontend{
		logic:  logic,
		Config: cfg,
	}

	var err error
	f.listener, err = net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "http: failed to listen")
	}

	f.srv = &http.Server{
		Handler:      f.handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		if err := f.srv.Serve(f.listener); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving http", log.Err(err))
		}
	}()

	return f, nil
}

// Addr returns the address the Frontend is listening on.
func (f *Frontend) Addr() net.Addr {
	return f.listener.Addr()
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (f *Frontend) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.RequestTimeout)
		defer cancel()
		c.Done(f.srv.Shutdown(ctx))
	}()

	return c.Result()
}

func (f *Frontend) handler() http.Handler {
	router := httprouter.New()

	router.POST("/register-torrent", f.registerTorrentRoute)
	router.POST("/register-torrent-file", f.registerTorrentFileRoute)
	router.POST("/register-peer", f.registerPeerRoute)
	router.PUT("/announce", f.announceRoute)
	router.GET("/find-available-peers/:torrentId", f.findAvailablePeersRoute)
	router.GET("/find-piece-peers", f.findPiecePeersRoute)

	router.POST("/torrentFiles", f.registerTorrentRoute)
	router.GET("/torrentFiles/:id", f.getTorrentRoute)
	router.PUT("/torrentFiles/:id", f.updateTorrentRoute)
	router.DELETE("/torrentFiles/:id", f.deleteTorrentRoute)

	router.POST("/peers", f.registerPeerRoute)
	router.GET("/peers/:id", f.getPeerRoute)
	router.DELETE("/peers/:id", f.deletePeerRoute)
	router.POST("/peers/:id/traffic", f.peerTrafficRoute)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = WriteJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		log.Error("http: panic while serving request", log.Fields{"path": r.URL.Path, "panic": v})
		_ = WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}

	return router
}

func (f *Frontend) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), f.RequestTimeout)
}
