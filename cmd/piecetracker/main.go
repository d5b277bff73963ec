package main

import (
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	httpfrontend "github.com/chihaya/piecetracker/frontend/http"
	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/pkg/discovery"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/metrics"
	"github.com/chihaya/piecetracker/pkg/stop"
	"github.com/chihaya/piecetracker/storage"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	store          storage.Store
	logic          *middleware.Logic
	sg             *stop.Group
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{
		configFilePath: configFilePath,
	}

	return r, r.Start(nil)
}

// Start begins an instance of the tracker.
// It is optional to provide an instance of the store to avoid the creation of
// a new one.
func (r *Run) Start(s storage.Store) error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.PieceTracker

	r.sg = stop.NewGroup()

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		ms, err := metrics.NewServer(cfg.MetricsAddr)
		if err != nil {
			return errors.Wrap(err, "failed to start metrics server")
		}
		r.sg.Add(ms)
	}

	if s == nil {
		log.Info("starting storage", log.Fields{"name": cfg.Storage.Name})
		s, err = storage.NewStore(cfg.Storage.Name, cfg.Storage.Config)
		if err != nil {
			return errors.Wrap(err, "failed to create storage")
		}
		log.Info("started storage", log.Fields{"name": cfg.Storage.Name})
	}
	r.store = s

	preHooks, err := middleware.HooksFromHookConfigs(cfg.PreHooks)
	if err != nil {
		return errors.Wrap(err, "failed to validate hook config")
	}
	postHooks, err := middleware.HooksFromHookConfigs(cfg.PostHooks)
	if err != nil {
		return errors.Wrap(err, "failed to validate hook config")
	}

	log.Info("starting tracker logic", log.Fields{
		"prehooks":  cfg.PreHookNames(),
		"posthooks": cfg.PostHookNames(),
	})
	r.logic = middleware.NewLogic(cfg.Config, r.store, preHooks, postHooks)

	log.Info("starting HTTP frontend", cfg.HTTPConfig)
	httpfe, err := httpfrontend.NewFrontend(r.logic, cfg.HTTPConfig)
	if err != nil {
		return err
	}
	r.sg.Add(httpfe)

	if cfg.MDNS.Enabled {
		adv, err := discovery.Advertise(cfg.MDNS, httpfe.Addr().(*net.TCPAddr).Port)
		if err != nil {
			return err
		}
		r.sg.Add(adv)
	}

	return nil
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of the tracker.
func (r *Run) Stop(keepStore bool) (storage.Store, error) {
	log.Debug("stopping frontends and metrics server")
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down frontends", errs)
	}

	log.Debug("stopping logic")
	if errs := r.logic.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down middleware", errs)
	}

	if !keepStore {
		log.Debug("stopping storage")
		if errs := r.store.Stop().Wait(); len(errs) != 0 {
			return nil, combineErrors("failed while shutting down storage", errs)
		}
		r.store = nil
	}

	return r.store, nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of the
// tracker and handles reloading and shutdown via process signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, ReloadSignals...)

	for {
		select {
		case <-reload:
			log.Info("reloading; received reload signal")
			store, err := r.Stop(true)
			if err != nil {
				return err
			}

			if err := r.Start(store); err != nil {
				return err
			}
		case <-shutdown:
			log.Info("shutting down; received shutdown signal")
			if _, err := r.Stop(false); err != nil {
				return err
			}

			return nil
		}
	}
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}

	format := "text"
	if jsonLog {
		format = "json"
	}
	log.Configure(format, debugLog)
	if debugLog {
		log.Info("enabled debug logging")
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:               "piecetracker",
		Short:             "Piece-level swarm tracker",
		Long:              "A tracker that indexes which live peers hold which pieces of which files",
		PersistentPreRunE: RootPreRunCmdFunc,
		RunE:              RootRunCmdFunc,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")

	rootCmd.Flags().String("config", "/etc/piecetracker.yaml", "location of configuration file")

	e2eCmd := &cobra.Command{
		Use:   "e2e",
		Short: "exec e2e tests",
		Long:  "Execute the end-to-end test suite against a running tracker",
		RunE:  EndToEndRunCmdFunc,
	}

	e2eCmd.Flags().String("httpaddr", "", "address of the HTTP API under test; discovered over mDNS when empty")
	e2eCmd.Flags().Duration("delay", time.Second, "delay between announcing and querying")
	e2eCmd.Flags().Duration("discover-timeout", 5*time.Second, "how long to browse for a tracker over mDNS")

	rootCmd.AddCommand(e2eCmd)

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "remove expired peers",
		Long:  "Remove peers whose liveness expired longer ago than the retention",
		RunE:  ReapRunCmdFunc,
	}

	reapCmd.Flags().String("config", "/etc/piecetracker.yaml", "location of configuration file")
	reapCmd.Flags().Duration("retention", time.Hour, "how long an expired peer is kept before being removed")

	rootCmd.AddCommand(reapCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
