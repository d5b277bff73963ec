package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	httpfrontend "github.com/chihaya/piecetracker/frontend/http"
	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/pkg/discovery"
	"github.com/chihaya/piecetracker/storage"

	// Imports to register middleware drivers.
	_ "github.com/chihaya/piecetracker/middleware/jwt"
	_ "github.com/chihaya/piecetracker/middleware/torrentapproval"
	_ "github.com/chihaya/piecetracker/middleware/varinterval"

	// Imports to register storage drivers.
	_ "github.com/chihaya/piecetracker/storage/bolt"
	_ "github.com/chihaya/piecetracker/storage/database"
	_ "github.com/chihaya/piecetracker/storage/memory"
	_ "github.com/chihaya/piecetracker/storage/redis"
)

// Config represents the configuration used for executing a piece tracker.
type Config struct {
	middleware.Config `yaml:",inline"`
	MetricsAddr       string                  `yaml:"metrics_addr"`
	HTTPConfig        httpfrontend.Config     `yaml:"http"`
	Storage           storage.Config          `yaml:"storage"`
	PreHooks          []middleware.HookConfig `yaml:"prehooks"`
	PostHooks         []middleware.HookConfig `yaml:"posthooks"`
	MDNS              discovery.Config        `yaml:"mdns"`
}

// PreHookNames returns only the names of the configured middleware.
func (cfg Config) PreHookNames() (names []string) {
	for _, hook := range cfg.PreHooks {
		names = append(names, hook.Name)
	}

	return
}

// PostHookNames returns only the names of the configured middleware.
func (cfg Config) PostHookNames() (names []string) {
	for _, hook := range cfg.PostHooks {
		names = append(names, hook.Name)
	}

	return
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	PieceTracker Config `yaml:"piecetracker"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	contents, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, errors.Wrap(err, "invalid yaml")
	}

	if cfgFile.PieceTracker.Storage.Name == "" {
		return nil, errors.New("no storage driver configured")
	}

	return &cfgFile, nil
}
