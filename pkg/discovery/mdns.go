// Package discovery advertises a running tracker on the local network with
// multicast DNS and finds advertised trackers.
package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
)

// Default config constants.
const (
	defaultInstance = "piecetracker"
	defaultService  = "_piecetracker._tcp"
	defaultDomain   = "local."
)

// ErrNotFound is returned when no tracker answered before the deadline.
var ErrNotFound = errors.New("discovery: no tracker found")

// Config holds the configuration of an mDNS advertisement.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"enabled":  cfg.Enabled,
		"instance": cfg.Instance,
		"service":  cfg.Service,
		"domain":   cfg.Domain,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.Instance == "" {
		validcfg.Instance = defaultInstance
	}
	if cfg.Service == "" {
		validcfg.Service = defaultService
	}
	if cfg.Domain == "" {
		validcfg.Domain = defaultDomain
	}
	return validcfg
}

// Advertiser publishes the HTTP API of a tracker.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the tracker listening on port. The TXT record carries
// the API version so that clients can reject incompatible trackers.
func Advertise(provided Config, port int) (*Advertiser, error) {
	cfg := provided.Validate()

	server, err := zeroconf.Register(cfg.Instance, cfg.Service, cfg.Domain, port, []string{"api=1"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: could not register service")
	}

	log.Info("advertising tracker over mdns", cfg.LogFields(), log.Fields{"port": port})
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() stop.Result {
	a.server.Shutdown()
	return stop.Immediately()
}

// Find browses for an advertised tracker and returns the base URL of the
// first one that answers with an IPv4 address.
func Find(ctx context.Context, provided Config) (string, error) {
	cfg := provided.Validate()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "discovery: failed to initialize resolver")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return "", errors.Wrap(err, "discovery: failed to browse")
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := baseURL(entry); ok {
				log.Debug("discovered tracker", log.Fields{"instance": entry.Instance, "url": url})
				return url, nil
			}
		}
	}
}

func baseURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 || entry.Port == 0 {
		return "", false
	}
	return fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port), true
}
