package middleware

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/frontend"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
	"github.com/chihaya/piecetracker/pkg/timecache"
	"github.com/chihaya/piecetracker/storage"
)

// Default config constants.
const (
	defaultPeerLifetime = 5 * time.Minute
)

// Config holds the configuration of the announce response and the liveness
// granted by an Announce.
type Config struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
	PeerLifetime        time.Duration `yaml:"peer_lifetime"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":    cfg.AnnounceInterval,
		"minAnnounceInterval": cfg.MinAnnounceInterval,
		"peerLifetime":        cfg.PeerLifetime,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// The announce interval defaults to half the peer lifetime, so that a peer
// announcing on schedule never expires; the minimum interval defaults to
// half the announce interval.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "PeerLifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = validcfg.PeerLifetime / 2
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "AnnounceInterval",
			"provided": cfg.AnnounceInterval,
			"default":  validcfg.AnnounceInterval,
		})
	}

	if cfg.MinAnnounceInterval <= 0 || cfg.MinAnnounceInterval > validcfg.AnnounceInterval {
		validcfg.MinAnnounceInterval = validcfg.AnnounceInterval / 2
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "MinAnnounceInterval",
			"provided": cfg.MinAnnounceInterval,
			"default":  validcfg.MinAnnounceInterval,
		})
	}

	return validcfg
}

// Option customizes a Logic.
type Option func(*Logic)

// WithClock makes the Logic read the current time from c.
func WithClock(c timecache.Clock) Option {
	return func(l *Logic) { l.clock = c }
}

type globalClock struct{}

func (globalClock) Now() time.Time { return timecache.Now() }

var _ frontend.TrackerLogic = &Logic{}

// NewLogic creates a new instance of a TrackerLogic backed by store that
// executes the provided middleware hooks around every Announce.
func NewLogic(provided Config, store storage.Store, preHooks, postHooks []Hook, opts ...Option) *Logic {
	cfg := provided.Validate()

	l := &Logic{
		cfg:   cfg,
		store: store,
		clock: globalClock{},
	}
	for _, opt := range opts {
		opt(l)
	}

	l.preHooks = append([]Hook{validationHook{}}, preHooks...)
	l.preHooks = append(l.preHooks, &swarmInteractionHook{store: store})
	l.postHooks = append(append([]Hook{}, postHooks...), logHook{})

	return l
}

// Logic is an implementation of the TrackerLogic that functions by
// executing a series of middleware hooks.
type Logic struct {
	cfg       Config
	store     storage.Store
	clock     timecache.Clock
	preHooks  []Hook
	postHooks []Hook
}

// RegisterTorrent validates files and stores them as a new torrent.
func (l *Logic) RegisterTorrent(ctx context.Context, files []bittorrent.File) (bittorrent.TorrentID, error) {
	if err := bittorrent.ValidateFiles(files); err != nil {
		return "", err
	}

	t := bittorrent.Torrent{ID: bittorrent.NewTorrentID(), Files: files}
	if err := l.store.PutTorrent(ctx, t); err != nil {
		return "", err
	}

	log.Debug("registered torrent", t)
	return t.ID, nil
}

// Torrent returns the catalog record of a torrent.
func (l *Logic) Torrent(ctx context.Context, id bittorrent.TorrentID) (bittorrent.Torrent, error) {
	return l.store.Torrent(ctx, id)
}

// UpdateTorrent replaces the files of an existing torrent.
func (l *Logic) UpdateTorrent(ctx context.Context, t bittorrent.Torrent) error {
	if err := bittorrent.ValidateFiles(t.Files); err != nil {
		return err
	}
	return l.store.UpdateTorrent(ctx, t)
}

// DeleteTorrent removes a torrent from the catalog. Peers keep announcing
// its pieces until they stop on their own.
func (l *Logic) DeleteTorrent(ctx context.Context, id bittorrent.TorrentID) error {
	return l.store.DeleteTorrent(ctx, id)
}

// RegisterPeer creates a peer reachable at addr that has never been live and
// holds nothing.
func (l *Logic) RegisterPeer(ctx context.Context, addr netip.AddrPort) (bittorrent.PeerID, error) {
	addr, err := bittorrent.SanitizeAddrPort(addr)
	if err != nil {
		return "", err
	}

	p := bittorrent.Peer{ID: bittorrent.NewPeerID(), AddrPort: addr}
	if err := l.store.PutPeer(ctx, p); err != nil {
		return "", err
	}

	log.Debug("registered peer", p)
	return p.ID, nil
}

// Peer returns the registry record of a peer.
func (l *Logic) Peer(ctx context.Context, id bittorrent.PeerID) (bittorrent.Peer, error) {
	return l.store.Peer(ctx, id)
}

// RemovePeer deletes a peer and withdraws it from every piece it announced.
func (l *Logic) RemovePeer(ctx context.Context, id bittorrent.PeerID) error {
	return l.store.DeletePeer(ctx, id)
}

// AddPeerTraffic adds to the transfer counters of a peer.
func (l *Logic) AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error {
	return l.store.AddPeerTraffic(ctx, id, downloaded, uploaded)
}

// HandleAnnounce generates a response for an Announce.
//
// The request is validated first and the store is only touched by the last
// hook, so a request rejected by any hook changes nothing.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (_ context.Context, resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Interval:    l.cfg.AnnounceInterval,
		MinInterval: l.cfg.MinAnnounceInterval,
		LiveUntil:   l.clock.Now().Add(l.cfg.PeerLifetime),
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	log.Debug("generated announce response", resp)
	return ctx, resp, nil
}

// AfterAnnounce does something with the results of an Announce after it has
// been completed.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", log.Err(err))
			return
		}
	}
}

// ReapExpiredPeers removes every peer that has not been live for longer than
// retention and returns how many were removed.
//
// A peer that announces between being listed and being removed is kept:
// the store checks its expiry again under the same lock as the removal.
func (l *Logic) ReapExpiredPeers(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := l.clock.Now().Add(-retention)
	ids, err := l.store.PeersExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var removed int
	for _, id := range ids {
		deleted, err := l.store.DeletePeerIfExpired(ctx, id, cutoff)
		if errors.Is(err, storage.ErrResourceDoesNotExist) {
			continue
		} else if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}

	log.Info("reaped expired peers", log.Fields{
		"cutoff":  cutoff,
		"listed":  len(ids),
		"removed": removed,
	})
	return removed, nil
}

// Stop stops the Logic.
//
// This stops any hooks that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, hook := range l.preHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	for _, hook := range l.postHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	return stopGroup.Stop()
}
