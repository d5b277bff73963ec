// Package torrentapproval implements a Hook that fails an Announce based on a
// whitelist or blacklist of torrent IDs.
package torrentapproval

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "torrent approval"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %s", Name, err)
	}

	return NewHook(cfg)
}

// ErrTorrentUnapproved is the error returned when an Announce covers a
// torrent that is not approved.
var ErrTorrentUnapproved = bittorrent.ClientError("unapproved torrent")

// Config represents all the values required by this middleware to validate
// torrents based on their ID.
type Config struct {
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
}

type hook struct {
	approved   map[bittorrent.TorrentID]struct{}
	unapproved map[bittorrent.TorrentID]struct{}
}

// NewHook returns an instance of the torrent approval middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	h := &hook{
		approved:   make(map[bittorrent.TorrentID]struct{}),
		unapproved: make(map[bittorrent.TorrentID]struct{}),
	}

	if len(cfg.Whitelist) > 0 && len(cfg.Blacklist) > 0 {
		return nil, fmt.Errorf("using both whitelist and blacklist is invalid")
	}

	for _, id := range cfg.Whitelist {
		if id == "" {
			return nil, fmt.Errorf("whitelist: empty torrent id")
		}
		h.approved[bittorrent.TorrentID(id)] = struct{}{}
	}

	for _, id := range cfg.Blacklist {
		if id == "" {
			return nil, fmt.Errorf("blacklist: empty torrent id")
		}
		h.unapproved[bittorrent.TorrentID(id)] = struct{}{}
	}

	return h, nil
}

// HandleAnnounce rejects the whole Announce if any torrent it covers is
// unapproved.
func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	for _, t := range req.Torrents {
		if len(h.approved) > 0 {
			if _, found := h.approved[t.TorrentID]; !found {
				return ctx, errors.Wrap(ErrTorrentUnapproved, string(t.TorrentID))
			}
		}

		if len(h.unapproved) > 0 {
			if _, found := h.unapproved[t.TorrentID]; found {
				return ctx, errors.Wrap(ErrTorrentUnapproved, string(t.TorrentID))
			}
		}
	}

	return ctx, nil
}
