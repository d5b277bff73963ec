package torrentapproval

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/piecetracker/bittorrent"
)

var cases = []struct {
	cfg      Config
	torrents []bittorrent.TorrentID
	approved bool
}{
	// Torrent is whitelisted
	{Config{Whitelist: []string{"a"}}, []bittorrent.TorrentID{"a"}, true},
	// Torrent is not whitelisted
	{Config{Whitelist: []string{"a"}}, []bittorrent.TorrentID{"b"}, false},
	// One of several torrents is not whitelisted
	{Config{Whitelist: []string{"a"}}, []bittorrent.TorrentID{"a", "b"}, false},
	// Torrent is not blacklisted
	{Config{Blacklist: []string{"a"}}, []bittorrent.TorrentID{"b"}, true},
	// Torrent is blacklisted
	{Config{Blacklist: []string{"a"}}, []bittorrent.TorrentID{"b", "a"}, false},
	// An empty membership covers no torrent
	{Config{Whitelist: []string{"a"}}, nil, true},
}

func TestHandleAnnounce(t *testing.T) {
	for _, tt := range cases {
		t.Run(fmt.Sprintf("%+v %v", tt.cfg, tt.torrents), func(t *testing.T) {
			h, err := NewHook(tt.cfg)
			require.Nil(t, err)

			ctx := context.Background()
			req := &bittorrent.AnnounceRequest{Torrents: bittorrent.Membership{}}
			for _, id := range tt.torrents {
				req.Torrents = append(req.Torrents, bittorrent.TorrentMembership{TorrentID: id})
			}
			resp := &bittorrent.AnnounceResponse{}

			nctx, err := h.HandleAnnounce(ctx, req, resp)
			require.Equal(t, ctx, nctx)
			if tt.approved {
				require.Nil(t, err)
			} else {
				require.Equal(t, ErrTorrentUnapproved, errors.Cause(err))
			}
		})
	}
}

func TestNewHookInvalid(t *testing.T) {
	_, err := NewHook(Config{Whitelist: []string{"a"}, Blacklist: []string{"b"}})
	require.NotNil(t, err)

	_, err = NewHook(Config{Whitelist: []string{""}})
	require.NotNil(t, err)
}
