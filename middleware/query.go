package middleware

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/bittorrent"
)

// FindAvailablePeers selects one live peer for every piece of every file of a
// torrent.
//
// The slots follow the catalog record, so the answer covers every piece
// whether anyone announced it or not. A slot without a live holder has a nil
// Peer. Among several live holders the one with the lowest PeerID is
// selected, which keeps repeated answers stable.
func (l *Logic) FindAvailablePeers(ctx context.Context, id bittorrent.TorrentID) (bittorrent.Availability, error) {
	t, err := l.store.Torrent(ctx, id)
	if err != nil {
		return nil, err
	}

	keys := make([]bittorrent.PieceKey, 0, t.PieceCount())
	for _, f := range t.Files {
		for _, p := range f.Pieces {
			keys = append(keys, bittorrent.PieceKey{TorrentID: t.ID, Filename: f.Filename, Index: p.Index})
		}
	}

	holders, err := l.store.PieceHolders(ctx, keys)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	availability := make(bittorrent.Availability, 0, len(t.Files))
	var i int
	for _, f := range t.Files {
		fa := bittorrent.FileAvailability{
			Filename: f.Filename,
			Pieces:   make([]bittorrent.PieceAvailability, 0, len(f.Pieces)),
		}
		for _, p := range f.Pieces {
			fa.Pieces = append(fa.Pieces, bittorrent.PieceAvailability{
				Index: p.Index,
				Peer:  selectPeer(holders[i], now),
			})
			i++
		}
		availability = append(availability, fa)
	}

	return availability, nil
}

// selectPeer returns the live endpoint with the lowest PeerID, or nil.
func selectPeer(endpoints []bittorrent.Endpoint, now time.Time) *bittorrent.PeerAddr {
	var best *bittorrent.Endpoint
	for i, e := range endpoints {
		if !e.IsLive(now) {
			continue
		}
		if best == nil || e.ID < best.ID {
			best = &endpoints[i]
		}
	}
	if best == nil {
		return nil
	}

	addr := best.PeerAddr()
	return &addr
}

// FindPiecePeers returns every live peer holding a piece, ordered by PeerID.
//
// A piece nobody holds, including one of an unknown torrent, yields an empty
// list.
func (l *Logic) FindPiecePeers(ctx context.Context, key bittorrent.PieceKey) ([]bittorrent.PeerAddr, error) {
	if key.TorrentID == "" || key.Filename == "" {
		return nil, errors.Wrap(bittorrent.ErrInvalidPieceQuery, "missing torrentId or filename")
	}
	if len(key.TorrentID) > bittorrent.MaxIDLength || len(key.Filename) > bittorrent.MaxFilenameLength {
		return nil, errors.Wrap(bittorrent.ErrInvalidPieceQuery, "torrentId or filename too long")
	}

	holders, err := l.store.PieceHolders(ctx, []bittorrent.PieceKey{key})
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	peers := make([]bittorrent.PeerAddr, 0, len(holders[0]))
	for _, e := range holders[0] {
		if e.IsLive(now) {
			peers = append(peers, e.PeerAddr())
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })

	return peers, nil
}
