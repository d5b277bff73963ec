package middleware

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/storage"
)

func registerPeers(t *testing.T, l *Logic, addrs ...string) []bittorrent.PeerID {
	ids := make([]bittorrent.PeerID, len(addrs))
	for i, addr := range addrs {
		id, err := l.RegisterPeer(context.Background(), netip.MustParseAddrPort(addr))
		require.Nil(t, err)
		ids[i] = id
	}
	return ids
}

func TestFindAvailablePeersBeforeAnnounce(t *testing.T) {
	l, _ := newLogic(t)
	ctx := context.Background()

	tid, err := l.RegisterTorrent(ctx, files(3, 1, 4))
	require.Nil(t, err)
	registerPeers(t, l, "10.0.0.1:1")

	a, err := l.FindAvailablePeers(ctx, tid)
	require.Nil(t, err)
	require.Len(t, a, 3)
	require.Equal(t, 8, a.Missing())
	for i, n := range []int{3, 1, 4} {
		require.Equal(t, files(3, 1, 4)[i].Filename, a[i].Filename)
		require.Len(t, a[i].Pieces, n)
		for j, p := range a[i].Pieces {
			require.Equal(t, uint32(j), p.Index)
		}
	}

	_, err = l.FindAvailablePeers(ctx, "unknown")
	require.Equal(t, storage.ErrResourceDoesNotExist, err)
}

func TestAvailabilityExpires(t *testing.T) {
	l, clock := newLogic(t)
	ctx := context.Background()

	tid, err := l.RegisterTorrent(ctx, files(2))
	require.Nil(t, err)
	id := registerPeers(t, l, "10.0.0.1:6881")[0]

	_, _, err = l.HandleAnnounce(ctx, announce(id, "10.0.0.1:6881", holding(tid, "file-0", 1)))
	require.Nil(t, err)

	a, err := l.FindAvailablePeers(ctx, tid)
	require.Nil(t, err)
	require.Nil(t, a[0].Pieces[0].Peer)
	require.Equal(t, &bittorrent.PeerAddr{IP: "10.0.0.1", Port: 6881, PeerID: id}, a[0].Pieces[1].Peer)

	key := bittorrent.PieceKey{TorrentID: tid, Filename: "file-0", Index: 1}
	peers, err := l.FindPiecePeers(ctx, key)
	require.Nil(t, err)
	require.Len(t, peers, 1)

	clock.Advance(5*time.Minute - time.Nanosecond)
	peers, err = l.FindPiecePeers(ctx, key)
	require.Nil(t, err)
	require.Len(t, peers, 1, "live until the lifetime has fully passed")

	clock.Advance(time.Nanosecond)
	peers, err = l.FindPiecePeers(ctx, key)
	require.Nil(t, err)
	require.NotNil(t, peers)
	require.Empty(t, peers)

	a, err = l.FindAvailablePeers(ctx, tid)
	require.Nil(t, err)
	require.Equal(t, 2, a.Missing())
}

func TestTwoHolders(t *testing.T) {
	l, _ := newLogic(t)
	ctx := context.Background()

	tid, err := l.RegisterTorrent(ctx, files(1))
	require.Nil(t, err)
	ids := registerPeers(t, l, "10.0.0.1:1", "10.0.0.2:2")
	for i, id := range ids {
		addr := []string{"10.0.0.1:1", "10.0.0.2:2"}[i]
		_, _, err = l.HandleAnnounce(ctx, announce(id, addr, holding(tid, "file-0", 0)))
		require.Nil(t, err)
	}

	peers, err := l.FindPiecePeers(ctx, bittorrent.PieceKey{TorrentID: tid, Filename: "file-0", Index: 0})
	require.Nil(t, err)
	require.Len(t, peers, 2)
	require.ElementsMatch(t, ids, []bittorrent.PeerID{peers[0].PeerID, peers[1].PeerID})
	require.True(t, peers[0].PeerID < peers[1].PeerID)

	lowest := ids[0]
	if ids[1] < lowest {
		lowest = ids[1]
	}
	for i := 0; i < 5; i++ {
		a, err := l.FindAvailablePeers(ctx, tid)
		require.Nil(t, err)
		require.Equal(t, lowest, a[0].Pieces[0].Peer.PeerID)
	}
}

func TestDisjointReannounce(t *testing.T) {
	l, _ := newLogic(t)
	ctx := context.Background()

	tid, err := l.RegisterTorrent(ctx, files(4))
	require.Nil(t, err)
	id := registerPeers(t, l, "10.0.0.1:1")[0]

	_, _, err = l.HandleAnnounce(ctx, announce(id, "10.0.0.1:1", holding(tid, "file-0", 0, 1)))
	require.Nil(t, err)
	_, _, err = l.HandleAnnounce(ctx, announce(id, "10.0.0.1:1", holding(tid, "file-0", 2, 3)))
	require.Nil(t, err)

	for idx, held := range []bool{false, false, true, true} {
		peers, err := l.FindPiecePeers(ctx, bittorrent.PieceKey{TorrentID: tid, Filename: "file-0", Index: uint32(idx)})
		require.Nil(t, err)
		if held {
			require.Len(t, peers, 1)
		} else {
			require.Empty(t, peers)
		}
	}

	_, _, err = l.HandleAnnounce(ctx, announce(id, "10.0.0.1:1", bittorrent.Membership{}))
	require.Nil(t, err)
	a, err := l.FindAvailablePeers(ctx, tid)
	require.Nil(t, err)
	require.Equal(t, 4, a.Missing())
}

func TestFindPiecePeersQuery(t *testing.T) {
	l, _ := newLogic(t)
	ctx := context.Background()

	var table = []struct {
		name     string
		key      bittorrent.PieceKey
		expected error
	}{
		{"no torrent", bittorrent.PieceKey{Filename: "f"}, bittorrent.ErrInvalidPieceQuery},
		{"no filename", bittorrent.PieceKey{TorrentID: "t"}, bittorrent.ErrInvalidPieceQuery},
		{"torrent id too long", bittorrent.PieceKey{TorrentID: bittorrent.TorrentID(strings.Repeat("t", bittorrent.MaxIDLength+1)), Filename: "f"}, bittorrent.ErrInvalidPieceQuery},
		{"filename too long", bittorrent.PieceKey{TorrentID: "t", Filename: strings.Repeat("f", bittorrent.MaxFilenameLength+1)}, bittorrent.ErrInvalidPieceQuery},
		{"unknown torrent", bittorrent.PieceKey{TorrentID: "unknown", Filename: "f", Index: 7}, nil},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			peers, err := l.FindPiecePeers(ctx, tt.key)
			require.Equal(t, tt.expected, errors.Cause(err))
			if tt.expected == nil {
				require.NotNil(t, peers)
				require.Empty(t, peers)
			}
		})
	}
}

func TestSelectPeer(t *testing.T) {
	now := start
	live := now.Add(time.Second)
	endpoints := []bittorrent.Endpoint{
		{ID: "c", AddrPort: netip.MustParseAddrPort("10.0.0.3:3"), LiveUntil: live},
		{ID: "a", AddrPort: netip.MustParseAddrPort("10.0.0.1:1"), LiveUntil: now},
		{ID: "b", AddrPort: netip.MustParseAddrPort("10.0.0.2:2"), LiveUntil: live},
	}

	require.Equal(t, &bittorrent.PeerAddr{IP: "10.0.0.2", Port: 2, PeerID: "b"}, selectPeer(endpoints, now))
	require.Nil(t, selectPeer(endpoints, live))
	require.Nil(t, selectPeer(nil, now))
}
