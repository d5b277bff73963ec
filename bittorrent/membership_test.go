package bittorrent

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func key(tid, filename string, idx uint32) PieceKey {
	return PieceKey{TorrentID: TorrentID(tid), Filename: filename, Index: idx}
}

func TestMembershipKeys(t *testing.T) {
	m := Membership{
		{TorrentID: "t1", Files: []FileMembership{
			{Filename: "a.bin", PieceIndexes: []uint32{0, 1, 1}},
			{Filename: "b.bin", PieceIndexes: []uint32{}},
		}},
		{TorrentID: "t1", Files: []FileMembership{
			{Filename: "a.bin", PieceIndexes: []uint32{1, 2}},
		}},
		{TorrentID: "t2", Files: []FileMembership{}},
	}

	require.Equal(t, []PieceKey{
		key("t1", "a.bin", 0),
		key("t1", "a.bin", 1),
		key("t1", "a.bin", 2),
	}, m.SortedKeys())
}

func TestMembershipDiff(t *testing.T) {
	var table = []struct {
		name    string
		prev    Membership
		next    Membership
		removed []PieceKey
		added   []PieceKey
	}{
		{
			name:    "from nothing",
			prev:    nil,
			next:    Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{3, 1}}}}},
			removed: []PieceKey{},
			added:   []PieceKey{key("t", "f", 1), key("t", "f", 3)},
		},
		{
			name:    "to nothing",
			prev:    Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{1}}}}},
			next:    Membership{},
			removed: []PieceKey{key("t", "f", 1)},
			added:   []PieceKey{},
		},
		{
			name:    "overlap is untouched",
			prev:    Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{1, 2}}}}},
			next:    Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{2, 3}}}}},
			removed: []PieceKey{key("t", "f", 1)},
			added:   []PieceKey{key("t", "f", 3)},
		},
		{
			name:    "disjoint torrents",
			prev:    Membership{{TorrentID: "a", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{0}}}}},
			next:    Membership{{TorrentID: "b", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{0}}}}},
			removed: []PieceKey{key("a", "f", 0)},
			added:   []PieceKey{key("b", "f", 0)},
		},
		{
			name:    "identical",
			prev:    Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{0, 1}}}}},
			next:    Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f", PieceIndexes: []uint32{1, 0}}}}},
			removed: []PieceKey{},
			added:   []PieceKey{},
		},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			removed, added := tt.prev.Diff(tt.next)
			require.Equal(t, tt.removed, removed)
			require.Equal(t, tt.added, added)
		})
	}
}

func TestLiveness(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Peer{
		ID:       "p",
		AddrPort: netip.MustParseAddrPort("10.0.0.1:6881"),
	}

	require.False(t, p.IsLive(now), "a new peer is not live")

	p.LiveUntil = now.Add(time.Second)
	require.True(t, p.IsLive(now))
	require.True(t, p.Endpoint().IsLive(now))

	require.False(t, p.IsLive(now.Add(time.Second)), "liveUntil == now is expired")
	require.False(t, p.Endpoint().IsLive(now.Add(time.Minute)))
}

func TestEndpointPeerAddr(t *testing.T) {
	e := Endpoint{ID: "p", AddrPort: netip.MustParseAddrPort("[fc00::1]:7000")}
	require.Equal(t, PeerAddr{IP: "fc00::1", Port: 7000, PeerID: "p"}, e.PeerAddr())
}
