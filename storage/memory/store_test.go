package memory

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/piecetracker/bittorrent"
	s "github.com/chihaya/piecetracker/storage"
)

func createNew() s.Store {
	st, err := New(Config{
		ShardCount:                  16,
		PrometheusReportingInterval: 10 * time.Minute,
	})
	if err != nil {
		panic(err)
	}
	return st
}

func TestStore(t *testing.T) { s.TestStore(t, createNew()) }

func TestSingleShard(t *testing.T) {
	st, err := New(Config{ShardCount: 1, PrometheusReportingInterval: time.Minute})
	require.Nil(t, err)
	s.TestStore(t, st)
}

func TestDriver(t *testing.T) {
	st, err := s.NewStore(Name, map[string]interface{}{"shard_count": 4})
	require.Nil(t, err)
	require.Equal(t, 4, st.(*store).cfg.ShardCount)
	require.Equal(t, defaultPrometheusReportingInterval, st.(*store).cfg.PrometheusReportingInterval)
	require.Empty(t, st.Stop().Wait())
}

func TestReturnedValuesAreCopies(t *testing.T) {
	st := createNew()
	defer st.Stop()
	ctx := context.Background()

	tr := bittorrent.Torrent{ID: "t", Files: []bittorrent.File{
		{Filename: "f", Size: 1, Pieces: []bittorrent.Piece{{Index: 0, Size: 1, Hash: "h"}}},
	}}
	require.Nil(t, st.PutTorrent(ctx, tr))
	tr.Files[0].Filename = "mutated"

	got, err := st.Torrent(ctx, "t")
	require.Nil(t, err)
	require.Equal(t, "f", got.Files[0].Filename)

	p := bittorrent.Peer{ID: "p", AddrPort: netip.MustParseAddrPort("10.0.0.1:1")}
	require.Nil(t, st.PutPeer(ctx, p))
	m := bittorrent.Membership{{TorrentID: "t", Files: []bittorrent.FileMembership{{Filename: "f", PieceIndexes: []uint32{0}}}}}
	require.Nil(t, st.AnnouncePeer(ctx, "p", p.AddrPort, m, time.Now()))
	m[0].Files[0].PieceIndexes[0] = 9

	peer, err := st.Peer(ctx, "p")
	require.Nil(t, err)
	require.Equal(t, []uint32{0}, peer.Torrents[0].Files[0].PieceIndexes)
}

func TestStopped(t *testing.T) {
	st := createNew()
	require.Empty(t, st.Stop().Wait())
	require.Panics(t, func() { _, _ = st.Torrent(context.Background(), "t") })
}

func BenchmarkAnnounce(b *testing.B)        { s.Announce(b, createNew()) }
func BenchmarkAnnounce1kPeers(b *testing.B) { s.Announce1kPeers(b, createNew()) }
func BenchmarkPieceHolders(b *testing.B)    { s.PieceHolders(b, createNew()) }
func BenchmarkPutDeletePeer(b *testing.B)   { s.PutDeletePeer(b, createNew()) }
