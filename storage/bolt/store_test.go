package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/piecetracker/bittorrent"
	s "github.com/chihaya/piecetracker/storage"
)

func createNew(tb testing.TB) s.Store {
	st, err := New(Config{
		Path:                        filepath.Join(tb.TempDir(), "tracker.db"),
		PrometheusReportingInterval: 10 * time.Minute,
	})
	if err != nil {
		tb.Fatal(err)
	}
	return st
}

func TestStore(t *testing.T) { s.TestStore(t, createNew(t)) }

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	st, err := New(Config{Path: path})
	require.Nil(t, err)
	tr := bittorrent.Torrent{ID: "t", Files: []bittorrent.File{
		{Filename: "f", Size: 1, Pieces: []bittorrent.Piece{{Index: 0, Size: 1, Hash: "h"}}},
	}}
	require.Nil(t, st.PutTorrent(ctx, tr))
	require.Empty(t, st.Stop().Wait())

	st, err = New(Config{Path: path})
	require.Nil(t, err)
	got, err := st.Torrent(ctx, "t")
	require.Nil(t, err)
	require.Equal(t, tr, got)
	require.Empty(t, st.Stop().Wait())
}

func TestOpenTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	st, err := New(Config{Path: path})
	require.Nil(t, err)
	defer st.Stop()

	_, err = New(Config{Path: path, OpenTimeout: 50 * time.Millisecond})
	require.NotNil(t, err)
	require.IsType(t, &s.Error{}, err)
}

func TestSplitPrefix(t *testing.T) {
	k := bittorrent.PieceKey{TorrentID: "torrent", Filename: "dir/file", Index: 513}
	prefix := bucketPrefix(k)

	got, ok := splitPrefix(holderKey(k, "peer"))
	require.True(t, ok)
	require.Equal(t, prefix, got)

	_, ok = splitPrefix(prefix[:len(prefix)-1])
	require.False(t, ok)

	// Keys of distinct pieces never share a bucket prefix.
	other := bucketPrefix(bittorrent.PieceKey{TorrentID: "torrent", Filename: "dir/fil", Index: 513})
	require.NotEqual(t, prefix[:len(other)], other)
}

func TestStopped(t *testing.T) {
	st := createNew(t)
	require.Empty(t, st.Stop().Wait())
	require.Panics(t, func() { _, _ = st.Peer(context.Background(), "p") })
}

func BenchmarkAnnounce(b *testing.B)      { s.Announce(b, createNew(b)) }
func BenchmarkPieceHolders(b *testing.B)  { s.PieceHolders(b, createNew(b)) }
func BenchmarkPutDeletePeer(b *testing.B) { s.PutDeletePeer(b, createNew(b)) }
