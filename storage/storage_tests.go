package storage

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/piecetracker/bittorrent"
)

// base is the instant all LiveUntil values of the suite are relative to.
// Stores never read a clock themselves.
var base = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

func testTorrent() bittorrent.Torrent {
	return bittorrent.Torrent{
		ID: bittorrent.NewTorrentID(),
		Files: []bittorrent.File{
			{Filename: "a.bin", Size: 3072, Pieces: []bittorrent.Piece{
				{Index: 0, Size: 1024, Hash: "a0"},
				{Index: 1, Size: 1024, Hash: "a1"},
				{Index: 2, Size: 1024, Hash: "a2"},
			}},
			{Filename: "dir/b.bin", Size: 10, Pieces: []bittorrent.Piece{
				{Index: 0, Size: 10, Hash: "b0"},
			}},
		},
	}
}

func newPeer(t *testing.T, s PeerStore, addr string) bittorrent.Peer {
	p := bittorrent.Peer{
		ID:       bittorrent.NewPeerID(),
		AddrPort: netip.MustParseAddrPort(addr),
	}
	require.Nil(t, s.PutPeer(context.Background(), p))
	return p
}

func membership(tid bittorrent.TorrentID, filename string, indexes ...uint32) bittorrent.Membership {
	return bittorrent.Membership{{
		TorrentID: tid,
		Files:     []bittorrent.FileMembership{{Filename: filename, PieceIndexes: indexes}},
	}}
}

func pieceKey(tid bittorrent.TorrentID, filename string, idx uint32) bittorrent.PieceKey {
	return bittorrent.PieceKey{TorrentID: tid, Filename: filename, Index: idx}
}

// holderIDs returns the sorted IDs of the bucket members of key.
func holderIDs(t *testing.T, s PeerStore, key bittorrent.PieceKey) []bittorrent.PeerID {
	buckets, err := s.PieceHolders(context.Background(), []bittorrent.PieceKey{key})
	require.Nil(t, err)
	require.Len(t, buckets, 1)

	ids := make([]bittorrent.PeerID, 0, len(buckets[0]))
	for _, e := range buckets[0] {
		ids = append(ids, e.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedIDs(ids ...bittorrent.PeerID) []bittorrent.PeerID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TestStore tests a Store implementation against the interface and stops
// it afterwards.
func TestStore(t *testing.T, s Store) {
	t.Run("TorrentCatalog", func(t *testing.T) { testTorrentStore(t, s) })
	t.Run("PeerRegistry", func(t *testing.T) { testPeerRegistry(t, s) })
	t.Run("Announce", func(t *testing.T) { testAnnounce(t, s) })
	t.Run("DisjointReannounce", func(t *testing.T) { testDisjointReannounce(t, s) })
	t.Run("DeletePeer", func(t *testing.T) { testDeletePeer(t, s) })
	t.Run("DeletePeerIfExpired", func(t *testing.T) { testDeletePeerIfExpired(t, s) })
	t.Run("PieceKeyBoundaries", func(t *testing.T) { testPieceKeyBoundaries(t, s) })
	t.Run("PieceHolders", func(t *testing.T) { testPieceHolders(t, s) })
	t.Run("PeersExpiredBefore", func(t *testing.T) { testPeersExpiredBefore(t, s) })
	t.Run("ConcurrentAnnounces", func(t *testing.T) { testConcurrentAnnounces(t, s) })

	require.Empty(t, s.Stop().Wait())
}

func testTorrentStore(t *testing.T, s TorrentStore) {
	ctx := context.Background()
	tr := testTorrent()

	_, err := s.Torrent(ctx, tr.ID)
	require.Equal(t, ErrResourceDoesNotExist, err)
	require.Equal(t, ErrResourceDoesNotExist, s.UpdateTorrent(ctx, tr))
	require.Equal(t, ErrResourceDoesNotExist, s.DeleteTorrent(ctx, tr.ID))

	require.Nil(t, s.PutTorrent(ctx, tr))
	require.Equal(t, ErrResourceExists, s.PutTorrent(ctx, tr))

	got, err := s.Torrent(ctx, tr.ID)
	require.Nil(t, err)
	require.Equal(t, tr, got, "files and pieces keep their order")

	updated := tr
	updated.Files = []bittorrent.File{{Filename: "c.bin", Size: 1, Pieces: []bittorrent.Piece{{Index: 7, Size: 1, Hash: "c7"}}}}
	require.Nil(t, s.UpdateTorrent(ctx, updated))

	got, err = s.Torrent(ctx, tr.ID)
	require.Nil(t, err)
	require.Equal(t, updated, got)

	require.Nil(t, s.DeleteTorrent(ctx, tr.ID))
	_, err = s.Torrent(ctx, tr.ID)
	require.Equal(t, ErrResourceDoesNotExist, err)
	require.Equal(t, ErrResourceDoesNotExist, s.DeleteTorrent(ctx, tr.ID))
}

func testPeerRegistry(t *testing.T, s PeerStore) {
	ctx := context.Background()

	_, err := s.Peer(ctx, bittorrent.NewPeerID())
	require.Equal(t, ErrResourceDoesNotExist, err)
	require.Equal(t, ErrResourceDoesNotExist, s.AddPeerTraffic(ctx, bittorrent.NewPeerID(), 1, 1))

	p := newPeer(t, s, "10.0.0.1:6881")
	require.Equal(t, ErrResourceExists, s.PutPeer(ctx, p))

	got, err := s.Peer(ctx, p.ID)
	require.Nil(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.AddrPort, got.AddrPort)
	require.True(t, got.LiveUntil.IsZero(), "a registered peer has never been live")
	require.False(t, got.IsLive(base))
	require.Empty(t, got.Torrents)
	require.Zero(t, got.Downloaded)
	require.Zero(t, got.Uploaded)

	require.Nil(t, s.AddPeerTraffic(ctx, p.ID, 100, 7))
	require.Nil(t, s.AddPeerTraffic(ctx, p.ID, 1, 3))
	got, err = s.Peer(ctx, p.ID)
	require.Nil(t, err)
	require.Equal(t, uint64(101), got.Downloaded)
	require.Equal(t, uint64(10), got.Uploaded)

	v6 := newPeer(t, s, "[2001:db8::7]:7000")
	got, err = s.Peer(ctx, v6.ID)
	require.Nil(t, err)
	require.Equal(t, v6.AddrPort, got.AddrPort)
}

func testAnnounce(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()

	unknown := bittorrent.NewPeerID()
	err := s.AnnouncePeer(ctx, unknown, netip.MustParseAddrPort("10.0.0.9:1"), membership(tid, "f", 0), base)
	require.Equal(t, ErrResourceDoesNotExist, err)
	require.Empty(t, holderIDs(t, s, pieceKey(tid, "f", 0)), "a failed announce writes nothing")

	p := newPeer(t, s, "10.0.0.1:6881")
	require.Nil(t, s.AddPeerTraffic(ctx, p.ID, 5, 6))

	liveUntil := base.Add(5 * time.Minute)
	m := membership(tid, "f", 0, 1)
	newAddr := netip.MustParseAddrPort("10.0.0.2:7000")
	require.Nil(t, s.AnnouncePeer(ctx, p.ID, newAddr, m, liveUntil))

	got, err := s.Peer(ctx, p.ID)
	require.Nil(t, err)
	require.Equal(t, newAddr, got.AddrPort)
	require.True(t, got.LiveUntil.Equal(liveUntil))
	require.Equal(t, m.SortedKeys(), got.Torrents.SortedKeys())
	require.Equal(t, uint64(5), got.Downloaded, "announce leaves counters untouched")
	require.Equal(t, uint64(6), got.Uploaded)

	buckets, err := s.PieceHolders(ctx, []bittorrent.PieceKey{pieceKey(tid, "f", 0), pieceKey(tid, "f", 1)})
	require.Nil(t, err)
	require.Len(t, buckets, 2)
	for _, b := range buckets {
		require.Len(t, b, 1)
		require.Equal(t, p.ID, b[0].ID)
		require.Equal(t, newAddr, b[0].AddrPort)
		require.True(t, b[0].LiveUntil.Equal(liveUntil))
	}

	// Overlapping re-announce with a new address: the shared bucket keeps
	// the peer and reports its new address.
	later := liveUntil.Add(time.Minute)
	movedAddr := netip.MustParseAddrPort("[2001:db8::1]:7001")
	require.Nil(t, s.AnnouncePeer(ctx, p.ID, movedAddr, membership(tid, "f", 1, 2), later))

	require.Empty(t, holderIDs(t, s, pieceKey(tid, "f", 0)))
	require.Equal(t, []bittorrent.PeerID{p.ID}, holderIDs(t, s, pieceKey(tid, "f", 2)))

	buckets, err = s.PieceHolders(ctx, []bittorrent.PieceKey{pieceKey(tid, "f", 1)})
	require.Nil(t, err)
	require.Len(t, buckets[0], 1)
	require.Equal(t, movedAddr, buckets[0][0].AddrPort)
	require.True(t, buckets[0][0].LiveUntil.Equal(later))

	// Announcing nothing leaves every bucket.
	require.Nil(t, s.AnnouncePeer(ctx, p.ID, movedAddr, bittorrent.Membership{}, later))
	for _, idx := range []uint32{0, 1, 2} {
		require.Empty(t, holderIDs(t, s, pieceKey(tid, "f", idx)))
	}
}

func testDisjointReannounce(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tr := testTorrent()
	p := newPeer(t, s, "10.0.0.3:6881")

	first := bittorrent.Membership{{TorrentID: tr.ID, Files: []bittorrent.FileMembership{
		{Filename: "a.bin", PieceIndexes: []uint32{0, 1}},
		{Filename: "dir/b.bin", PieceIndexes: []uint32{0}},
	}}}
	second := membership(tr.ID, "a.bin", 2)

	require.Nil(t, s.AnnouncePeer(ctx, p.ID, p.AddrPort, first, base.Add(time.Minute)))
	require.Nil(t, s.AnnouncePeer(ctx, p.ID, p.AddrPort, second, base.Add(2*time.Minute)))

	for _, k := range first.SortedKeys() {
		require.Empty(t, holderIDs(t, s, k), "no residual presence in %s", k)
	}
	require.Equal(t, []bittorrent.PeerID{p.ID}, holderIDs(t, s, pieceKey(tr.ID, "a.bin", 2)))
}

func testDeletePeer(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()

	require.Equal(t, ErrResourceDoesNotExist, s.DeletePeer(ctx, bittorrent.NewPeerID()))

	p := newPeer(t, s, "10.0.0.4:6881")
	other := newPeer(t, s, "10.0.0.5:6881")
	require.Nil(t, s.AnnouncePeer(ctx, p.ID, p.AddrPort, membership(tid, "f", 0, 1), base.Add(time.Minute)))
	require.Nil(t, s.AnnouncePeer(ctx, other.ID, other.AddrPort, membership(tid, "f", 1), base.Add(time.Minute)))

	require.Nil(t, s.DeletePeer(ctx, p.ID))

	_, err := s.Peer(ctx, p.ID)
	require.Equal(t, ErrResourceDoesNotExist, err)
	require.Equal(t, ErrResourceDoesNotExist, s.DeletePeer(ctx, p.ID))
	require.Equal(t, ErrResourceDoesNotExist, s.AnnouncePeer(ctx, p.ID, p.AddrPort, bittorrent.Membership{}, base))

	require.Empty(t, holderIDs(t, s, pieceKey(tid, "f", 0)))
	require.Equal(t, []bittorrent.PeerID{other.ID}, holderIDs(t, s, pieceKey(tid, "f", 1)))
}

func testDeletePeerIfExpired(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()
	cutoff := base.Add(time.Minute)

	_, err := s.DeletePeerIfExpired(ctx, bittorrent.NewPeerID(), cutoff)
	require.Equal(t, ErrResourceDoesNotExist, err)

	stale := newPeer(t, s, "10.0.0.6:6881")
	revived := newPeer(t, s, "10.0.0.7:6881")
	require.Nil(t, s.AnnouncePeer(ctx, stale.ID, stale.AddrPort, membership(tid, "f", 0), cutoff))
	require.Nil(t, s.AnnouncePeer(ctx, revived.ID, revived.AddrPort, membership(tid, "f", 0), base))

	ids, err := s.PeersExpiredBefore(ctx, cutoff)
	require.Nil(t, err)
	require.Contains(t, ids, revived.ID)

	// revived announces after being listed.
	require.Nil(t, s.AnnouncePeer(ctx, revived.ID, revived.AddrPort, membership(tid, "f", 0), base.Add(time.Hour)))

	deleted, err := s.DeletePeerIfExpired(ctx, revived.ID, cutoff)
	require.Nil(t, err)
	require.False(t, deleted)
	_, err = s.Peer(ctx, revived.ID)
	require.Nil(t, err)

	deleted, err = s.DeletePeerIfExpired(ctx, stale.ID, cutoff)
	require.Nil(t, err)
	require.True(t, deleted, "liveUntil equal to the cutoff is expired")
	_, err = s.Peer(ctx, stale.ID)
	require.Equal(t, ErrResourceDoesNotExist, err)

	require.Equal(t, []bittorrent.PeerID{revived.ID}, holderIDs(t, s, pieceKey(tid, "f", 0)))
}

// testPieceKeyBoundaries checks that torrent IDs and filenames containing
// separators and digits never share a bucket with a different piece.
func testPieceKeyBoundaries(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()

	p := newPeer(t, s, "10.0.0.8:6881")
	require.Nil(t, s.AnnouncePeer(ctx, p.ID, p.AddrPort, membership(tid+":2:a", "b", 3), base.Add(time.Hour)))

	require.Equal(t, []bittorrent.PeerID{p.ID}, holderIDs(t, s, pieceKey(tid+":2:a", "b", 3)))
	require.Empty(t, holderIDs(t, s, pieceKey(tid, "a:3:b", 2)))
	require.Empty(t, holderIDs(t, s, pieceKey(tid+":2", "a:b", 3)))
	require.Empty(t, holderIDs(t, s, pieceKey(tid+":2:a:b", "", 3)))
}

func testPieceHolders(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()

	live := newPeer(t, s, "10.0.1.1:1000")
	expired := newPeer(t, s, "10.0.1.2:1000")
	require.Nil(t, s.AnnouncePeer(ctx, live.ID, live.AddrPort, membership(tid, "f", 0, 1), base.Add(time.Hour)))
	require.Nil(t, s.AnnouncePeer(ctx, expired.ID, expired.AddrPort, membership(tid, "f", 0), base.Add(-time.Hour)))

	keys := []bittorrent.PieceKey{
		pieceKey(tid, "f", 9),
		pieceKey(tid, "f", 0),
		pieceKey(tid, "f", 1),
		pieceKey(tid, "other", 0),
		pieceKey(tid, "f", 0),
	}
	buckets, err := s.PieceHolders(ctx, keys)
	require.Nil(t, err)
	require.Len(t, buckets, len(keys))

	require.Empty(t, buckets[0])
	require.Len(t, buckets[1], 2, "expired holders are still returned")
	require.Len(t, buckets[2], 1)
	require.Equal(t, live.ID, buckets[2][0].ID)
	require.Empty(t, buckets[3])
	require.Len(t, buckets[4], 2)

	byID := make(map[bittorrent.PeerID]bittorrent.Endpoint)
	for _, e := range buckets[1] {
		byID[e.ID] = e
	}
	require.True(t, byID[live.ID].IsLive(base))
	require.False(t, byID[expired.ID].IsLive(base))

	buckets, err = s.PieceHolders(ctx, nil)
	require.Nil(t, err)
	require.Empty(t, buckets)
}

func testPeersExpiredBefore(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()

	// The store may hold peers of other subtests, so only the peers created
	// here are checked.
	soon := newPeer(t, s, "10.0.2.1:1")
	late := newPeer(t, s, "10.0.2.2:1")
	never := newPeer(t, s, "10.0.2.3:1")
	require.Nil(t, s.AnnouncePeer(ctx, soon.ID, soon.AddrPort, membership(tid, "f", 0), base.Add(time.Minute)))
	require.Nil(t, s.AnnouncePeer(ctx, late.ID, late.AddrPort, membership(tid, "f", 0), base.Add(10*time.Minute)))

	ids, err := s.PeersExpiredBefore(ctx, base.Add(5*time.Minute))
	require.Nil(t, err)

	found := make(map[bittorrent.PeerID]bool)
	for _, id := range ids {
		found[id] = true
	}
	require.True(t, found[soon.ID])
	require.True(t, found[never.ID])
	require.False(t, found[late.ID])

	ids, err = s.PeersExpiredBefore(ctx, base.Add(time.Minute))
	require.Nil(t, err)
	require.Contains(t, ids, soon.ID, "liveUntil equal to the cutoff is expired")
}

func testConcurrentAnnounces(t *testing.T, s PeerStore) {
	ctx := context.Background()
	tid := bittorrent.NewTorrentID()

	const (
		peers     = 4
		announces = 10
		pieces    = 8
	)

	ps := make([]bittorrent.Peer, peers)
	for i := range ps {
		ps[i] = newPeer(t, s, fmt.Sprintf("10.0.3.%d:2000", i+1))
	}

	var wg sync.WaitGroup
	errs := make(chan error, peers*announces*2)
	for _, p := range ps {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(p bittorrent.Peer, seed int64) {
				defer wg.Done()
				r := rand.New(rand.NewSource(seed))
				for i := 0; i < announces; i++ {
					var indexes []uint32
					for idx := uint32(0); idx < pieces; idx++ {
						if r.Intn(2) == 0 {
							indexes = append(indexes, idx)
						}
					}
					if indexes == nil {
						indexes = []uint32{}
					}
					errs <- s.AnnouncePeer(ctx, p.ID, p.AddrPort, membership(tid, "f", indexes...), base.Add(time.Minute))
				}
			}(p, int64(w))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Nil(t, err)
	}

	// Whatever announce won, every bucket agrees with the stored membership.
	want := make(map[bittorrent.PieceKey][]bittorrent.PeerID)
	for _, p := range ps {
		got, err := s.Peer(ctx, p.ID)
		require.Nil(t, err)
		for k := range got.Torrents.Keys() {
			want[k] = append(want[k], p.ID)
		}
	}
	for idx := uint32(0); idx < pieces; idx++ {
		k := pieceKey(tid, "f", idx)
		expected := sortedIDs(want[k]...)
		if len(expected) == 0 {
			require.Empty(t, holderIDs(t, s, k))
			continue
		}
		require.Equal(t, expected, holderIDs(t, s, k), "bucket %s", k)
	}
}
