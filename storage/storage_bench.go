package storage

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/chihaya/piecetracker/bittorrent"
)

type benchData struct {
	torrents [100]bittorrent.TorrentID
	peers    [1000]bittorrent.Peer
}

func generateBenchData() *benchData {
	bd := &benchData{}
	for i := range bd.torrents {
		bd.torrents[i] = bittorrent.TorrentID(fmt.Sprintf("torrent-%03d", i))
	}
	for i := range bd.peers {
		bd.peers[i] = bittorrent.Peer{
			ID:       bittorrent.PeerID(fmt.Sprintf("peer-%04d", i)),
			AddrPort: netip.AddrPortFrom(netip.AddrFrom4([4]byte{64, byte(i), byte(i >> 8), 64}), uint16(i+1)),
		}
	}
	return bd
}

// benchMembership covers a window of pieces of one torrent that shifts by
// one piece with every round.
func benchMembership(tid bittorrent.TorrentID, round, width int) bittorrent.Membership {
	indexes := make([]uint32, width)
	for i := range indexes {
		indexes[i] = uint32(round + i)
	}
	return bittorrent.Membership{{
		TorrentID: tid,
		Files:     []bittorrent.FileMembership{{Filename: "f", PieceIndexes: indexes}},
	}}
}

type executionFunc func(int, Store, *benchData) error
type setupFunc func(Store, *benchData) error

func runBenchmark(b *testing.B, s Store, sf setupFunc, ef executionFunc) {
	bd := generateBenchData()
	if sf != nil {
		if err := sf(s, bd); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ef(i, s, bd); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	if errs := s.Stop().Wait(); len(errs) != 0 {
		b.Fatal(errs)
	}
}

func putPeers(s Store, bd *benchData) error {
	for _, p := range bd.peers {
		if err := s.PutPeer(context.Background(), p); err != nil {
			return err
		}
	}
	return nil
}

// Announce benchmarks a single peer sliding over the pieces of one torrent.
func Announce(b *testing.B, s Store) {
	runBenchmark(b, s, putPeers, func(i int, s Store, bd *benchData) error {
		p := bd.peers[0]
		return s.AnnouncePeer(context.Background(), p.ID, p.AddrPort, benchMembership(bd.torrents[0], i, 64), time.Now().Add(time.Minute))
	})
}

// Announce1kPeers benchmarks many peers sliding over the pieces of many
// torrents.
func Announce1kPeers(b *testing.B, s Store) {
	runBenchmark(b, s, putPeers, func(i int, s Store, bd *benchData) error {
		p := bd.peers[i%1000]
		return s.AnnouncePeer(context.Background(), p.ID, p.AddrPort, benchMembership(bd.torrents[i%100], i/1000, 16), time.Now().Add(time.Minute))
	})
}

// PieceHolders benchmarks the lookup of a whole torrent's buckets.
func PieceHolders(b *testing.B, s Store) {
	const pieces = 256
	keys := make([]bittorrent.PieceKey, pieces)
	runBenchmark(b, s, func(s Store, bd *benchData) error {
		if err := putPeers(s, bd); err != nil {
			return err
		}
		for i := range keys {
			keys[i] = bittorrent.PieceKey{TorrentID: bd.torrents[0], Filename: "f", Index: uint32(i)}
		}
		for i, p := range bd.peers[:100] {
			err := s.AnnouncePeer(context.Background(), p.ID, p.AddrPort, benchMembership(bd.torrents[0], i, 64), time.Now().Add(time.Minute))
			if err != nil {
				return err
			}
		}
		return nil
	}, func(i int, s Store, bd *benchData) error {
		_, err := s.PieceHolders(context.Background(), keys)
		return err
	})
}

// PutDeletePeer benchmarks registering and removing a peer.
func PutDeletePeer(b *testing.B, s Store) {
	runBenchmark(b, s, nil, func(i int, s Store, bd *benchData) error {
		p := bd.peers[i%1000]
		if err := s.PutPeer(context.Background(), p); err != nil {
			return err
		}
		return s.DeletePeer(context.Background(), p.ID)
	})
}
