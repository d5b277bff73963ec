package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chihaya/piecetracker/bittorrent"
)

// bucket is the set of peers holding one piece.
type bucket map[bittorrent.PeerID]*peerEntry

// indexShard holds the buckets of the torrents hashing to it.
type indexShard struct {
	buckets map[bittorrent.PieceKey]bucket
	sync.RWMutex
}

func (s *store) indexShardIndex(tid bittorrent.TorrentID) int {
	return shardOf(string(tid), len(s.indexShards))
}

// applyDiff removes e from the buckets of removed, adds it to the buckets of
// added and, if endpoint is non-nil, publishes it as e's endpoint.
//
// Every index shard involved is write-locked in ascending order for the
// duration, so readers observe the diff either entirely or not at all.
func (s *store) applyDiff(e *peerEntry, removed, added []bittorrent.PieceKey, endpoint *bittorrent.Endpoint) {
	involved := make(map[int]struct{})
	for _, k := range removed {
		involved[s.indexShardIndex(k.TorrentID)] = struct{}{}
	}
	for _, k := range added {
		involved[s.indexShardIndex(k.TorrentID)] = struct{}{}
	}
	order := make([]int, 0, len(involved))
	for i := range involved {
		order = append(order, i)
	}
	sort.Ints(order)

	for _, i := range order {
		s.indexShards[i].Lock()
	}
	defer func() {
		for j := len(order) - 1; j >= 0; j-- {
			s.indexShards[order[j]].Unlock()
		}
	}()

	id := e.record.ID
	if endpoint != nil {
		id = endpoint.ID
	}

	for _, k := range removed {
		shard := s.indexShards[s.indexShardIndex(k.TorrentID)]
		b, ok := shard.buckets[k]
		if !ok {
			continue
		}
		delete(b, id)
		if len(b) == 0 {
			delete(shard.buckets, k)
		}
	}

	for _, k := range added {
		shard := s.indexShards[s.indexShardIndex(k.TorrentID)]
		b, ok := shard.buckets[k]
		if !ok {
			b = make(bucket)
			shard.buckets[k] = b
		}
		b[id] = e
	}

	if endpoint != nil {
		e.endpoint.Store(endpoint)
	}
}

func (s *store) PieceHolders(ctx context.Context, keys []bittorrent.PieceKey) ([][]bittorrent.Endpoint, error) {
	s.panicIfClosed()

	holders := make([][]bittorrent.Endpoint, len(keys))
	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		shard := s.indexShards[s.indexShardIndex(k.TorrentID)]
		shard.RLock()
		b := shard.buckets[k]
		endpoints := make([]bittorrent.Endpoint, 0, len(b))
		for _, e := range b {
			endpoints = append(endpoints, *e.endpoint.Load())
		}
		shard.RUnlock()

		holders[i] = endpoints
	}
	return holders, nil
}
