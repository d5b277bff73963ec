package random

import (
	"hash/fnv"

	"github.com/chihaya/piecetracker/bittorrent"
)

// DeriveEntropyFromRequest generates 2*64 bits of pseudo random state from an
// AnnounceRequest.
//
// Calling DeriveEntropyFromRequest multiple times yields the same values.
func DeriveEntropyFromRequest(req *bittorrent.AnnounceRequest) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.PeerID))
	v0 := h.Sum64()

	_, _ = h.Write([]byte(req.AddrPort.String()))
	for _, t := range req.Torrents {
		_, _ = h.Write([]byte(t.TorrentID))
	}
	return v0, h.Sum64()
}
