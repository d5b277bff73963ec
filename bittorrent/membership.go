package bittorrent

import (
	"fmt"
	"sort"
)

// FileMembership lists the pieces of one file a peer currently holds.
type FileMembership struct {
	Filename     string   `json:"filename"`
	PieceIndexes []uint32 `json:"pieceIndexes"`
}

// TorrentMembership lists the files of one torrent a peer currently holds
// pieces of.
type TorrentMembership struct {
	TorrentID TorrentID        `json:"torrentId"`
	Files     []FileMembership `json:"files"`
}

// Membership is the complete snapshot of the pieces a peer holds.
//
// Every Announce carries a full Membership which supersedes the previous
// one.
type Membership []TorrentMembership

// PieceKey identifies a single piece of a file within a torrent and thereby
// the availability bucket of that piece.
type PieceKey struct {
	TorrentID TorrentID
	Filename  string
	Index     uint32
}

// String implements fmt.Stringer for a PieceKey.
func (k PieceKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.TorrentID, k.Filename, k.Index)
}

// Less orders PieceKeys by torrent, filename and then index.
func (k PieceKey) Less(x PieceKey) bool {
	if k.TorrentID != x.TorrentID {
		return k.TorrentID < x.TorrentID
	}
	if k.Filename != x.Filename {
		return k.Filename < x.Filename
	}
	return k.Index < x.Index
}

// Keys flattens the Membership into the set of PieceKeys it covers.
// Duplicate entries collapse.
func (m Membership) Keys() map[PieceKey]struct{} {
	keys := make(map[PieceKey]struct{})
	for _, t := range m {
		for _, f := range t.Files {
			for _, idx := range f.PieceIndexes {
				keys[PieceKey{TorrentID: t.TorrentID, Filename: f.Filename, Index: idx}] = struct{}{}
			}
		}
	}
	return keys
}

// SortedKeys returns the PieceKeys covered by the Membership in ascending
// order.
func (m Membership) SortedKeys() []PieceKey {
	return sortKeys(m.Keys())
}

// Diff compares the Membership against the next snapshot of the same peer.
//
// removed holds the keys only present in m, added the keys only present in
// next. Keys present in both are in neither result. Both results are
// sorted.
func (m Membership) Diff(next Membership) (removed, added []PieceKey) {
	prev := m.Keys()
	cur := next.Keys()

	gone := make(map[PieceKey]struct{})
	for k := range prev {
		if _, ok := cur[k]; !ok {
			gone[k] = struct{}{}
		}
	}

	fresh := make(map[PieceKey]struct{})
	for k := range cur {
		if _, ok := prev[k]; !ok {
			fresh[k] = struct{}{}
		}
	}

	return sortKeys(gone), sortKeys(fresh)
}

func sortKeys(set map[PieceKey]struct{}) []PieceKey {
	keys := make([]PieceKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Clone returns a deep copy of the Membership.
func (m Membership) Clone() Membership {
	if m == nil {
		return nil
	}
	c := make(Membership, len(m))
	for i, t := range m {
		c[i] = TorrentMembership{TorrentID: t.TorrentID, Files: make([]FileMembership, len(t.Files))}
		for j, f := range t.Files {
			c[i].Files[j] = FileMembership{
				Filename:     f.Filename,
				PieceIndexes: append(make([]uint32, 0, len(f.PieceIndexes)), f.PieceIndexes...),
			}
		}
	}
	return c
}
