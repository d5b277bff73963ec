// Package bittorrent implements all of the abstractions used to decouple the
// transport of a piece tracker from the logic of registering torrents,
// handling Announces and answering piece availability queries.
package bittorrent

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/chihaya/piecetracker/pkg/log"
)

// TorrentID is the opaque identifier of a registered torrent.
type TorrentID string

// NewTorrentID generates a random TorrentID.
func NewTorrentID() TorrentID { return TorrentID(uuid.NewString()) }

// String implements fmt.Stringer for a TorrentID.
func (id TorrentID) String() string { return string(id) }

// PeerID is the opaque identifier of a registered peer.
type PeerID string

// NewPeerID generates a random PeerID.
func NewPeerID() PeerID { return PeerID(uuid.NewString()) }

// String implements fmt.Stringer for a PeerID.
func (id PeerID) String() string { return string(id) }

// Piece is a fixed-size, hash-identified chunk of a File.
type Piece struct {
	Index uint32 `json:"index"`
	Size  int64  `json:"size"`
	Hash  string `json:"hash"`
}

// File is a single file of a Torrent and the ordered list of its Pieces.
type File struct {
	Filename string  `json:"filename"`
	Size     int64   `json:"size"`
	Pieces   []Piece `json:"pieces"`
}

// Torrent is the metadata of a registered torrent.
//
// A Torrent is immutable after registration outside of administrative
// updates.
type Torrent struct {
	ID    TorrentID `json:"id"`
	Files []File    `json:"files"`
}

// PieceCount returns the number of pieces declared over all files.
func (t Torrent) PieceCount() (n int) {
	for _, f := range t.Files {
		n += len(f.Pieces)
	}
	return
}

// Clone returns a deep copy of the Torrent.
func (t Torrent) Clone() Torrent {
	c := Torrent{ID: t.ID, Files: make([]File, len(t.Files))}
	for i, f := range t.Files {
		c.Files[i] = File{
			Filename: f.Filename,
			Size:     f.Size,
			Pieces:   append(make([]Piece, 0, len(f.Pieces)), f.Pieces...),
		}
	}
	return c
}

// LogFields renders the current torrent as a set of log fields.
func (t Torrent) LogFields() log.Fields {
	return log.Fields{
		"id":     t.ID,
		"files":  len(t.Files),
		"pieces": t.PieceCount(),
	}
}

// Peer is the registry record of a peer.
type Peer struct {
	ID         PeerID         `json:"id"`
	AddrPort   netip.AddrPort `json:"addr"`
	LiveUntil  time.Time      `json:"live_until"`
	Downloaded uint64         `json:"downloaded"`
	Uploaded   uint64         `json:"uploaded"`
	Torrents   Membership     `json:"torrents"`
}

// IsLive reports whether the peer is live at the instant now.
func (p Peer) IsLive(now time.Time) bool { return p.LiveUntil.After(now) }

// Clone returns a deep copy of the Peer.
func (p Peer) Clone() Peer {
	p.Torrents = p.Torrents.Clone()
	return p
}

// Endpoint returns the view of the peer stored in availability buckets.
func (p Peer) Endpoint() Endpoint {
	return Endpoint{ID: p.ID, AddrPort: p.AddrPort, LiveUntil: p.LiveUntil}
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":         p.ID,
		"ip":         p.AddrPort.Addr(),
		"port":       p.AddrPort.Port(),
		"liveUntil":  p.LiveUntil,
		"downloaded": p.Downloaded,
		"uploaded":   p.Uploaded,
		"torrents":   len(p.Torrents),
	}
}

// Endpoint is a member of an availability bucket as seen by queries: its
// identity, its address and how long it stays live.
type Endpoint struct {
	ID        PeerID
	AddrPort  netip.AddrPort
	LiveUntil time.Time
}

// IsLive reports whether the endpoint is live at the instant now.
func (e Endpoint) IsLive(now time.Time) bool { return e.LiveUntil.After(now) }

// PeerAddr returns the address of the endpoint as returned to clients.
func (e Endpoint) PeerAddr() PeerAddr {
	return PeerAddr{
		PeerID: e.ID,
		IP:     e.AddrPort.Addr().String(),
		Port:   e.AddrPort.Port(),
	}
}

// PeerAddr is how a peer able to serve a piece is described to clients.
type PeerAddr struct {
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
	PeerID PeerID `json:"peerId"`
}

// ClientError represents an error that should be exposed to the client of
// the tracker.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
