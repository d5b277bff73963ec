package storage

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/chihaya/piecetracker/bittorrent"
)

// UnixNano encodes t for persistence. The zero time, which marks a peer that
// never announced, encodes as 0.
func UnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromUnixNano decodes a value produced by UnixNano.
func FromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// PeerRecord is the flat form of a Peer persisted by the durable drivers.
type PeerRecord struct {
	ID         string          `json:"id"`
	IP         string          `json:"ip"`
	Port       uint16          `json:"port"`
	LiveUntil  int64           `json:"live_until"`
	Downloaded uint64          `json:"downloaded"`
	Uploaded   uint64          `json:"uploaded"`
	Torrents   json.RawMessage `json:"torrents"`
}

// EncodePeer flattens p into a PeerRecord.
func EncodePeer(p bittorrent.Peer) (PeerRecord, error) {
	m := p.Torrents
	if m == nil {
		m = bittorrent.Membership{}
	}
	torrents, err := json.Marshal(m)
	if err != nil {
		return PeerRecord{}, err
	}

	return PeerRecord{
		ID:         string(p.ID),
		IP:         p.AddrPort.Addr().String(),
		Port:       p.AddrPort.Port(),
		LiveUntil:  UnixNano(p.LiveUntil),
		Downloaded: p.Downloaded,
		Uploaded:   p.Uploaded,
		Torrents:   torrents,
	}, nil
}

// Decode restores the Peer a PeerRecord was made from.
func (r PeerRecord) Decode() (bittorrent.Peer, error) {
	addr, err := r.AddrPort()
	if err != nil {
		return bittorrent.Peer{}, err
	}

	var m bittorrent.Membership
	if len(r.Torrents) > 0 {
		if err := json.Unmarshal(r.Torrents, &m); err != nil {
			return bittorrent.Peer{}, err
		}
	}

	return bittorrent.Peer{
		ID:         bittorrent.PeerID(r.ID),
		AddrPort:   addr,
		LiveUntil:  FromUnixNano(r.LiveUntil),
		Downloaded: r.Downloaded,
		Uploaded:   r.Uploaded,
		Torrents:   m,
	}, nil
}

// AddrPort parses the address of the record.
func (r PeerRecord) AddrPort() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(r.IP)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, r.Port), nil
}

// Endpoint returns the bucket view of the record.
func (r PeerRecord) Endpoint() (bittorrent.Endpoint, error) {
	addr, err := r.AddrPort()
	if err != nil {
		return bittorrent.Endpoint{}, err
	}
	return bittorrent.Endpoint{
		ID:        bittorrent.PeerID(r.ID),
		AddrPort:  addr,
		LiveUntil: FromUnixNano(r.LiveUntil),
	}, nil
}
