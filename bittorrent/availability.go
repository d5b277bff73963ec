package bittorrent

import "encoding/json"

// ErrInvalidPieceQuery indicates a piece lookup missing its torrent, file or
// piece index.
var ErrInvalidPieceQuery = ClientError("invalid piece query")

// PieceAvailability is one slot of an availability answer: a piece and the
// peer selected to serve it, if any.
type PieceAvailability struct {
	Index uint32
	Peer  *PeerAddr
}

type pieceAvailabilityJSON struct {
	Index  uint32  `json:"index"`
	IP     *string `json:"ip"`
	Port   *uint16 `json:"port"`
	PeerID *PeerID `json:"peerId"`
}

// MarshalJSON renders the slot flat, with null peer fields when no live peer
// holds the piece.
func (p PieceAvailability) MarshalJSON() ([]byte, error) {
	v := pieceAvailabilityJSON{Index: p.Index}
	if p.Peer != nil {
		v.IP, v.Port, v.PeerID = &p.Peer.IP, &p.Peer.Port, &p.Peer.PeerID
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler for a PieceAvailability.
func (p *PieceAvailability) UnmarshalJSON(b []byte) error {
	var v pieceAvailabilityJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*p = PieceAvailability{Index: v.Index}
	if v.PeerID != nil {
		p.Peer = &PeerAddr{PeerID: *v.PeerID}
		if v.IP != nil {
			p.Peer.IP = *v.IP
		}
		if v.Port != nil {
			p.Peer.Port = *v.Port
		}
	}
	return nil
}

// FileAvailability lists the slots of every piece of one file, in catalog
// order.
type FileAvailability struct {
	Filename string              `json:"filename"`
	Pieces   []PieceAvailability `json:"pieces"`
}

// Availability answers which peer to fetch each piece of a torrent from.
type Availability []FileAvailability

// Missing counts the slots no live peer can serve.
func (a Availability) Missing() (n int) {
	for _, f := range a {
		for _, p := range f.Pieces {
			if p.Peer == nil {
				n++
			}
		}
	}
	return
}
