package bittorrent

import (
	"bytes"
	"encoding/json"
	"math"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/pkg/log"
)

// ErrInvalidAnnounce indicates a malformed Announce.
var ErrInvalidAnnounce = ClientError("invalid announce")

// AnnounceRequest represents the parsed parameters of an Announce.
type AnnounceRequest struct {
	PeerID     PeerID
	AddrPort   netip.AddrPort
	IPProvided bool
	Torrents   Membership

	// Token is an optional bearer credential presented with the Announce.
	Token string
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"peerID":     r.PeerID,
		"ip":         r.AddrPort.Addr(),
		"port":       r.AddrPort.Port(),
		"ipProvided": r.IPProvided,
		"torrents":   len(r.Torrents),
		"pieces":     len(r.Torrents.Keys()),
	}
}

// Validate checks that the request is a well-formed Announce and coerces its
// address into canonical form.
//
// A nil Torrents is an absent list and therefore invalid; an empty one
// announces that the peer holds nothing.
// The returned error has ErrInvalidAnnounce as its cause.
func (r *AnnounceRequest) Validate() error {
	if r.PeerID == "" {
		return errors.Wrap(ErrInvalidAnnounce, "missing peerId")
	}
	if len(r.PeerID) > MaxIDLength {
		return errors.Wrapf(ErrInvalidAnnounce, "peerId longer than %d bytes", MaxIDLength)
	}

	addr, err := SanitizeAddrPort(r.AddrPort)
	if err != nil {
		return errors.Wrap(ErrInvalidAnnounce, addrProblem(r.AddrPort))
	}
	r.AddrPort = addr

	if r.Torrents == nil {
		return errors.Wrap(ErrInvalidAnnounce, "missing torrents")
	}

	for i, t := range r.Torrents {
		if t.TorrentID == "" {
			return errors.Wrapf(ErrInvalidAnnounce, "torrent %d: missing torrentId", i)
		}
		if len(t.TorrentID) > MaxIDLength {
			return errors.Wrapf(ErrInvalidAnnounce, "torrent %d: torrentId longer than %d bytes", i, MaxIDLength)
		}
		if t.Files == nil {
			return errors.Wrapf(ErrInvalidAnnounce, "torrent %d: missing files", i)
		}
		for j, f := range t.Files {
			if f.Filename == "" {
				return errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: missing filename", i, j)
			}
			if len(f.Filename) > MaxFilenameLength {
				return errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: filename longer than %d bytes", i, j, MaxFilenameLength)
			}
			if f.PieceIndexes == nil {
				return errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: missing pieceIndexes", i, j)
			}
		}
	}

	return nil
}

func addrProblem(addr netip.AddrPort) string {
	if addr.Port() == 0 {
		return "missing port"
	}
	return "unusable ip"
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	LiveUntil   time.Time
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"liveUntil":   r.LiveUntil,
	}
}

type announcePayload struct {
	PeerID   *string         `json:"peerId"`
	IP       *string         `json:"ip"`
	Port     *int            `json:"port"`
	Token    string          `json:"token"`
	Torrents json.RawMessage `json:"torrents"`
}

type torrentPayload struct {
	TorrentID *string         `json:"torrentId"`
	Files     json.RawMessage `json:"files"`
}

type filePayload struct {
	Filename     *string         `json:"filename"`
	PieceIndexes json.RawMessage `json:"pieceIndexes"`
}

// ParseAnnouncePayload decodes the JSON form of an Announce:
//
//	{"peerId": "...", "ip": "...", "port": 6881,
//	 "torrents": [{"torrentId": "...",
//	               "files": [{"filename": "...", "pieceIndexes": [0, 1]}]}]}
//
// The ip is optional; IPProvided reports whether it was present.
// Absent, null or non-list torrents, files or pieceIndexes are rejected, as
// are missing identifiers and piece indexes that are not non-negative
// integers. The returned error has ErrInvalidAnnounce as its cause.
func ParseAnnouncePayload(body []byte) (*AnnounceRequest, error) {
	var p announcePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(ErrInvalidAnnounce, "malformed json")
	}

	req := &AnnounceRequest{Token: p.Token}

	if p.PeerID == nil || *p.PeerID == "" {
		return nil, errors.Wrap(ErrInvalidAnnounce, "missing peerId")
	}
	req.PeerID = PeerID(*p.PeerID)

	if p.Port == nil || *p.Port <= 0 || *p.Port > math.MaxUint16 {
		return nil, errors.Wrap(ErrInvalidAnnounce, "missing or invalid port")
	}

	var ip netip.Addr
	if p.IP != nil && *p.IP != "" {
		var err error
		ip, err = netip.ParseAddr(*p.IP)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidAnnounce, "invalid ip %q", *p.IP)
		}
		req.IPProvided = true
	}
	req.AddrPort = netip.AddrPortFrom(ip, uint16(*p.Port))

	if !isList(p.Torrents) {
		return nil, errors.Wrap(ErrInvalidAnnounce, "torrents must be a list")
	}

	var rawTorrents []torrentPayload
	if err := json.Unmarshal(p.Torrents, &rawTorrents); err != nil {
		return nil, errors.Wrap(ErrInvalidAnnounce, "malformed torrents")
	}

	req.Torrents = make(Membership, 0, len(rawTorrents))
	for i, rt := range rawTorrents {
		if rt.TorrentID == nil || *rt.TorrentID == "" {
			return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: missing torrentId", i)
		}
		if !isList(rt.Files) {
			return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: files must be a list", i)
		}

		var rawFiles []filePayload
		if err := json.Unmarshal(rt.Files, &rawFiles); err != nil {
			return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: malformed files", i)
		}

		tm := TorrentMembership{
			TorrentID: TorrentID(*rt.TorrentID),
			Files:     make([]FileMembership, 0, len(rawFiles)),
		}
		for j, rf := range rawFiles {
			if rf.Filename == nil || *rf.Filename == "" {
				return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: missing filename", i, j)
			}
			if !isList(rf.PieceIndexes) {
				return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: pieceIndexes must be a list", i, j)
			}

			var indexes []int64
			if err := json.Unmarshal(rf.PieceIndexes, &indexes); err != nil {
				return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: piece indexes must be integers", i, j)
			}

			fm := FileMembership{
				Filename:     *rf.Filename,
				PieceIndexes: make([]uint32, 0, len(indexes)),
			}
			for _, idx := range indexes {
				if idx < 0 || idx > math.MaxUint32 {
					return nil, errors.Wrapf(ErrInvalidAnnounce, "torrent %d: file %d: piece index %d out of range", i, j, idx)
				}
				fm.PieceIndexes = append(fm.PieceIndexes, uint32(idx))
			}
			tm.Files = append(tm.Files, fm)
		}
		req.Torrents = append(req.Torrents, tm)
	}

	return req, nil
}

// isList reports whether raw holds a JSON array.
func isList(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
