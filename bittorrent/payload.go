package bittorrent

import (
	"encoding/json"
	"math"
	"net/netip"

	"github.com/pkg/errors"
)

type registerTorrentPayload struct {
	Files json.RawMessage `json:"files"`
}

type filePayloadEntry struct {
	Filename *string         `json:"filename"`
	Size     *int64          `json:"size"`
	Pieces   json.RawMessage `json:"pieces"`
}

type piecePayloadEntry struct {
	Index *int64  `json:"index"`
	Size  *int64  `json:"size"`
	Hash  *string `json:"hash"`
}

// ParseFilesPayload decodes the JSON form of a torrent registration:
//
//	{"files": [{"filename": "...", "size": 1024,
//	            "pieces": [{"index": 0, "size": 512, "hash": "..."}]}]}
//
// Type mismatches and absent fields are reported with ErrInvalidMetadata as
// their cause. The decoded files are validated with ValidateFiles.
func ParseFilesPayload(body []byte) ([]File, error) {
	var p registerTorrentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(ErrInvalidMetadata, "malformed json")
	}

	if !isList(p.Files) {
		return nil, errors.Wrap(ErrInvalidMetadata, "files must be a list")
	}

	var rawFiles []filePayloadEntry
	if err := json.Unmarshal(p.Files, &rawFiles); err != nil {
		return nil, errors.Wrap(ErrInvalidMetadata, "malformed files")
	}

	files := make([]File, 0, len(rawFiles))
	for i, rf := range rawFiles {
		if rf.Filename == nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: missing filename", i)
		}
		if rf.Size == nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: missing size", i)
		}
		if !isList(rf.Pieces) {
			return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: pieces must be a list", i)
		}

		var rawPieces []piecePayloadEntry
		if err := json.Unmarshal(rf.Pieces, &rawPieces); err != nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: malformed pieces", i)
		}

		f := File{
			Filename: *rf.Filename,
			Size:     *rf.Size,
			Pieces:   make([]Piece, 0, len(rawPieces)),
		}
		for j, rp := range rawPieces {
			switch {
			case rp.Index == nil:
				return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: piece %d: missing index", i, j)
			case *rp.Index < 0 || *rp.Index > math.MaxUint32:
				return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: piece %d: index out of range", i, j)
			case rp.Size == nil:
				return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: piece %d: missing size", i, j)
			case rp.Hash == nil:
				return nil, errors.Wrapf(ErrInvalidMetadata, "file %d: piece %d: missing hash", i, j)
			}

			f.Pieces = append(f.Pieces, Piece{
				Index: uint32(*rp.Index),
				Size:  *rp.Size,
				Hash:  *rp.Hash,
			})
		}
		files = append(files, f)
	}

	if err := ValidateFiles(files); err != nil {
		return nil, err
	}

	return files, nil
}

type registerPeerPayload struct {
	IP   *string `json:"ip"`
	Port *int    `json:"port"`
}

// ParsePeerPayload decodes the JSON form of a peer registration:
//
//	{"ip": "10.0.0.1", "port": 6881}
//
// The ip is optional; the returned bool reports whether it was present.
// The returned error has ErrInvalidAddress as its cause.
func ParsePeerPayload(body []byte) (netip.AddrPort, bool, error) {
	var p registerPeerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return netip.AddrPort{}, false, errors.Wrap(ErrInvalidAddress, "malformed json")
	}

	if p.Port == nil || *p.Port <= 0 || *p.Port > math.MaxUint16 {
		return netip.AddrPort{}, false, errors.Wrap(ErrInvalidAddress, "missing or invalid port")
	}

	if p.IP == nil || *p.IP == "" {
		return netip.AddrPortFrom(netip.Addr{}, uint16(*p.Port)), false, nil
	}

	ip, err := netip.ParseAddr(*p.IP)
	if err != nil {
		return netip.AddrPort{}, false, errors.Wrapf(ErrInvalidAddress, "invalid ip %q", *p.IP)
	}

	return netip.AddrPortFrom(ip, uint16(*p.Port)), true, nil
}
