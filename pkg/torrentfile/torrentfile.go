// Package torrentfile converts bencoded .torrent metainfo into the files and
// pieces of a torrent registration.
//
// Pieces of a .torrent span file boundaries. Every file is given the global
// indexes of the pieces overlapping it, sized to the overlap, so that a piece
// shared by two files appears in both.
package torrentfile

import (
	"encoding/hex"
	"io"
	"path"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/bittorrent"
)

// Parse reads a .torrent from r and returns its files.
//
// Errors have bittorrent.ErrInvalidMetadata as their cause.
func Parse(r io.Reader) ([]bittorrent.File, error) {
	mi, err := metainfo.Load(r)
	if err != nil {
		return nil, errors.Wrapf(bittorrent.ErrInvalidMetadata, "malformed torrent file: %s", err)
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrapf(bittorrent.ErrInvalidMetadata, "malformed info dictionary: %s", err)
	}

	return Files(&info)
}

// Files splits the pieces of info over its files.
func Files(info *metainfo.Info) ([]bittorrent.File, error) {
	if info.PieceLength <= 0 {
		return nil, errors.Wrap(bittorrent.ErrInvalidMetadata, "invalid piece length")
	}
	if len(info.Pieces)%20 != 0 {
		return nil, errors.Wrap(bittorrent.ErrInvalidMetadata, "truncated piece hashes")
	}
	numPieces := int64(len(info.Pieces) / 20)

	var files []bittorrent.File
	var offset int64
	for _, fi := range info.UpvertedFiles() {
		name := info.Name
		if len(info.Files) > 0 {
			name = path.Join(append([]string{info.Name}, fi.Path...)...)
		}

		start, end := offset, offset+fi.Length
		offset = end
		if fi.Length == 0 {
			continue
		}

		f := bittorrent.File{Filename: name, Size: fi.Length}
		for i := start / info.PieceLength; i*info.PieceLength < end; i++ {
			if i >= numPieces {
				return nil, errors.Wrapf(bittorrent.ErrInvalidMetadata, "file %q: not covered by piece hashes", name)
			}
			lo, hi := i*info.PieceLength, (i+1)*info.PieceLength
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			f.Pieces = append(f.Pieces, bittorrent.Piece{
				Index: uint32(i),
				Size:  hi - lo,
				Hash:  hex.EncodeToString(info.Pieces[i*20 : (i+1)*20]),
			})
		}
		files = append(files, f)
	}

	if err := bittorrent.ValidateFiles(files); err != nil {
		return nil, err
	}
	return files, nil
}
