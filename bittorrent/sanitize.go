package bittorrent

import (
	"net/netip"

	"github.com/pkg/errors"
)

// ErrInvalidMetadata indicates a malformed torrent registration.
var ErrInvalidMetadata = ClientError("invalid torrent metadata")

// ErrInvalidAddress indicates an unusable IP or port for a peer.
var ErrInvalidAddress = ClientError("invalid peer address")

// Length limits, in bytes, of client-supplied identifiers. Every storage
// driver can key a piece made of identifiers within them.
const (
	MaxIDLength       = 256
	MaxFilenameLength = 4096
)

// ValidateFiles checks the files of a torrent registration.
//
// Every file needs a non-empty filename of at most MaxFilenameLength bytes
// that is unique within the torrent, a positive size and at least one piece. Every piece needs a positive size,
// a non-empty hash and an index that is unique within its file.
// The returned error has ErrInvalidMetadata as its cause.
func ValidateFiles(files []File) error {
	if len(files) == 0 {
		return errors.Wrap(ErrInvalidMetadata, "no files")
	}

	filenames := make(map[string]struct{}, len(files))
	for i, f := range files {
		if f.Filename == "" {
			return errors.Wrapf(ErrInvalidMetadata, "file %d: missing filename", i)
		}
		if len(f.Filename) > MaxFilenameLength {
			return errors.Wrapf(ErrInvalidMetadata, "file %d: filename longer than %d bytes", i, MaxFilenameLength)
		}
		if _, dup := filenames[f.Filename]; dup {
			return errors.Wrapf(ErrInvalidMetadata, "file %d: duplicate filename %q", i, f.Filename)
		}
		filenames[f.Filename] = struct{}{}

		if f.Size <= 0 {
			return errors.Wrapf(ErrInvalidMetadata, "file %q: size must be positive", f.Filename)
		}
		if len(f.Pieces) == 0 {
			return errors.Wrapf(ErrInvalidMetadata, "file %q: missing pieces", f.Filename)
		}

		indexes := make(map[uint32]struct{}, len(f.Pieces))
		for j, p := range f.Pieces {
			if _, dup := indexes[p.Index]; dup {
				return errors.Wrapf(ErrInvalidMetadata, "file %q: piece %d: duplicate index %d", f.Filename, j, p.Index)
			}
			indexes[p.Index] = struct{}{}

			if p.Size <= 0 {
				return errors.Wrapf(ErrInvalidMetadata, "file %q: piece %d: size must be positive", f.Filename, j)
			}
			if p.Hash == "" {
				return errors.Wrapf(ErrInvalidMetadata, "file %q: piece %d: missing hash", f.Filename, j)
			}
		}
	}

	return nil
}

// SanitizeAddrPort unmaps IPv4-mapped IPv6 addresses and rejects addresses
// that cannot be used to reach a peer.
func SanitizeAddrPort(addr netip.AddrPort) (netip.AddrPort, error) {
	if addr.Port() == 0 {
		return addr, errors.Wrap(ErrInvalidAddress, "invalid port")
	}

	ip := addr.Addr().Unmap()
	if !ip.IsValid() || ip.IsUnspecified() {
		return addr, errors.Wrap(ErrInvalidAddress, "invalid IP")
	}

	return netip.AddrPortFrom(ip, addr.Port()), nil
}
