package http

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/bittorrent"
)

// ParseOptions is the configuration used to parse requests.
//
// If AllowIPSpoofing is true, IPs provided in request bodies will be used.
// If RealIPHeader is not empty string, the value of the first HTTP Header with
// that name will be used.
type ParseOptions struct {
	AllowIPSpoofing bool   `yaml:"allow_ip_spoofing"`
	RealIPHeader    string `yaml:"real_ip_header"`
	MaxBodySize     int64  `yaml:"max_body_size"`
}

// Default parser config constants.
const defaultMaxBodySize = 8 << 20

// ErrBodyTooLarge is returned for request bodies over MaxBodySize.
var ErrBodyTooLarge = bittorrent.ClientError("request body too large")

func readBody(w http.ResponseWriter, r *http.Request, opts ParseOptions) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, opts.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}

// ParseAnnounce parses a bittorrent.AnnounceRequest from an http.Request.
//
// A token in the body takes precedence over an Authorization bearer token.
func ParseAnnounce(w http.ResponseWriter, r *http.Request, opts ParseOptions) (*bittorrent.AnnounceRequest, error) {
	body, err := readBody(w, r, opts)
	if err != nil {
		return nil, err
	}

	req, err := bittorrent.ParseAnnouncePayload(body)
	if err != nil {
		return nil, err
	}

	req.AddrPort, req.IPProvided, err = requestedAddr(r, req.AddrPort, req.IPProvided, opts)
	if err != nil {
		return nil, errors.Wrap(bittorrent.ErrInvalidAnnounce, err.Error())
	}

	if req.Token == "" {
		req.Token = bearerToken(r)
	}

	return req, nil
}

// ParsePeer parses the address of a peer registration from an http.Request.
func ParsePeer(w http.ResponseWriter, r *http.Request, opts ParseOptions) (netip.AddrPort, error) {
	body, err := readBody(w, r, opts)
	if err != nil {
		return netip.AddrPort{}, err
	}

	addr, provided, err := bittorrent.ParsePeerPayload(body)
	if err != nil {
		return netip.AddrPort{}, err
	}

	addr, _, err = requestedAddr(r, addr, provided, opts)
	return addr, err
}

// ParsePieceQuery parses the piece addressed by the query of an http.Request.
func ParsePieceQuery(r *http.Request) (bittorrent.PieceKey, error) {
	q := r.URL.Query()
	torrentID, filename, index := q.Get("torrentId"), q.Get("filename"), q.Get("pieceIndex")
	if torrentID == "" || filename == "" || index == "" {
		return bittorrent.PieceKey{}, errors.Wrap(bittorrent.ErrInvalidPieceQuery, "missing torrentId, filename or pieceIndex")
	}

	i, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return bittorrent.PieceKey{}, errors.Wrapf(bittorrent.ErrInvalidPieceQuery, "invalid pieceIndex %q", index)
	}

	return bittorrent.PieceKey{
		TorrentID: bittorrent.TorrentID(torrentID),
		Filename:  filename,
		Index:     uint32(i),
	}, nil
}

// ParseTraffic parses the counters of a traffic report.
func ParseTraffic(w http.ResponseWriter, r *http.Request, opts ParseOptions) (downloaded, uploaded uint64, err error) {
	body, err := readBody(w, r, opts)
	if err != nil {
		return 0, 0, err
	}

	var p struct {
		Downloaded uint64 `json:"downloaded"`
		Uploaded   uint64 `json:"uploaded"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, 0, errors.Wrap(ErrInvalidTraffic, err.Error())
	}
	return p.Downloaded, p.Uploaded, nil
}

// ErrInvalidTraffic is returned for malformed traffic reports.
var ErrInvalidTraffic = bittorrent.ClientError("invalid traffic report")

func torrentID(ps httprouter.Params, name string) bittorrent.TorrentID {
	return bittorrent.TorrentID(ps.ByName(name))
}

func peerID(ps httprouter.Params) bittorrent.PeerID {
	return bittorrent.PeerID(ps.ByName("id"))
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// requestedAddr determines the address of a peer. The provided address is
// only kept when spoofing is allowed; otherwise its port is combined with the
// IP of the client making the request.
func requestedAddr(r *http.Request, addr netip.AddrPort, provided bool, opts ParseOptions) (netip.AddrPort, bool, error) {
	if provided && opts.AllowIPSpoofing {
		return addr, true, nil
	}

	host := ""
	if opts.RealIPHeader != "" {
		host = strings.TrimSpace(strings.Split(r.Header.Get(opts.RealIPHeader), ",")[0])
	}
	if host == "" {
		var err error
		host, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return addr, false, errors.Wrap(bittorrent.ErrInvalidAddress, "unable to determine remote address")
		}
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return addr, false, errors.Wrapf(bittorrent.ErrInvalidAddress, "invalid client ip %q", host)
	}

	return netip.AddrPortFrom(ip.Unmap(), addr.Port()), false, nil
}
