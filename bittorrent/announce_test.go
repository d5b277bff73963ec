package bittorrent

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseAnnouncePayload(t *testing.T) {
	var table = []struct {
		name  string
		body  string
		valid bool
	}{
		{"valid", `{"peerId":"p","ip":"10.0.0.1","port":6881,"torrents":[{"torrentId":"t","files":[{"filename":"f","pieceIndexes":[0,3]}]}]}`, true},
		{"valid without ip", `{"peerId":"p","port":6881,"torrents":[]}`, true},
		{"valid empty files", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":[]}]}`, true},
		{"malformed json", `{"peerId":`, false},
		{"peerId missing", `{"port":6881,"torrents":[]}`, false},
		{"peerId empty", `{"peerId":"","port":6881,"torrents":[]}`, false},
		{"port missing", `{"peerId":"p","torrents":[]}`, false},
		{"port zero", `{"peerId":"p","port":0,"torrents":[]}`, false},
		{"port not a number", `{"peerId":"p","port":"6881","torrents":[]}`, false},
		{"ip invalid", `{"peerId":"p","ip":"300.1.1.1","port":6881,"torrents":[]}`, false},
		{"torrents missing", `{"peerId":"p","port":6881}`, false},
		{"torrents null", `{"peerId":"p","port":6881,"torrents":null}`, false},
		{"torrents not a list", `{"peerId":"p","port":6881,"torrents":{"torrentId":"t"}}`, false},
		{"torrents a string", `{"peerId":"p","port":6881,"torrents":"[]"}`, false},
		{"torrentId missing", `{"peerId":"p","port":6881,"torrents":[{"files":[]}]}`, false},
		{"files missing", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t"}]}`, false},
		{"files not a list", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":1}]}`, false},
		{"filename missing", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":[{"pieceIndexes":[]}]}]}`, false},
		{"pieceIndexes missing", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":[{"filename":"f"}]}]}`, false},
		{"pieceIndexes not a list", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":[{"filename":"f","pieceIndexes":3}]}]}`, false},
		{"piece index negative", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":[{"filename":"f","pieceIndexes":[-1]}]}]}`, false},
		{"piece index fractional", `{"peerId":"p","port":6881,"torrents":[{"torrentId":"t","files":[{"filename":"f","pieceIndexes":[1.5]}]}]}`, false},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseAnnouncePayload([]byte(tt.body))
			if tt.valid {
				require.Nil(t, err)
				require.NotNil(t, req)
				require.NotNil(t, req.Torrents)
				return
			}
			require.Nil(t, req)
			require.Equal(t, ErrInvalidAnnounce, errors.Cause(err))
		})
	}
}

func TestParseAnnouncePayloadFields(t *testing.T) {
	req, err := ParseAnnouncePayload([]byte(`{
		"peerId": "peer-1",
		"ip": "::ffff:10.0.0.1",
		"port": 6881,
		"token": "abc",
		"torrents": [{"torrentId": "t", "files": [{"filename": "f.bin", "pieceIndexes": [3, 0]}]}]
	}`))
	require.Nil(t, err)
	require.Equal(t, PeerID("peer-1"), req.PeerID)
	require.True(t, req.IPProvided)
	require.Equal(t, "abc", req.Token)
	require.Equal(t, Membership{{
		TorrentID: "t",
		Files:     []FileMembership{{Filename: "f.bin", PieceIndexes: []uint32{3, 0}}},
	}}, req.Torrents)

	require.Nil(t, req.Validate())
	require.Equal(t, netip.MustParseAddrPort("10.0.0.1:6881"), req.AddrPort, "mapped addresses are unmapped")
}

func TestAnnounceRequestValidate(t *testing.T) {
	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	long := func(n int) string { return strings.Repeat("x", n) }
	var table = []struct {
		name  string
		req   AnnounceRequest
		valid bool
	}{
		{"valid", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{}}, true},
		{"no peer", AnnounceRequest{AddrPort: addr, Torrents: Membership{}}, false},
		{"no port", AnnounceRequest{PeerID: "p", AddrPort: netip.AddrPortFrom(addr.Addr(), 0), Torrents: Membership{}}, false},
		{"no ip", AnnounceRequest{PeerID: "p", AddrPort: netip.AddrPortFrom(netip.Addr{}, 1), Torrents: Membership{}}, false},
		{"unspecified ip", AnnounceRequest{PeerID: "p", AddrPort: netip.MustParseAddrPort("0.0.0.0:1"), Torrents: Membership{}}, false},
		{"nil torrents", AnnounceRequest{PeerID: "p", AddrPort: addr}, false},
		{"nil files", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{{TorrentID: "t"}}}, false},
		{"nil piece indexes", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{{TorrentID: "t", Files: []FileMembership{{Filename: "f"}}}}}, false},
		{"empty torrent id", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{{Files: []FileMembership{}}}}, false},
		{"peer id too long", AnnounceRequest{PeerID: PeerID(long(MaxIDLength + 1)), AddrPort: addr, Torrents: Membership{}}, false},
		{"longest torrent id", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{{TorrentID: TorrentID(long(MaxIDLength)), Files: []FileMembership{}}}}, true},
		{"torrent id too long", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{{TorrentID: TorrentID(long(MaxIDLength + 1)), Files: []FileMembership{}}}}, false},
		{"filename too long", AnnounceRequest{PeerID: "p", AddrPort: addr, Torrents: Membership{{TorrentID: "t", Files: []FileMembership{{Filename: long(MaxFilenameLength + 1), PieceIndexes: []uint32{}}}}}}, false},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := req.Validate()
			if tt.valid {
				require.Nil(t, err)
				return
			}
			require.Equal(t, ErrInvalidAnnounce, errors.Cause(err))
		})
	}
}
