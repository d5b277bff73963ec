package bittorrent

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestValidateFiles(t *testing.T) {
	piece := func(idx uint32) Piece { return Piece{Index: idx, Size: 4, Hash: fmt.Sprintf("h%d", idx)} }

	var table = []struct {
		name  string
		files []File
		valid bool
	}{
		{"single file", []File{{Filename: "a", Size: 8, Pieces: []Piece{piece(0), piece(1)}}}, true},
		{"same index in two files", []File{
			{Filename: "a", Size: 4, Pieces: []Piece{piece(0)}},
			{Filename: "b", Size: 4, Pieces: []Piece{piece(0)}},
		}, true},
		{"nil", nil, false},
		{"empty", []File{}, false},
		{"no filename", []File{{Size: 4, Pieces: []Piece{piece(0)}}}, false},
		{"longest filename", []File{{Filename: strings.Repeat("a", MaxFilenameLength), Size: 4, Pieces: []Piece{piece(0)}}}, true},
		{"filename too long", []File{{Filename: strings.Repeat("a", MaxFilenameLength+1), Size: 4, Pieces: []Piece{piece(0)}}}, false},
		{"duplicate filename", []File{
			{Filename: "a", Size: 4, Pieces: []Piece{piece(0)}},
			{Filename: "a", Size: 4, Pieces: []Piece{piece(1)}},
		}, false},
		{"negative size", []File{{Filename: "a", Size: -1, Pieces: []Piece{piece(0)}}}, false},
		{"no pieces", []File{{Filename: "a", Size: 4}}, false},
		{"duplicate piece", []File{{Filename: "a", Size: 8, Pieces: []Piece{piece(2), piece(2)}}}, false},
		{"zero piece size", []File{{Filename: "a", Size: 4, Pieces: []Piece{{Index: 0, Hash: "h"}}}}, false},
		{"no hash", []File{{Filename: "a", Size: 4, Pieces: []Piece{{Index: 0, Size: 4}}}}, false},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFiles(tt.files)
			if tt.valid {
				require.Nil(t, err)
				return
			}
			require.Equal(t, ErrInvalidMetadata, errors.Cause(err))
		})
	}
}

func TestSanitizeAddrPort(t *testing.T) {
	var table = []struct {
		input    netip.AddrPort
		expected netip.AddrPort
		valid    bool
	}{
		{netip.MustParseAddrPort("10.0.0.1:6881"), netip.MustParseAddrPort("10.0.0.1:6881"), true},
		{netip.MustParseAddrPort("[::ffff:10.0.0.1]:6881"), netip.MustParseAddrPort("10.0.0.1:6881"), true},
		{netip.MustParseAddrPort("[2001:db8::1]:80"), netip.MustParseAddrPort("[2001:db8::1]:80"), true},
		{netip.MustParseAddrPort("10.0.0.1:0"), netip.AddrPort{}, false},
		{netip.MustParseAddrPort("0.0.0.0:6881"), netip.AddrPort{}, false},
		{netip.MustParseAddrPort("[::]:6881"), netip.AddrPort{}, false},
		{netip.AddrPortFrom(netip.Addr{}, 6881), netip.AddrPort{}, false},
	}

	for _, tt := range table {
		t.Run(tt.input.String(), func(t *testing.T) {
			got, err := SanitizeAddrPort(tt.input)
			if !tt.valid {
				require.Equal(t, ErrInvalidAddress, errors.Cause(err))
				return
			}
			require.Nil(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}
