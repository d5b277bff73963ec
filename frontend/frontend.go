// Package frontend defines the operations a transport exposes to the clients
// of a piece tracker.
package frontend

import (
	"context"
	"net/netip"

	"github.com/chihaya/piecetracker/bittorrent"
)

// TrackerLogic is the interface used by a frontend in order to: (1) serve
// the catalog and registry operations, (2) generate a response from a parsed
// Announce, and (3) asynchronously observe anything after the response has
// been delivered to the client.
type TrackerLogic interface {
	RegisterTorrent(context.Context, []bittorrent.File) (bittorrent.TorrentID, error)
	Torrent(context.Context, bittorrent.TorrentID) (bittorrent.Torrent, error)
	UpdateTorrent(context.Context, bittorrent.Torrent) error
	DeleteTorrent(context.Context, bittorrent.TorrentID) error

	RegisterPeer(context.Context, netip.AddrPort) (bittorrent.PeerID, error)
	Peer(context.Context, bittorrent.PeerID) (bittorrent.Peer, error)
	RemovePeer(context.Context, bittorrent.PeerID) error
	AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error

	// HandleAnnounce generates a response for an Announce.
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error)

	// AfterAnnounce does something with the results of an Announce after it
	// has been completed.
	AfterAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse)

	// FindAvailablePeers selects one live peer per piece of a torrent.
	FindAvailablePeers(context.Context, bittorrent.TorrentID) (bittorrent.Availability, error)

	// FindPiecePeers lists every live peer holding a piece.
	FindPiecePeers(context.Context, bittorrent.PieceKey) ([]bittorrent.PeerAddr, error)
}
