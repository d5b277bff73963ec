package http

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/torrentfile"
)

type registeredTorrent struct {
	Message string               `json:"message"`
	ID      bittorrent.TorrentID `json:"id"`
}

type registeredPeer struct {
	ID bittorrent.PeerID `json:"id"`
}

func (f *Frontend) registerFiles(w http.ResponseWriter, r *http.Request, files []bittorrent.File) error {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	id, err := f.logic.RegisterTorrent(ctx, files)
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusCreated, registeredTorrent{
		Message: "Torrent registered successfully",
		ID:      id,
	})
}

func (f *Frontend) registerTorrentRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("register_torrent", err, time.Since(start)) }()

	body, err := readBody(w, r, f.ParseOptions)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	files, err := bittorrent.ParseFilesPayload(body)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err = f.registerFiles(w, r, files); err != nil {
		_ = WriteError(w, err)
	}
}

func (f *Frontend) registerTorrentFileRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("register_torrent_file", err, time.Since(start)) }()

	files, err := torrentfile.Parse(http.MaxBytesReader(w, r.Body, f.MaxBodySize))
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err = f.registerFiles(w, r, files); err != nil {
		_ = WriteError(w, err)
	}
}

func (f *Frontend) getTorrentRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("get_torrent", err, time.Since(start)) }()

	ctx, cancel := f.requestContext(r)
	defer cancel()

	t, err := f.logic.Torrent(ctx, torrentID(ps, "id"))
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	err = WriteCacheableJSON(w, r, t)
}

func (f *Frontend) updateTorrentRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("update_torrent", err, time.Since(start)) }()

	body, err := readBody(w, r, f.ParseOptions)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	files, err := bittorrent.ParseFilesPayload(body)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx, cancel := f.requestContext(r)
	defer cancel()

	t := bittorrent.Torrent{ID: torrentID(ps, "id"), Files: files}
	if err = f.logic.UpdateTorrent(ctx, t); err != nil {
		_ = WriteError(w, err)
		return
	}

	err = WriteJSON(w, http.StatusOK, t)
}

func (f *Frontend) deleteTorrentRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("delete_torrent", err, time.Since(start)) }()

	ctx, cancel := f.requestContext(r)
	defer cancel()

	if err = f.logic.DeleteTorrent(ctx, torrentID(ps, "id")); err != nil {
		_ = WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *Frontend) registerPeerRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("register_peer", err, time.Since(start)) }()

	addr, err := ParsePeer(w, r, f.ParseOptions)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx, cancel := f.requestContext(r)
	defer cancel()

	id, err := f.logic.RegisterPeer(ctx, addr)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	err = WriteJSON(w, http.StatusCreated, registeredPeer{ID: id})
}

func (f *Frontend) getPeerRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("get_peer", err, time.Since(start)) }()

	ctx, cancel := f.requestContext(r)
	defer cancel()

	p, err := f.logic.Peer(ctx, peerID(ps))
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	err = WriteJSON(w, http.StatusOK, newPeerView(p))
}

func (f *Frontend) deletePeerRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("delete_peer", err, time.Since(start)) }()

	ctx, cancel := f.requestContext(r)
	defer cancel()

	if err = f.logic.RemovePeer(ctx, peerID(ps)); err != nil {
		_ = WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *Frontend) peerTrafficRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("peer_traffic", err, time.Since(start)) }()

	downloaded, uploaded, err := ParseTraffic(w, r, f.ParseOptions)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx, cancel := f.requestContext(r)
	defer cancel()

	if err = f.logic.AddPeerTraffic(ctx, peerID(ps), downloaded, uploaded); err != nil {
		_ = WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// announceRoute parses and responds to an Announce.
func (f *Frontend) announceRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("announce", err, time.Since(start)) }()

	req, err := ParseAnnounce(w, r, f.ParseOptions)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	reqCtx, cancel := f.requestContext(r)
	defer cancel()

	ctx, resp, err := f.logic.HandleAnnounce(reqCtx, req)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err = WriteAnnounceResponse(w, resp); err != nil {
		return
	}

	// The request context ends with this handler.
	go f.logic.AfterAnnounce(context.WithoutCancel(ctx), req, resp)
}

func (f *Frontend) findAvailablePeersRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("find_available_peers", err, time.Since(start)) }()

	ctx, cancel := f.requestContext(r)
	defer cancel()

	a, err := f.logic.FindAvailablePeers(ctx, torrentID(ps, "torrentId"))
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	err = WriteJSON(w, http.StatusOK, a)
}

func (f *Frontend) findPiecePeersRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	start := time.Now()
	defer func() { recordResponseDuration("find_piece_peers", err, time.Since(start)) }()

	k, err := ParsePieceQuery(r)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	ctx, cancel := f.requestContext(r)
	defer cancel()

	peers, err := f.logic.FindPiecePeers(ctx, k)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	err = WriteJSON(w, http.StatusOK, peers)
}
