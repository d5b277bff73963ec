package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/storage/memory"
)

const registerBody = `{"files": [{"filename": "a.bin", "size": 32, "pieces": [
	{"index": 0, "size": 16, "hash": "h0"},
	{"index": 1, "size": 16, "hash": "h1"}]}]}`

func newTestFrontend(t *testing.T, opts ParseOptions) http.Handler {
	s, err := memory.New(memory.Config{ShardCount: 4, PrometheusReportingInterval: time.Hour})
	require.Nil(t, err)
	t.Cleanup(func() { s.Stop().Wait() })

	l := middleware.NewLogic(middleware.Config{PeerLifetime: time.Minute}, s, nil, nil)
	f := &Frontend{logic: l, Config: Config{ParseOptions: opts}.Validate()}
	return f.handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), v))
}

func registerTorrent(t *testing.T, h http.Handler) bittorrent.TorrentID {
	w := do(t, h, http.MethodPost, "/register-torrent", registerBody)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp registeredTorrent
	decode(t, w, &resp)
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func registerPeer(t *testing.T, h http.Handler, body string) bittorrent.PeerID {
	w := do(t, h, http.MethodPost, "/register-peer", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp registeredPeer
	decode(t, w, &resp)
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func announceBody(pid bittorrent.PeerID, tid bittorrent.TorrentID, ip string, indexes string) string {
	return fmt.Sprintf(`{"peerId": %q, "ip": %q, "port": 6881, "torrents": [
		{"torrentId": %q, "files": [{"filename": "a.bin", "pieceIndexes": %s}]}]}`, pid, ip, tid, indexes)
}

func TestSwarmRoundTrip(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{AllowIPSpoofing: true})
	tid := registerTorrent(t, h)

	w := do(t, h, http.MethodGet, "/find-available-peers/"+string(tid), "")
	require.Equal(t, http.StatusOK, w.Code)
	var before bittorrent.Availability
	decode(t, w, &before)
	require.Len(t, before, 1)
	require.Equal(t, 2, before.Missing())

	pid := registerPeer(t, h, `{"ip": "10.0.0.1", "port": 6881}`)

	w = do(t, h, http.MethodPut, "/announce", announceBody(pid, tid, "10.0.0.2", "[1]"))
	require.Equal(t, http.StatusOK, w.Code)
	var ann announceResponse
	decode(t, w, &ann)
	require.Equal(t, "Peer announced successfully", ann.Message)
	require.Equal(t, int64(30), ann.Interval)
	require.Equal(t, int64(15), ann.MinInterval)

	w = do(t, h, http.MethodGet, "/find-available-peers/"+string(tid), "")
	require.Equal(t, http.StatusOK, w.Code)
	var after bittorrent.Availability
	decode(t, w, &after)
	require.Equal(t, 1, after.Missing())
	require.Nil(t, after[0].Pieces[0].Peer)
	require.Equal(t, &bittorrent.PeerAddr{IP: "10.0.0.2", Port: 6881, PeerID: pid}, after[0].Pieces[1].Peer)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/find-piece-peers?torrentId=%s&filename=a.bin&pieceIndex=1", tid), "")
	require.Equal(t, http.StatusOK, w.Code)
	var holders []bittorrent.PeerAddr
	decode(t, w, &holders)
	require.Equal(t, []bittorrent.PeerAddr{{IP: "10.0.0.2", Port: 6881, PeerID: pid}}, holders)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/find-piece-peers?torrentId=%s&filename=a.bin&pieceIndex=0", tid), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())
}

func TestAnnounceUsesRemoteAddr(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{})
	tid := registerTorrent(t, h)
	pid := registerPeer(t, h, `{"port": 6881}`)

	w := do(t, h, http.MethodPut, "/announce", announceBody(pid, tid, "10.9.9.9", "[0]"))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/peers/"+string(pid), "")
	require.Equal(t, http.StatusOK, w.Code)
	var p peerView
	decode(t, w, &p)
	// httptest requests originate from 192.0.2.1.
	require.Equal(t, "192.0.2.1", p.IP)
	require.Equal(t, uint16(6881), p.Port)
	require.NotNil(t, p.LiveUntil)
}

func TestRealIPHeader(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{RealIPHeader: "X-Forwarded-For"})

	req := httptest.NewRequest(http.MethodPost, "/register-peer", strings.NewReader(`{"port": 7000}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp registeredPeer
	decode(t, w, &resp)

	w = do(t, h, http.MethodGet, "/peers/"+string(resp.ID), "")
	var p peerView
	decode(t, w, &p)
	require.Equal(t, "203.0.113.7", p.IP)
	require.Nil(t, p.LiveUntil)
	require.Equal(t, bittorrent.Membership{}, p.Torrents)
}

func TestErrorStatus(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{AllowIPSpoofing: true, MaxBodySize: 1024})
	tid := registerTorrent(t, h)
	pid := registerPeer(t, h, `{"ip": "10.0.0.1", "port": 6881}`)

	var table = []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"malformed torrent", http.MethodPost, "/register-torrent", `{"files": {}}`, http.StatusBadRequest},
		{"piece without hash", http.MethodPost, "/torrentFiles", `{"files": [{"filename": "x", "size": 1, "pieces": [{"index": 0, "size": 1}]}]}`, http.StatusBadRequest},
		{"body too large", http.MethodPost, "/register-torrent", strings.Repeat(" ", 2048), http.StatusBadRequest},
		{"invalid torrent file", http.MethodPost, "/register-torrent-file", "not bencode", http.StatusBadRequest},
		{"peer without port", http.MethodPost, "/register-peer", `{"ip": "10.0.0.1"}`, http.StatusBadRequest},
		{"announce missing torrents", http.MethodPut, "/announce", fmt.Sprintf(`{"peerId": %q, "port": 1}`, pid), http.StatusBadRequest},
		{"announce torrents not a list", http.MethodPut, "/announce", fmt.Sprintf(`{"peerId": %q, "port": 1, "torrents": {}}`, pid), http.StatusBadRequest},
		{"announce unknown peer", http.MethodPut, "/announce", announceBody("nobody", tid, "10.0.0.1", "[0]"), http.StatusNotFound},
		{"unknown torrent", http.MethodGet, "/find-available-peers/missing", "", http.StatusNotFound},
		{"missing piece index", http.MethodGet, "/find-piece-peers?torrentId=" + string(tid) + "&filename=a.bin", "", http.StatusBadRequest},
		{"invalid piece index", http.MethodGet, "/find-piece-peers?torrentId=" + string(tid) + "&filename=a.bin&pieceIndex=-1", "", http.StatusBadRequest},
		{"unknown peer", http.MethodGet, "/peers/missing", "", http.StatusNotFound},
		{"malformed traffic", http.MethodPost, "/peers/" + string(pid) + "/traffic", `{"downloaded": -1}`, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.target, tt.body)
			require.Equal(t, tt.status, w.Code)

			var resp map[string]string
			decode(t, w, &resp)
			require.NotEmpty(t, resp["error"])
		})
	}

	// Rejected announces leave the peer untouched.
	w := do(t, h, http.MethodGet, "/peers/"+string(pid), "")
	var p peerView
	decode(t, w, &p)
	require.Nil(t, p.LiveUntil)
	require.Empty(t, p.Torrents)
}

func TestTorrentFilesCRUD(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{})
	tid := registerTorrent(t, h)

	w := do(t, h, http.MethodGet, "/torrentFiles/"+string(tid), "")
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var got bittorrent.Torrent
	decode(t, w, &got)
	require.Equal(t, tid, got.ID)
	require.Len(t, got.Files[0].Pieces, 2)

	req := httptest.NewRequest(http.MethodGet, "/torrentFiles/"+string(tid), nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotModified, w.Code)
	require.Empty(t, w.Body.Bytes())

	updated := `{"files": [{"filename": "b.bin", "size": 8, "pieces": [{"index": 0, "size": 8, "hash": "hb"}]}]}`
	w = do(t, h, http.MethodPut, "/torrentFiles/"+string(tid), updated)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/torrentFiles/"+string(tid), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEqual(t, etag, w.Header().Get("ETag"))
	decode(t, w, &got)
	require.Equal(t, "b.bin", got.Files[0].Filename)

	w = do(t, h, http.MethodPut, "/torrentFiles/missing", updated)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodDelete, "/torrentFiles/"+string(tid), "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodDelete, "/torrentFiles/"+string(tid), "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterTorrentFile(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{})

	info, err := bencode.Marshal(metainfo.Info{
		Name:        "file.bin",
		PieceLength: 16,
		Length:      20,
		Pieces:      bytes.Repeat([]byte{7}, 40),
	})
	require.Nil(t, err)
	var buf bytes.Buffer
	require.Nil(t, (&metainfo.MetaInfo{InfoBytes: info}).Write(&buf))

	w := do(t, h, http.MethodPost, "/register-torrent-file", buf.String())
	require.Equal(t, http.StatusCreated, w.Code)
	var resp registeredTorrent
	decode(t, w, &resp)

	w = do(t, h, http.MethodGet, "/find-available-peers/"+string(resp.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var a bittorrent.Availability
	decode(t, w, &a)
	require.Equal(t, "file.bin", a[0].Filename)
	require.Equal(t, 2, a.Missing())
}

func TestPeersCRUD(t *testing.T) {
	h := newTestFrontend(t, ParseOptions{AllowIPSpoofing: true})
	pid := registerPeer(t, h, `{"ip": "::ffff:10.0.0.1", "port": 6881}`)

	w := do(t, h, http.MethodPost, "/peers/"+string(pid)+"/traffic", `{"downloaded": 10, "uploaded": 4}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodPost, "/peers/"+string(pid)+"/traffic", `{"downloaded": 5}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, "/peers/"+string(pid), "")
	require.Equal(t, http.StatusOK, w.Code)
	var p peerView
	decode(t, w, &p)
	require.Equal(t, "10.0.0.1", p.IP)
	require.Equal(t, uint64(15), p.Downloaded)
	require.Equal(t, uint64(4), p.Uploaded)

	w = do(t, h, http.MethodDelete, "/peers/"+string(pid), "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodGet, "/peers/"+string(pid), "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:1234", ReadTimeout: time.Second}.Validate()
	require.Equal(t, "127.0.0.1:1234", cfg.Addr)
	require.Equal(t, time.Second, cfg.ReadTimeout)
	require.Equal(t, defaultWriteTimeout, cfg.WriteTimeout)
	require.Equal(t, defaultIdleTimeout, cfg.IdleTimeout)
	require.Equal(t, defaultRequestTimeout, cfg.RequestTimeout)
	require.Equal(t, int64(defaultMaxBodySize), cfg.MaxBodySize)
}

func TestNewFrontend(t *testing.T) {
	s, err := memory.New(memory.Config{ShardCount: 1, PrometheusReportingInterval: time.Hour})
	require.Nil(t, err)
	defer s.Stop().Wait()

	l := middleware.NewLogic(middleware.Config{}, s, nil, nil)
	f, err := NewFrontend(l, Config{Addr: "127.0.0.1:0"})
	require.Nil(t, err)

	resp, err := http.Post("http://"+f.Addr().String()+"/register-torrent", "application/json", strings.NewReader(registerBody))
	require.Nil(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Empty(t, f.Stop().Wait())
}
