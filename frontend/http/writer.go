package http

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/storage"
)

// WriteError communicates an error to a client over HTTP.
//
// Client errors are reported with their message; missing resources answer
// 404. Anything else is logged and answered with a generic 500.
func WriteError(w http.ResponseWriter, err error) error {
	status, message := http.StatusInternalServerError, "internal server error"
	switch cause := errors.Cause(err); {
	case cause == storage.ErrResourceDoesNotExist:
		status, message = http.StatusNotFound, err.Error()
	case isClientError(cause):
		status, message = http.StatusBadRequest, err.Error()
	default:
		log.Error("http: internal error", log.Err(err))
	}

	return WriteJSON(w, status, map[string]string{"error": message})
}

func isClientError(err error) bool {
	_, ok := err.(bittorrent.ClientError)
	return ok
}

// WriteJSON writes v as the JSON body of a response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

// WriteCacheableJSON writes v with a strong ETag computed from its encoding
// and answers 304 when the request already holds that representation.
func WriteCacheableJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	w.Header().Set("ETag", etag)

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// announceResponse is the JSON form of a bittorrent.AnnounceResponse.
type announceResponse struct {
	Message     string `json:"message"`
	Interval    int64  `json:"interval"`
	MinInterval int64  `json:"min_interval"`
	LiveUntil   string `json:"live_until"`
}

// WriteAnnounceResponse communicates the results of an Announce to a peer
// over HTTP. Intervals are in seconds.
func WriteAnnounceResponse(w http.ResponseWriter, resp *bittorrent.AnnounceResponse) error {
	return WriteJSON(w, http.StatusOK, announceResponse{
		Message:     "Peer announced successfully",
		Interval:    int64(resp.Interval.Seconds()),
		MinInterval: int64(resp.MinInterval.Seconds()),
		LiveUntil:   resp.LiveUntil.UTC().Format(timeFormat),
	})
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// peerView is the JSON form of a bittorrent.Peer.
type peerView struct {
	ID         bittorrent.PeerID     `json:"id"`
	IP         string                `json:"ip"`
	Port       uint16                `json:"port"`
	LiveUntil  *string               `json:"liveUntil"`
	Downloaded uint64                `json:"downloaded"`
	Uploaded   uint64                `json:"uploaded"`
	Torrents   bittorrent.Membership `json:"torrents"`
}

func newPeerView(p bittorrent.Peer) peerView {
	v := peerView{
		ID:         p.ID,
		IP:         p.AddrPort.Addr().String(),
		Port:       p.AddrPort.Port(),
		Downloaded: p.Downloaded,
		Uploaded:   p.Uploaded,
		Torrents:   p.Torrents,
	}
	if v.Torrents == nil {
		v.Torrents = bittorrent.Membership{}
	}
	if !p.LiveUntil.IsZero() {
		s := p.LiveUntil.UTC().Format(timeFormat)
		v.LiveUntil = &s
	}
	return v
}
