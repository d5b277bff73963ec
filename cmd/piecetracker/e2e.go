package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/discovery"
	"github.com/chihaya/piecetracker/pkg/log"
)

// EndToEndRunCmdFunc implements a Cobra command that runs the end-to-end test
// suite against a running tracker.
func EndToEndRunCmdFunc(cmd *cobra.Command, args []string) error {
	delay, err := cmd.Flags().GetDuration("delay")
	if err != nil {
		return err
	}

	httpAddr, err := cmd.Flags().GetString("httpaddr")
	if err != nil {
		return err
	}

	if httpAddr == "" {
		timeout, err := cmd.Flags().GetDuration("discover-timeout")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		httpAddr, err = discovery.Find(ctx, discovery.Config{})
		if err != nil {
			return err
		}
	}

	log.Info("testing HTTP...", log.Fields{"addr": httpAddr})
	if err := test(&client{base: strings.TrimSuffix(httpAddr, "/"), http: &http.Client{Timeout: 10 * time.Second}}, delay); err != nil {
		return err
	}
	log.Info("success")

	return nil
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, in, out interface{}) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errors.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func test(c *client, delay time.Duration) error {
	var torrent struct {
		ID bittorrent.TorrentID `json:"id"`
	}
	err := c.do(http.MethodPost, "/register-torrent", map[string]interface{}{
		"files": []bittorrent.File{{
			Filename: "e2e.bin",
			Size:     32,
			Pieces: []bittorrent.Piece{
				{Index: 0, Size: 16, Hash: "e2e-0"},
				{Index: 1, Size: 16, Hash: "e2e-1"},
			},
		}},
	}, &torrent)
	if err != nil {
		return errors.Wrap(err, "failed to register torrent")
	}

	var peer struct {
		ID bittorrent.PeerID `json:"id"`
	}
	if err := c.do(http.MethodPost, "/register-peer", map[string]interface{}{"port": 6881}, &peer); err != nil {
		return errors.Wrap(err, "failed to register peer")
	}
	defer func() {
		if err := c.do(http.MethodDelete, "/peers/"+url.PathEscape(string(peer.ID)), nil, nil); err != nil {
			log.Warn("failed to remove e2e peer", log.Err(err))
		}
		if err := c.do(http.MethodDelete, "/torrentFiles/"+url.PathEscape(string(torrent.ID)), nil, nil); err != nil {
			log.Warn("failed to remove e2e torrent", log.Err(err))
		}
	}()

	err = c.do(http.MethodPut, "/announce", map[string]interface{}{
		"peerId": peer.ID,
		"port":   6881,
		"torrents": bittorrent.Membership{{
			TorrentID: torrent.ID,
			Files:     []bittorrent.FileMembership{{Filename: "e2e.bin", PieceIndexes: []uint32{1}}},
		}},
	}, nil)
	if err != nil {
		return errors.Wrap(err, "failed to announce")
	}

	time.Sleep(delay)

	var availability bittorrent.Availability
	if err := c.do(http.MethodGet, "/find-available-peers/"+url.PathEscape(string(torrent.ID)), nil, &availability); err != nil {
		return errors.Wrap(err, "failed to find available peers")
	}
	if len(availability) != 1 || len(availability[0].Pieces) != 2 {
		return fmt.Errorf("expected 2 piece slots, got %+v", availability)
	}
	if availability[0].Pieces[0].Peer != nil {
		return fmt.Errorf("piece 0 should have no holder, got %+v", availability[0].Pieces[0].Peer)
	}
	if p := availability[0].Pieces[1].Peer; p == nil || p.PeerID != peer.ID {
		return fmt.Errorf("piece 1 should be held by %s, got %+v", peer.ID, p)
	}

	var holders []bittorrent.PeerAddr
	q := url.Values{
		"torrentId":  {string(torrent.ID)},
		"filename":   {"e2e.bin"},
		"pieceIndex": {"1"},
	}
	if err := c.do(http.MethodGet, "/find-piece-peers?"+q.Encode(), nil, &holders); err != nil {
		return errors.Wrap(err, "failed to find piece peers")
	}
	if len(holders) != 1 || holders[0].PeerID != peer.ID {
		return fmt.Errorf("expected exactly %s to hold piece 1, got %+v", peer.ID, holders)
	}

	return nil
}
