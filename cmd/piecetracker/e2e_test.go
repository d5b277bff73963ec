package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	httpfrontend "github.com/chihaya/piecetracker/frontend/http"
	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/storage"
)

func TestEndToEnd(t *testing.T) {
	s, err := storage.NewStore("memory", map[string]interface{}{"shard_count": 2})
	require.Nil(t, err)
	defer s.Stop().Wait()

	logic := middleware.NewLogic(middleware.Config{}, s, nil, nil)
	defer logic.Stop().Wait()

	fe, err := httpfrontend.NewFrontend(logic, httpfrontend.Config{Addr: "127.0.0.1:0"})
	require.Nil(t, err)
	defer fe.Stop().Wait()

	c := &client{base: "http://" + fe.Addr().String(), http: &http.Client{Timeout: 5 * time.Second}}
	require.Nil(t, test(c, 0))

	// The suite cleans up after itself.
	ids, err := s.PeersExpiredBefore(context.Background(), time.Now().Add(time.Hour))
	require.Nil(t, err)
	require.Empty(t, ids)
}

func TestClientErrors(t *testing.T) {
	s, err := storage.NewStore("memory", nil)
	require.Nil(t, err)
	defer s.Stop().Wait()

	fe, err := httpfrontend.NewFrontend(middleware.NewLogic(middleware.Config{}, s, nil, nil), httpfrontend.Config{Addr: "127.0.0.1:0"})
	require.Nil(t, err)
	defer fe.Stop().Wait()

	c := &client{base: "http://" + fe.Addr().String(), http: &http.Client{Timeout: 5 * time.Second}}
	err = c.do(http.MethodGet, "/peers/missing", nil, nil)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "404")
}
