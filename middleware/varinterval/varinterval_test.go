package varinterval

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
)

var configTests = []struct {
	cfg      Config
	expected error
}{
	{
		cfg:      Config{0.5, 60, true, 0},
		expected: nil,
	}, {
		cfg:      Config{1.0, 60, true, time.Hour},
		expected: nil,
	}, {
		cfg:      Config{0.0, 60, true, 0},
		expected: ErrInvalidModifyResponseProbability,
	}, {
		cfg:      Config{1.1, 60, true, 0},
		expected: ErrInvalidModifyResponseProbability,
	}, {
		cfg:      Config{0.5, 0, true, 0},
		expected: ErrInvalidMaxIncreaseDelta,
	}, {
		cfg:      Config{0.5, -10, true, 0},
		expected: ErrInvalidMaxIncreaseDelta,
	}, {
		cfg:      Config{0.5, 10, true, -time.Second},
		expected: ErrInvalidMaxInterval,
	},
}

func TestCheckConfig(t *testing.T) {
	for _, tt := range configTests {
		t.Run(fmt.Sprintf("%#v", tt.cfg), func(t *testing.T) {
			got := checkConfig(tt.cfg)
			require.Equal(t, tt.expected, got, "", tt.cfg)
		})
	}
}

func request() *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		PeerID:   "peer",
		AddrPort: netip.MustParseAddrPort("10.0.0.1:6881"),
	}
}

func TestHandleAnnounce(t *testing.T) {
	h, err := NewHook(Config{1.0, 10, true, 0})
	require.Nil(t, err)
	require.NotNil(t, h)

	ctx := context.Background()
	resp := &bittorrent.AnnounceResponse{}

	nCtx, err := h.HandleAnnounce(ctx, request(), resp)
	require.Nil(t, err)
	require.Equal(t, ctx, nCtx)
	require.True(t, resp.Interval > 0, "interval should have been increased")
	require.True(t, resp.Interval <= 10*time.Second)
	require.Equal(t, resp.Interval, resp.MinInterval)

	again := &bittorrent.AnnounceResponse{}
	_, err = h.HandleAnnounce(ctx, request(), again)
	require.Nil(t, err)
	require.Equal(t, resp, again, "the same request is varied the same way")
}

func TestMaxInterval(t *testing.T) {
	h, err := NewHook(Config{1.0, 100, false, time.Minute})
	require.Nil(t, err)

	resp := &bittorrent.AnnounceResponse{Interval: time.Minute - time.Second, MinInterval: time.Second}
	_, err = h.HandleAnnounce(context.Background(), request(), resp)
	require.Nil(t, err)
	require.True(t, resp.Interval <= time.Minute)
	require.Equal(t, time.Second, resp.MinInterval)

	resp = &bittorrent.AnnounceResponse{Interval: 2 * time.Minute}
	_, err = h.HandleAnnounce(context.Background(), request(), resp)
	require.Nil(t, err)
	require.Equal(t, 2*time.Minute, resp.Interval, "an interval beyond the cap is left alone")
}

func TestDriverOptions(t *testing.T) {
	options, err := yaml.Marshal(map[string]interface{}{
		"modify_response_probability": 0.2,
		"max_increase_delta":          30,
		"modify_min_interval":         true,
	})
	require.Nil(t, err)

	h, err := driver{}.NewHook(options)
	require.Nil(t, err)
	require.Equal(t, Config{0.2, 30, true, 0}, h.(*hook).cfg)
}
